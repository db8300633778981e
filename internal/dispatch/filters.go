package dispatch

import "github.com/danmuck/pnclient/internal/stanza"

// And matches when every filter matches. Nil filters are skipped.
func And[E any](filters ...Filter[E]) Filter[E] {
	return func(e E) bool {
		for _, f := range filters {
			if f != nil && !f(e) {
				return false
			}
		}
		return true
	}
}

// MatchID matches stanzas carrying the given correlation id.
func MatchID(id string) Filter[*stanza.IQ] {
	return func(iq *stanza.IQ) bool {
		return iq != nil && iq.ID == id
	}
}

// MatchType matches stanzas whose type attribute is one of types.
func MatchType(types ...string) Filter[*stanza.IQ] {
	return func(iq *stanza.IQ) bool {
		if iq == nil {
			return false
		}
		for _, t := range types {
			if iq.Type == t {
				return true
			}
		}
		return false
	}
}

// MatchResponse matches result and error stanzas.
func MatchResponse() Filter[*stanza.IQ] {
	return MatchType(stanza.IQResult, stanza.IQError)
}

// MatchPayload matches stanzas whose decoded payload has type T.
func MatchPayload[T any]() Filter[*stanza.IQ] {
	return func(iq *stanza.IQ) bool {
		if iq == nil {
			return false
		}
		_, ok := iq.Payload.(T)
		return ok
	}
}

// MatchNotification matches stanzas carrying a decoded notification.
func MatchNotification() Filter[*stanza.IQ] {
	return MatchPayload[*stanza.Notification]()
}
