package stanza

import (
	"encoding/xml"
	"strings"
	"testing"

	"github.com/danmuck/pnclient/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func firstStart(t *testing.T, dec *xml.Decoder) xml.StartElement {
	t.Helper()
	for {
		tok, err := dec.Token()
		require.NoError(t, err)
		if start, ok := tok.(xml.StartElement); ok {
			return start
		}
	}
}

func notificationProviders() *Providers {
	p := NewProviders()
	p.Register(NotificationElement, NotificationNamespace, NotificationProvider)
	return p
}

func TestParseNotificationAllFields(t *testing.T) {
	testlog.Start(t)
	in := `<notification><id>1</id><apiKey>k</apiKey><title>Hi</title><message>Hello</message><uri>http://x</uri></notification>`

	n, err := ParseNotification(xml.NewDecoder(strings.NewReader(in)))
	require.NoError(t, err)
	assert.Equal(t, "1", n.ID)
	assert.Equal(t, "k", n.APIKey)
	assert.Equal(t, "Hi", n.Title)
	assert.Equal(t, "Hello", n.Message)
	assert.Equal(t, "http://x", n.URI)
}

func TestParseNotificationLastWriteWinsAndIgnoresUnknown(t *testing.T) {
	testlog.Start(t)
	in := `<notification xmlns="androidpn:iq:notification"><id>1</id><priority>high</priority><id>2</id><title/></notification><id>after</id>`

	n, err := ParseNotification(xml.NewDecoder(strings.NewReader(in)))
	require.NoError(t, err)
	assert.Equal(t, "2", n.ID)
	assert.Equal(t, "", n.Title)
	assert.Equal(t, "", n.Message)
}

func TestParseNotificationTruncatedStream(t *testing.T) {
	testlog.Start(t)
	for _, in := range []string{
		`<notification><id>1</id><title>Hi</title>`,
		`<notification><id>1`,
		``,
	} {
		_, err := ParseNotification(xml.NewDecoder(strings.NewReader(in)))
		require.ErrorIs(t, err, ErrParse, "input %q", in)
	}
}

func TestParseNotificationDrainedTokenReader(t *testing.T) {
	testlog.Start(t)
	tokens := []xml.Token{
		xml.StartElement{Name: xml.Name{Local: "notification"}},
		xml.StartElement{Name: xml.Name{Local: "id"}},
		xml.CharData("7"),
		xml.EndElement{Name: xml.Name{Local: "id"}},
	}
	_, err := ParseNotification(NewTokenReader(tokens))
	require.ErrorIs(t, err, ErrParse)
}

func TestParseNotificationRejectsMarkupInsideText(t *testing.T) {
	testlog.Start(t)
	in := `<notification><id>1<b>x</b></id></notification>`
	_, err := ParseNotification(xml.NewDecoder(strings.NewReader(in)))
	require.ErrorIs(t, err, ErrParse)
}

func TestDecodeIQWithNotificationPayload(t *testing.T) {
	testlog.Start(t)
	in := `<iq type="set" id="n1" from="push.local" to="abc@push.local/AndroidpnClient">` +
		`<notification xmlns="androidpn:iq:notification"><id>42</id><apiKey>1234567890</apiKey>` +
		`<title>Dokdo</title><message>Island</message><uri></uri></notification></iq>`
	dec := xml.NewDecoder(strings.NewReader(in))

	iq, err := DecodeIQ(dec, firstStart(t, dec), notificationProviders())
	require.NoError(t, err)
	assert.Equal(t, "n1", iq.ID)
	assert.Equal(t, IQSet, iq.Type)
	assert.Equal(t, "push.local", iq.From)

	n, ok := iq.Payload.(*Notification)
	require.True(t, ok, "payload type %T", iq.Payload)
	assert.Equal(t, "42", n.ID)
	assert.Equal(t, "Island", n.Message)
}

func TestDecodeIQSkipsUnknownChildren(t *testing.T) {
	testlog.Start(t)
	in := `<iq type="result" id="r1"><query xmlns="jabber:iq:register"><username>u</username></query></iq>`
	dec := xml.NewDecoder(strings.NewReader(in))

	iq, err := DecodeIQ(dec, firstStart(t, dec), notificationProviders())
	require.NoError(t, err)
	assert.Nil(t, iq.Payload)
	assert.True(t, iq.IsResponse())
}

func TestDecodeIQErrorConditions(t *testing.T) {
	testlog.Start(t)
	in := `<iq type="error" id="reg1"><error code="409" type="cancel">` +
		`<conflict xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"/>` +
		`<text xmlns="urn:ietf:params:xml:ns:xmpp-stanzas">user exists</text></error></iq>`
	dec := xml.NewDecoder(strings.NewReader(in))

	iq, err := DecodeIQ(dec, firstStart(t, dec), nil)
	require.NoError(t, err)
	require.NotNil(t, iq.Error)
	assert.True(t, iq.Error.IsConflict())
	assert.False(t, iq.Error.IsNotAuthorized())
	assert.Equal(t, "conflict", iq.Error.Condition)
	assert.Equal(t, "user exists", iq.Error.Text)
}

func TestDecodeIQMalformedNotificationFromCapture(t *testing.T) {
	testlog.Start(t)
	in := `<iq type="set" id="bad"><notification xmlns="androidpn:iq:notification"><id>1<x/></id></notification></iq><iq type="result" id="next"/>`
	dec := xml.NewDecoder(strings.NewReader(in))

	tokens, err := CaptureElement(dec, firstStart(t, dec))
	require.NoError(t, err)
	src := NewTokenReader(tokens)
	start, _ := src.Token()
	_, err = DecodeIQ(src, start.(xml.StartElement), notificationProviders())
	require.ErrorIs(t, err, ErrParse)

	// the live stream is still aligned on the next stanza
	iq, err := DecodeIQ(dec, firstStart(t, dec), nil)
	require.NoError(t, err)
	assert.Equal(t, "next", iq.ID)
}

func TestRegistrationIQMarshal(t *testing.T) {
	testlog.Start(t)
	iq := NewRegistrationIQ(Registration{Username: "u1", Password: "p1", IMSI: "460000001232300", IMEI: "324234343434434"})
	require.NotEmpty(t, iq.ID)

	raw, err := xml.Marshal(iq)
	require.NoError(t, err)
	out := string(raw)
	assert.Contains(t, out, `type="set"`)
	assert.Contains(t, out, `<query xmlns="jabber:iq:register"><username>u1</username><password>p1</password><imsi>460000001232300</imsi><imei>324234343434434</imei></query>`)
	assert.NotContains(t, out, "<error")
}

func TestErrorIQMarshalDecodes(t *testing.T) {
	testlog.Start(t)
	req := &IQ{ID: "auth1", Type: IQSet, From: "client"}
	raw, err := xml.Marshal(NewErrorIQ(req, NotAuthorizedError()))
	require.NoError(t, err)

	dec := xml.NewDecoder(strings.NewReader(string(raw)))
	iq, err := DecodeIQ(dec, firstStart(t, dec), nil)
	require.NoError(t, err)
	assert.Equal(t, "auth1", iq.ID)
	assert.Equal(t, "client", iq.To)
	require.NotNil(t, iq.Error)
	assert.True(t, iq.Error.IsNotAuthorized())
	assert.Equal(t, 401, iq.Error.Code)
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewID()
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}
