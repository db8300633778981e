package stanza

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

const (
	IQGet    = "get"
	IQSet    = "set"
	IQResult = "result"
	IQError  = "error"

	NSRegister = "jabber:iq:register"
	NSAuth     = "jabber:iq:auth"
	NSStanzas  = "urn:ietf:params:xml:ns:xmpp-stanzas"
)

// IQ is a request/response stanza. Payload holds the decoded child element
// when a provider is registered for it.
type IQ struct {
	XMLName xml.Name `xml:"iq"`
	ID      string   `xml:"id,attr,omitempty"`
	Type    string   `xml:"type,attr"`
	From    string   `xml:"from,attr,omitempty"`
	To      string   `xml:"to,attr,omitempty"`
	Payload any
	Error   *Error `xml:"error,omitempty"`
}

func (iq *IQ) IsResponse() bool {
	return iq.Type == IQResult || iq.Type == IQError
}

// NewID returns a fresh correlation id for an outbound stanza.
func NewID() string {
	return strings.ToLower(ulid.Make().String())
}

// Registration is the jabber:iq:register query. The server reads each
// attribute as a child element.
type Registration struct {
	XMLName  xml.Name `xml:"jabber:iq:register query"`
	Username string   `xml:"username,omitempty"`
	Password string   `xml:"password,omitempty"`
	IMSI     string   `xml:"imsi,omitempty"`
	IMEI     string   `xml:"imei,omitempty"`
}

// Auth is the non-SASL jabber:iq:auth query.
type Auth struct {
	XMLName  xml.Name `xml:"jabber:iq:auth query"`
	Username string   `xml:"username"`
	Password string   `xml:"password,omitempty"`
	Resource string   `xml:"resource,omitempty"`
}

func NewRegistrationIQ(reg Registration) *IQ {
	return &IQ{ID: NewID(), Type: IQSet, Payload: &reg}
}

func NewAuthIQ(auth Auth) *IQ {
	return &IQ{ID: NewID(), Type: IQSet, Payload: &auth}
}

// NewResultIQ builds the empty acknowledgement for req.
func NewResultIQ(req *IQ) *IQ {
	return &IQ{ID: req.ID, Type: IQResult, To: req.From}
}

// NewErrorIQ builds an error response for req.
func NewErrorIQ(req *IQ, e *Error) *IQ {
	return &IQ{ID: req.ID, Type: IQError, To: req.From, Error: e}
}

// Error is a stanza-level error. Code carries the legacy numeric code that
// the push server still emits alongside the condition element.
type Error struct {
	Code      int
	Type      string
	Condition string
	Text      string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("stanza error")
	if e.Code != 0 {
		fmt.Fprintf(&b, " code=%d", e.Code)
	}
	if e.Type != "" {
		fmt.Fprintf(&b, " type=%s", e.Type)
	}
	if e.Condition != "" {
		fmt.Fprintf(&b, " condition=%s", e.Condition)
	}
	if e.Text != "" {
		fmt.Fprintf(&b, " text=%q", e.Text)
	}
	return b.String()
}

func (e *Error) IsConflict() bool {
	return e != nil && (e.Code == 409 || e.Condition == "conflict")
}

func (e *Error) IsNotAuthorized() bool {
	return e != nil && (e.Code == 401 || e.Condition == "not-authorized")
}

func ConflictError() *Error {
	return &Error{Code: 409, Type: "cancel", Condition: "conflict"}
}

func NotAuthorizedError() *Error {
	return &Error{Code: 401, Type: "auth", Condition: "not-authorized"}
}

func (e *Error) MarshalXML(enc *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Local: "error"}
	start.Attr = nil
	if e.Code != 0 {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "code"}, Value: strconv.Itoa(e.Code)})
	}
	if e.Type != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "type"}, Value: e.Type})
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if e.Condition != "" {
		cond := xml.StartElement{Name: xml.Name{Space: NSStanzas, Local: e.Condition}}
		if err := enc.EncodeToken(cond); err != nil {
			return err
		}
		if err := enc.EncodeToken(cond.End()); err != nil {
			return err
		}
	}
	if e.Text != "" {
		text := xml.StartElement{Name: xml.Name{Space: NSStanzas, Local: "text"}}
		if err := enc.EncodeElement(e.Text, text); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

func decodeError(src TokenSource, start xml.StartElement) (*Error, error) {
	e := &Error{Type: attr(start, "type")}
	if raw := attr(start, "code"); raw != "" {
		code, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: error code %q", ErrParse, raw)
		}
		e.Code = code
	}
	for {
		tok, err := src.Token()
		if err != nil {
			return nil, parseErr(err, "<error>")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "text" {
				text, err := readText(src, "text")
				if err != nil {
					return nil, err
				}
				e.Text = text
				continue
			}
			if e.Condition == "" {
				e.Condition = t.Name.Local
			}
			if err := skipElement(src); err != nil {
				return nil, err
			}
		case xml.EndElement:
			return e, nil
		}
	}
}

// Provider decodes the child element opened by start. It must consume the
// element's end tag.
type Provider func(src TokenSource, start xml.StartElement) (any, error)

// Providers maps child element names to decoders.
type Providers struct {
	mu    sync.RWMutex
	items map[xml.Name]Provider
}

func NewProviders() *Providers {
	return &Providers{items: make(map[xml.Name]Provider)}
}

func (p *Providers) Register(local, namespace string, provider Provider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[xml.Name{Space: namespace, Local: local}] = provider
}

func (p *Providers) Lookup(name xml.Name) (Provider, bool) {
	if p == nil {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	provider, ok := p.items[name]
	return provider, ok
}

func (p *Providers) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

// DecodeIQ decodes one <iq> element whose start tag was already read.
// Children without a registered provider are skipped.
func DecodeIQ(src TokenSource, start xml.StartElement, providers *Providers) (*IQ, error) {
	if start.Name.Local != "iq" {
		return nil, fmt.Errorf("%w: <%s> is not an iq", ErrParse, start.Name.Local)
	}
	iq := &IQ{
		ID:   attr(start, "id"),
		Type: attr(start, "type"),
		From: attr(start, "from"),
		To:   attr(start, "to"),
	}
	for {
		tok, err := src.Token()
		if err != nil {
			return nil, parseErr(err, "<iq>")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "error" {
				e, err := decodeError(src, t)
				if err != nil {
					return nil, err
				}
				iq.Error = e
				continue
			}
			provider, ok := providers.Lookup(t.Name)
			if !ok || iq.Payload != nil {
				if err := skipElement(src); err != nil {
					return nil, err
				}
				continue
			}
			payload, err := provider(src, t)
			if err != nil {
				return nil, err
			}
			iq.Payload = payload
		case xml.EndElement:
			return iq, nil
		}
	}
}
