// Package xmpp is the client side of the push server's XMPP dialect: a TCP
// stream upgraded with STARTTLS, non-SASL iq:auth login and iq stanzas
// carrying registration and notification payloads.
//
// Ownership boundary:
// - xmpp owns the socket, stream negotiation and request/response matching.
// - Payload decoding is delegated to the stanza providers registered on the
// connection; routing decoded packets is the caller's job.
package xmpp

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/pnclient/internal/stanza"
	"github.com/rs/zerolog/log"
)

const (
	nsClient  = "jabber:client"
	nsStream  = "http://etherx.jabber.org/streams"
	nsTLS     = "urn:ietf:params:xml:ns:xmpp-tls"
	streamEnd = "</stream:stream>"
)

// ConnectionListener hears about the end of a connection. ConnectionClosed
// follows a local Disconnect; every other ending is an error.
type ConnectionListener interface {
	ConnectionClosed()
	ConnectionClosedOnError(err error)
}

// PacketHandler receives every decoded inbound iq on the read goroutine.
type PacketHandler func(iq *stanza.IQ)

type streamFeatures struct {
	XMLName  xml.Name  `xml:"http://etherx.jabber.org/streams features"`
	StartTLS *startTLS `xml:"urn:ietf:params:xml:ns:xmpp-tls starttls"`
	IQAuth   *struct{} `xml:"http://jabber.org/features/iq-auth auth"`
}

type startTLS struct {
	Required *struct{} `xml:"required"`
}

// Conn is one XMPP client connection.
type Conn struct {
	cfg       Config
	onPacket  PacketHandler
	providers *stanza.Providers

	writeMu sync.Mutex

	mu            sync.Mutex
	conn          net.Conn
	streamID      string
	jid           string
	connected     bool
	authenticated bool
	closing       bool
	pending       map[string]chan *stanza.IQ
	listeners     []ConnectionListener
	done          chan struct{}
}

func New(cfg Config, onPacket PacketHandler) *Conn {
	return &Conn{
		cfg:       cfg.WithDefaults(),
		onPacket:  onPacket,
		providers: stanza.NewProviders(),
		pending:   make(map[string]chan *stanza.IQ),
	}
}

// Providers is the payload decoder registry consulted for inbound iqs.
func (c *Conn) Providers() *stanza.Providers {
	return c.providers
}

func (c *Conn) AddConnectionListener(l ConnectionListener) {
	if l == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Conn) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.authenticated
}

func (c *Conn) StreamID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamID
}

// JID is the full address bound at login, empty before.
func (c *Conn) JID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jid
}

// Connect dials the server, negotiates STARTTLS and opens the encrypted
// stream. The connection refuses to continue without TLS.
func (c *Conn) Connect(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	conn, dec, streamID, err := c.negotiate(ctx)
	if err != nil {
		log.Warn().Err(err).Str("addr", c.cfg.Address()).Msg("xmpp.Conn.Connect failed")
		return err
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.streamID = streamID
	c.connected = true
	c.closing = false
	c.done = done
	c.mu.Unlock()

	go c.readLoop(dec, done)
	log.Info().Str("addr", c.cfg.Address()).Str("stream", streamID).Msg("xmpp.Conn.Connect established")
	return nil
}

func (c *Conn) negotiate(ctx context.Context) (net.Conn, *xml.Decoder, string, error) {
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", c.cfg.Address())
	if err != nil {
		return nil, nil, "", err
	}
	fail := func(err error) (net.Conn, *xml.Decoder, string, error) {
		_ = raw.Close()
		return nil, nil, "", err
	}

	deadline := time.Now().Add(c.cfg.ConnectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = raw.SetDeadline(deadline)

	dec := xml.NewDecoder(raw)
	features, _, err := c.openStream(raw, dec)
	if err != nil {
		return fail(err)
	}
	if features.StartTLS == nil {
		return fail(ErrTLSUnavailable)
	}
	if _, err := io.WriteString(raw, "<starttls xmlns='"+nsTLS+"'/>"); err != nil {
		return fail(err)
	}
	if err := awaitProceed(dec); err != nil {
		return fail(err)
	}

	tlsCfg, err := c.cfg.clientTLSConfig()
	if err != nil {
		return fail(err)
	}
	secure := tls.Client(raw, tlsCfg)
	if err := secure.HandshakeContext(ctx); err != nil {
		return fail(fmt.Errorf("xmpp: tls handshake: %w", err))
	}

	dec = xml.NewDecoder(secure)
	_, streamID, err := c.openStream(secure, dec)
	if err != nil {
		return fail(err)
	}
	_ = secure.SetDeadline(time.Time{})
	return secure, dec, streamID, nil
}

// openStream writes a stream header and reads the server's header and
// feature list.
func (c *Conn) openStream(w io.Writer, dec *xml.Decoder) (streamFeatures, string, error) {
	header := fmt.Sprintf(
		"<?xml version='1.0'?><stream:stream to='%s' xmlns='%s' xmlns:stream='%s' version='1.0'>",
		escape(c.cfg.ServiceName), nsClient, nsStream,
	)
	if _, err := io.WriteString(w, header); err != nil {
		return streamFeatures{}, "", err
	}

	var streamID string
	for {
		tok, err := dec.Token()
		if err != nil {
			return streamFeatures{}, "", fmt.Errorf("%w: %v", ErrStreamNegotiate, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch {
		case start.Name.Space == nsStream && start.Name.Local == "stream":
			streamID = attr(start, "id")
		case start.Name.Space == nsStream && start.Name.Local == "features":
			var features streamFeatures
			if err := dec.DecodeElement(&features, &start); err != nil {
				return streamFeatures{}, "", fmt.Errorf("%w: features: %v", ErrStreamNegotiate, err)
			}
			return features, streamID, nil
		case start.Name.Space == nsStream && start.Name.Local == "error":
			return streamFeatures{}, "", readStreamError(dec, start)
		default:
			if err := dec.Skip(); err != nil {
				return streamFeatures{}, "", fmt.Errorf("%w: %v", ErrStreamNegotiate, err)
			}
		}
	}
}

func awaitProceed(dec *xml.Decoder) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTLSRefused, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch {
		case start.Name.Space == nsTLS && start.Name.Local == "proceed":
			return dec.Skip()
		case start.Name.Space == nsTLS:
			return ErrTLSRefused
		case start.Name.Space == nsStream && start.Name.Local == "error":
			return readStreamError(dec, start)
		default:
			if err := dec.Skip(); err != nil {
				return err
			}
		}
	}
}

func readStreamError(src stanza.TokenSource, start xml.StartElement) error {
	tokens, err := stanza.CaptureElement(src, start)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStreamError, err)
	}
	condition := "undefined-condition"
	for _, tok := range tokens[1:] {
		if s, ok := tok.(xml.StartElement); ok && s.Name.Local != "text" {
			condition = s.Name.Local
			break
		}
	}
	return fmt.Errorf("%w: %s", ErrStreamError, condition)
}

func (c *Conn) readLoop(dec *xml.Decoder, done chan struct{}) {
	defer close(done)
	err := c.readStanzas(dec)
	c.teardown(err)
}

func (c *Conn) readStanzas(dec *xml.Decoder) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Local == "iq":
				if err := c.handleIQ(dec, t); err != nil {
					return err
				}
			case t.Name.Space == nsStream && t.Name.Local == "error":
				return readStreamError(dec, t)
			default:
				if err := dec.Skip(); err != nil {
					return err
				}
			}
		case xml.EndElement:
			if t.Name.Space == nsStream && t.Name.Local == "stream" {
				return io.EOF
			}
		}
	}
}

// handleIQ captures the whole element before decoding so a malformed payload
// only loses that stanza.
func (c *Conn) handleIQ(dec *xml.Decoder, start xml.StartElement) error {
	tokens, err := stanza.CaptureElement(dec, start)
	if err != nil {
		return err
	}
	iq, err := stanza.DecodeIQ(stanza.NewTokenReader(tokens[1:]), tokens[0].(xml.StartElement), c.providers)
	if err != nil {
		log.Warn().Err(err).Str("id", attr(start, "id")).Msg("xmpp.Conn.handleIQ dropped malformed iq")
		return nil
	}

	switch {
	case iq.IsResponse():
		c.resolve(iq)
	case iq.Payload == nil:
		reply := stanza.NewErrorIQ(iq, &stanza.Error{Code: 501, Type: "cancel", Condition: "feature-not-implemented"})
		if err := c.SendIQ(reply); err != nil {
			log.Debug().Err(err).Str("id", iq.ID).Msg("xmpp.Conn.handleIQ reply failed")
		}
	}
	if c.onPacket != nil {
		c.onPacket(iq)
	}
	return nil
}

func (c *Conn) resolve(iq *stanza.IQ) {
	c.mu.Lock()
	ch, ok := c.pending[iq.ID]
	if ok {
		delete(c.pending, iq.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- iq
	}
}

func (c *Conn) teardown(cause error) {
	c.mu.Lock()
	closing := c.closing
	conn := c.conn
	pending := c.pending
	listeners := append([]ConnectionListener(nil), c.listeners...)
	c.conn = nil
	c.connected = false
	c.authenticated = false
	c.closing = false
	c.jid = ""
	c.pending = make(map[string]chan *stanza.IQ)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for _, ch := range pending {
		close(ch)
	}

	if closing {
		log.Info().Str("addr", c.cfg.Address()).Msg("xmpp.Conn closed")
		for _, l := range listeners {
			l.ConnectionClosed()
		}
		return
	}
	if cause == nil {
		cause = io.EOF
	}
	log.Warn().Err(cause).Str("addr", c.cfg.Address()).Msg("xmpp.Conn closed on error")
	for _, l := range listeners {
		l.ConnectionClosedOnError(cause)
	}
}

// SendIQ writes iq to the stream without waiting for a response.
func (c *Conn) SendIQ(iq *stanza.IQ) error {
	raw, err := xml.Marshal(iq)
	if err != nil {
		return fmt.Errorf("xmpp: encode iq: %w", err)
	}
	return c.write(raw)
}

func (c *Conn) write(p []byte) error {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
	_, err := conn.Write(p)
	return err
}

// Request sends iq and waits for the response carrying the same id.
func (c *Conn) Request(ctx context.Context, iq *stanza.IQ) (*stanza.IQ, error) {
	if iq.ID == "" {
		iq.ID = stanza.NewID()
	}
	ch := make(chan *stanza.IQ, 1)
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[iq.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, iq.ID)
		c.mu.Unlock()
	}()

	if err := c.SendIQ(iq); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: iq id=%s", ErrRequestTimeout, iq.ID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Login authenticates with jabber:iq:auth and announces presence.
func (c *Conn) Login(ctx context.Context, username, password, resource string) error {
	if strings.TrimSpace(username) == "" || password == "" {
		return ErrCredentials
	}
	c.mu.Lock()
	connected, authenticated := c.connected, c.authenticated
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	if authenticated {
		return nil
	}

	resp, err := c.Request(ctx, stanza.NewAuthIQ(stanza.Auth{
		Username: username,
		Password: password,
		Resource: resource,
	}))
	if err != nil {
		return err
	}
	if resp.Type == stanza.IQError {
		if resp.Error == nil {
			return fmt.Errorf("%w: error response without condition", ErrLoginFailed)
		}
		if resp.Error.IsNotAuthorized() {
			return fmt.Errorf("%w: %v", ErrNotAuthorized, resp.Error)
		}
		return fmt.Errorf("%w: %v", ErrLoginFailed, resp.Error)
	}

	jid := username + "@" + c.cfg.ServiceName
	if resource != "" {
		jid += "/" + resource
	}
	c.mu.Lock()
	c.authenticated = true
	c.jid = jid
	c.mu.Unlock()

	if err := c.write([]byte("<presence/>")); err != nil {
		return err
	}
	log.Info().Str("jid", jid).Msg("xmpp.Conn.Login authenticated")
	return nil
}

// Disconnect closes the stream and waits for the read loop to finish. It must
// not be called from a PacketHandler or ConnectionListener.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	conn, done := c.conn, c.done
	c.mu.Unlock()

	_ = c.write([]byte("<presence type='unavailable'/>" + streamEnd))
	err := conn.Close()
	<-done
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func attr(start xml.StartElement, local string) string {
	for _, a := range start.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
