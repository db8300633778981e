// Package xmpptest runs an in-process push server on loopback for client
// tests. It speaks the same dialect as the production server: mandatory
// STARTTLS, jabber:iq:register with child-element attributes, jabber:iq:auth
// and androidpn notification pushes.
package xmpptest

import (
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/danmuck/pnclient/internal/stanza"
	"github.com/danmuck/pnclient/internal/testutil/tlstest"
	"github.com/rs/zerolog/log"
)

const (
	Domain   = "localhost"
	nsStream = "http://etherx.jabber.org/streams"
	nsTLS    = "urn:ietf:params:xml:ns:xmpp-tls"
)

var ErrNoSession = errors.New("xmpptest: no authenticated session")

type Options struct {
	// NoStartTLS omits starttls from the stream features.
	NoStartTLS bool
	// RefuseTLS answers starttls with a failure.
	RefuseTLS bool
}

type Server struct {
	opts   Options
	ln     net.Listener
	tlsCfg *tls.Config
	caFile string

	mu            sync.Mutex
	accounts      map[string]string
	registerErr   *stanza.Error
	sessions      map[*session]struct{}
	acks          []string
	accepted      int
	registrations int
	logins        int
	closed        bool

	closeOnce sync.Once
	wg        sync.WaitGroup
}

type session struct {
	srv *Server
	raw net.Conn

	writeMu sync.Mutex
	conn    net.Conn

	// guarded by srv.mu
	user     string
	resource string
}

type registerQuery struct {
	Username string `xml:"username"`
	Password string `xml:"password"`
	IMSI     string `xml:"imsi"`
	IMEI     string `xml:"imei"`
}

type authQuery struct {
	Username string `xml:"username"`
	Password string `xml:"password"`
	Resource string `xml:"resource"`
}

type inboundIQ struct {
	ID       string         `xml:"id,attr"`
	Type     string         `xml:"type,attr"`
	Register *registerQuery `xml:"jabber:iq:register query"`
	Auth     *authQuery     `xml:"jabber:iq:auth query"`
}

func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()
	tlsCfg, caFile := tlstest.LoopbackServerConfig(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{
		opts:     opts,
		ln:       ln,
		tlsCfg:   tlsCfg,
		caFile:   caFile,
		accounts: make(map[string]string),
		sessions: make(map[*session]struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Host() string   { return "127.0.0.1" }
func (s *Server) Port() int      { return s.ln.Addr().(*net.TCPAddr).Port }
func (s *Server) CAFile() string { return s.caFile }

func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		_ = s.ln.Close()
		s.Kick()
		s.wg.Wait()
	})
}

// Kick drops every open connection without a closing stream tag.
func (s *Server) Kick() {
	s.mu.Lock()
	raws := make([]net.Conn, 0, len(s.sessions))
	for sess := range s.sessions {
		raws = append(raws, sess.raw)
	}
	s.mu.Unlock()
	for _, raw := range raws {
		_ = raw.Close()
	}
}

func (s *Server) AddAccount(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[username] = password
}

func (s *Server) RemoveAccount(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, username)
}

func (s *Server) Accounts() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.accounts))
	for k, v := range s.accounts {
		out[k] = v
	}
	return out
}

// SetRegisterError makes every registration fail with e. nil restores
// normal handling.
func (s *Server) SetRegisterError(e *stanza.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerErr = e
}

func (s *Server) Acks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acks...)
}

func (s *Server) HasAck(id string) bool {
	for _, ack := range s.Acks() {
		if ack == id {
			return true
		}
	}
	return false
}

// Sessions counts connections that completed login.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for sess := range s.sessions {
		if sess.user != "" {
			n++
		}
	}
	return n
}

func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func (s *Server) Registrations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registrations
}

func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Push sends n to every authenticated session and returns the iq id.
func (s *Server) Push(n stanza.Notification) (string, error) {
	id := stanza.NewID()
	var sent int
	for _, sess := range s.authenticated() {
		iq := &stanza.IQ{ID: id, Type: stanza.IQSet, From: Domain, To: sess.address(), Payload: &n}
		if err := sess.writeIQ(iq); err != nil {
			continue
		}
		sent++
	}
	if sent == 0 {
		return "", ErrNoSession
	}
	return id, nil
}

// PushRaw writes raw markup to every authenticated session.
func (s *Server) PushRaw(raw string) error {
	sessions := s.authenticated()
	if len(sessions) == 0 {
		return ErrNoSession
	}
	for _, sess := range sessions {
		if err := sess.write(raw); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) authenticated() []*session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		if sess.user != "" {
			out = append(out, sess)
		}
	}
	return out
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		raw, err := s.ln.Accept()
		if err != nil {
			return
		}
		sess := &session{srv: s, raw: raw, conn: raw}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = raw.Close()
			return
		}
		s.accepted++
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.sessions, sess)
				s.mu.Unlock()
				_ = raw.Close()
			}()
			if err := s.serve(sess); err != nil && !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Msg("xmpptest.Server.serve ended")
			}
		}()
	}
}

func (s *Server) serve(sess *session) error {
	dec := xml.NewDecoder(sess.raw)
	if err := awaitStreamOpen(dec); err != nil {
		return err
	}
	if s.opts.NoStartTLS {
		if err := sess.write(header() + "<stream:features><auth xmlns='http://jabber.org/features/iq-auth'/></stream:features>"); err != nil {
			return err
		}
		for {
			if _, err := dec.Token(); err != nil {
				return err
			}
		}
	}
	if err := sess.write(header() + "<stream:features><starttls xmlns='" + nsTLS + "'><required/></starttls></stream:features>"); err != nil {
		return err
	}

	start, err := nextStart(dec)
	if err != nil {
		return err
	}
	if start.Name.Local != "starttls" {
		return fmt.Errorf("xmpptest: expected starttls, got <%s>", start.Name.Local)
	}
	if s.opts.RefuseTLS {
		return sess.write("<failure xmlns='" + nsTLS + "'/></stream:stream>")
	}
	if err := sess.write("<proceed xmlns='" + nsTLS + "'/>"); err != nil {
		return err
	}

	secure := tls.Server(sess.raw, s.tlsCfg)
	if err := secure.Handshake(); err != nil {
		return err
	}
	sess.writeMu.Lock()
	sess.conn = secure
	sess.writeMu.Unlock()

	dec = xml.NewDecoder(secure)
	if err := awaitStreamOpen(dec); err != nil {
		return err
	}
	if err := sess.write(header() + "<stream:features><auth xmlns='http://jabber.org/features/iq-auth'/><register xmlns='http://jabber.org/features/iq-register'/></stream:features>"); err != nil {
		return err
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "iq" {
				if err := dec.Skip(); err != nil {
					return err
				}
				continue
			}
			var in inboundIQ
			if err := dec.DecodeElement(&in, &t); err != nil {
				return err
			}
			if err := s.handleIQ(sess, in); err != nil {
				return err
			}
		case xml.EndElement:
			if t.Name.Space == nsStream && t.Name.Local == "stream" {
				_ = sess.write("</stream:stream>")
				return io.EOF
			}
		}
	}
}

func (s *Server) handleIQ(sess *session, in inboundIQ) error {
	req := &stanza.IQ{ID: in.ID, Type: in.Type}
	switch {
	case in.Register != nil && in.Type == stanza.IQSet:
		if e := s.register(*in.Register); e != nil {
			return sess.writeIQ(stanza.NewErrorIQ(req, e))
		}
		return sess.writeIQ(stanza.NewResultIQ(req))
	case in.Auth != nil && in.Type == stanza.IQSet:
		if !s.authenticate(sess, *in.Auth) {
			return sess.writeIQ(stanza.NewErrorIQ(req, stanza.NotAuthorizedError()))
		}
		return sess.writeIQ(stanza.NewResultIQ(req))
	case in.Type == stanza.IQResult || in.Type == stanza.IQError:
		s.mu.Lock()
		s.acks = append(s.acks, in.ID)
		s.mu.Unlock()
		return nil
	default:
		return sess.writeIQ(stanza.NewErrorIQ(req, &stanza.Error{Code: 501, Type: "cancel", Condition: "feature-not-implemented"}))
	}
}

func (s *Server) register(q registerQuery) *stanza.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registerErr != nil {
		return s.registerErr
	}
	if q.Username == "" || q.Password == "" {
		return &stanza.Error{Code: 406, Type: "modify", Condition: "not-acceptable"}
	}
	if _, exists := s.accounts[q.Username]; exists {
		return stanza.ConflictError()
	}
	s.accounts[q.Username] = q.Password
	s.registrations++
	return nil
}

func (s *Server) authenticate(sess *session, q authQuery) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	password, ok := s.accounts[q.Username]
	if !ok || password == "" || password != q.Password {
		return false
	}
	sess.user = q.Username
	sess.resource = q.Resource
	s.logins++
	return true
}

func (sess *session) address() string {
	sess.srv.mu.Lock()
	defer sess.srv.mu.Unlock()
	addr := sess.user + "@" + Domain
	if sess.resource != "" {
		addr += "/" + sess.resource
	}
	return addr
}

func (sess *session) write(raw string) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	_, err := io.WriteString(sess.conn, raw)
	return err
}

func (sess *session) writeIQ(iq *stanza.IQ) error {
	raw, err := xml.Marshal(iq)
	if err != nil {
		return err
	}
	return sess.write(string(raw))
}

func header() string {
	return fmt.Sprintf(
		"<?xml version='1.0'?><stream:stream xmlns='jabber:client' xmlns:stream='%s' from='%s' id='%s' version='1.0'>",
		nsStream, Domain, stanza.NewID(),
	)
}

func awaitStreamOpen(dec *xml.Decoder) error {
	for {
		start, err := nextStart(dec)
		if err != nil {
			return err
		}
		if start.Name.Space == nsStream && start.Name.Local == "stream" {
			return nil
		}
	}
}

func nextStart(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start, nil
		}
	}
}
