package client

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/pnclient/internal/stanza"
	"github.com/danmuck/pnclient/internal/xmpp"
)

var errDialRefused = errors.New("dial refused")

// fakeServer backs every fakeTransport a factory creates.
type fakeServer struct {
	mu            sync.Mutex
	connectErrs   []error
	connectGate   chan struct{}
	accounts      map[string]string
	registerError *stanza.Error
	registrations []stanza.Registration
	transports    []*fakeTransport
	connects      int
	logins        int
}

func newFakeServer() *fakeServer {
	return &fakeServer{accounts: make(map[string]string)}
}

func (s *fakeServer) factory(cfg xmpp.Config, onPacket xmpp.PacketHandler) Transport {
	t := &fakeTransport{srv: s, onPacket: onPacket, providers: stanza.NewProviders()}
	s.mu.Lock()
	s.transports = append(s.transports, t)
	s.mu.Unlock()
	return t
}

func (s *fakeServer) failNextConnects(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErrs = append(s.connectErrs, errs...)
}

func (s *fakeServer) setRegisterError(e *stanza.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerError = e
}

func (s *fakeServer) addAccount(user, pass string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[user] = pass
}

func (s *fakeServer) registrationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.registrations)
}

func (s *fakeServer) lastRegistration() stanza.Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registrations[len(s.registrations)-1]
}

func (s *fakeServer) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *fakeServer) loginCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

func (s *fakeServer) transportCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transports)
}

func (s *fakeServer) latest() *fakeTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.transports) == 0 {
		return nil
	}
	return s.transports[len(s.transports)-1]
}

type fakeTransport struct {
	srv       *fakeServer
	onPacket  xmpp.PacketHandler
	providers *stanza.Providers

	mu            sync.Mutex
	connected     bool
	authenticated bool
	listeners     []xmpp.ConnectionListener
	sent          []*stanza.IQ
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.srv.mu.Lock()
	gate := t.srv.connectGate
	t.srv.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.srv.mu.Lock()
	t.srv.connects++
	var err error
	if len(t.srv.connectErrs) > 0 {
		err = t.srv.connectErrs[0]
		t.srv.connectErrs = t.srv.connectErrs[1:]
	}
	t.srv.mu.Unlock()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Login(_ context.Context, username, password, _ string) error {
	if !t.IsConnected() {
		return xmpp.ErrNotConnected
	}
	t.srv.mu.Lock()
	want, ok := t.srv.accounts[username]
	if ok && want == password {
		t.srv.logins++
	}
	t.srv.mu.Unlock()
	if !ok || want != password {
		return xmpp.ErrNotAuthorized
	}
	t.mu.Lock()
	t.authenticated = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) SendIQ(iq *stanza.IQ) error {
	if !t.IsConnected() {
		return xmpp.ErrNotConnected
	}
	t.mu.Lock()
	t.sent = append(t.sent, iq)
	t.mu.Unlock()

	reg, ok := iq.Payload.(*stanza.Registration)
	if !ok {
		return nil
	}
	t.srv.mu.Lock()
	var reply *stanza.IQ
	switch {
	case t.srv.registerError != nil:
		reply = stanza.NewErrorIQ(iq, t.srv.registerError)
	default:
		if _, exists := t.srv.accounts[reg.Username]; exists {
			reply = stanza.NewErrorIQ(iq, stanza.ConflictError())
		} else {
			t.srv.accounts[reg.Username] = reg.Password
			reply = stanza.NewResultIQ(iq)
		}
	}
	t.srv.registrations = append(t.srv.registrations, *reg)
	t.srv.mu.Unlock()

	go t.onPacket(reply)
	return nil
}

func (t *fakeTransport) Disconnect() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	t.authenticated = false
	listeners := append([]xmpp.ConnectionListener(nil), t.listeners...)
	t.mu.Unlock()
	for _, l := range listeners {
		l.ConnectionClosed()
	}
	return nil
}

// drop simulates the server going away.
func (t *fakeTransport) drop(err error) {
	t.mu.Lock()
	t.connected = false
	t.authenticated = false
	listeners := append([]xmpp.ConnectionListener(nil), t.listeners...)
	t.mu.Unlock()
	for _, l := range listeners {
		l.ConnectionClosedOnError(err)
	}
}

// push delivers a notification iq the way the read loop would.
func (t *fakeTransport) push(id string, n stanza.Notification) {
	t.onPacket(&stanza.IQ{ID: id, Type: stanza.IQSet, Payload: &n})
}

func (t *fakeTransport) sentResults() []*stanza.IQ {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*stanza.IQ
	for _, iq := range t.sent {
		if iq.Type == stanza.IQResult {
			out = append(out, iq)
		}
	}
	return out
}

func (t *fakeTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTransport) IsAuthenticated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && t.authenticated
}

func (t *fakeTransport) Providers() *stanza.Providers {
	return t.providers
}

func (t *fakeTransport) AddConnectionListener(l xmpp.ConnectionListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

type recordingSink struct {
	mu    sync.Mutex
	items []stanza.Notification
}

func (s *recordingSink) Notify(n stanza.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, n)
}

func (s *recordingSink) received() []stanza.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stanza.Notification(nil), s.items...)
}
