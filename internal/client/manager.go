// Package client keeps a device connected to the push server.
//
// Ownership boundary:
// - Manager owns the lifecycle chain (connect, register, login) and runs it
// on a single-flight task queue.
// - Recovery is internal: credential rejection re-registers, transport
// failures hand off to the Supervisor. Callers only see notifications.
package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/danmuck/pnclient/internal/dispatch"
	"github.com/danmuck/pnclient/internal/observability"
	"github.com/danmuck/pnclient/internal/stanza"
	"github.com/danmuck/pnclient/internal/store"
	"github.com/danmuck/pnclient/internal/taskqueue"
	"github.com/danmuck/pnclient/internal/xmpp"
	"github.com/rs/zerolog/log"
)

const (
	DefaultResource = "AndroidpnClient"
	DefaultIMSI     = "460000001232300"
	DefaultIMEI     = "324234343434434"
	DefaultWorkers  = 1
	DefaultBacklog  = 64
)

var (
	ErrStoreRequired = errors.New("client: key-value store required")
	ErrSinkRequired  = errors.New("client: notification sink required")
)

// Transport is the connection a Manager drives. *xmpp.Conn satisfies it.
type Transport interface {
	Connect(ctx context.Context) error
	Login(ctx context.Context, username, password, resource string) error
	SendIQ(iq *stanza.IQ) error
	Disconnect() error
	IsConnected() bool
	IsAuthenticated() bool
	Providers() *stanza.Providers
	AddConnectionListener(l xmpp.ConnectionListener)
}

// TransportFactory builds a fresh, unconnected Transport that reports every
// inbound iq to onPacket.
type TransportFactory func(cfg xmpp.Config, onPacket xmpp.PacketHandler) Transport

func DialXMPP(cfg xmpp.Config, onPacket xmpp.PacketHandler) Transport {
	return xmpp.New(cfg, onPacket)
}

// NotificationSink receives every parsed notification.
type NotificationSink interface {
	Notify(n stanza.Notification)
}

type SinkFunc func(n stanza.Notification)

func (f SinkFunc) Notify(n stanza.Notification) { f(n) }

// Device identifiers sent with registration.
type Device struct {
	IMSI string
	IMEI string
}

type Config struct {
	XMPP         xmpp.Config
	Resource     string
	Device       Device
	Backoff      BackoffConfig
	Workers      int
	Backlog      int
	NewTransport TransportFactory
	Metrics      *observability.ClientMetrics
}

func (c Config) WithDefaults() Config {
	c.XMPP = c.XMPP.WithDefaults()
	if strings.TrimSpace(c.Resource) == "" {
		c.Resource = DefaultResource
	}
	if c.Device.IMSI == "" {
		c.Device.IMSI = DefaultIMSI
	}
	if c.Device.IMEI == "" {
		c.Device.IMEI = DefaultIMEI
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = DefaultBackoffConfig()
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Backlog <= 0 {
		c.Backlog = DefaultBacklog
	}
	if c.NewTransport == nil {
		c.NewTransport = DialXMPP
	}
	if c.Metrics == nil {
		c.Metrics = observability.NewClientMetrics(nil)
	}
	return c
}

// Manager sequences the connection lifecycle. The public operations only
// enqueue work and never report errors; progress is visible through State
// and Status.
type Manager struct {
	cfg     Config
	creds   *store.CredentialStore
	sink    NotificationSink
	metrics *observability.ClientMetrics

	pool       *taskqueue.WorkerPool
	queue      *taskqueue.Queue
	bus        *dispatch.Bus[*stanza.IQ]
	supervisor *Supervisor

	ctx    context.Context
	cancel context.CancelFunc

	// conn and cached are written only by the running task.
	mu      sync.RWMutex
	conn    Transport
	cached  store.Credentials
	state   State
	lastErr string

	// stalled marks a task that returned without advancing.
	stalled atomic.Bool
	closed  atomic.Bool
	// parked is set by Disconnect and cleared by Connect and
	// ReregisterAccount. While set, nothing reconnects on its own.
	parked atomic.Bool
}

// NewManager builds a Manager. A host or port stored in kv overrides the
// configured one.
func NewManager(cfg Config, kv store.KV, sink NotificationSink) (*Manager, error) {
	if kv == nil {
		return nil, ErrStoreRequired
	}
	if sink == nil {
		return nil, ErrSinkRequired
	}
	if host, ok := kv.Get(store.KeyHost); ok && strings.TrimSpace(host) != "" {
		cfg.XMPP.Host = host
	}
	if port, ok := store.GetInt(kv, store.KeyPort); ok {
		cfg.XMPP.Port = port
	}
	cfg = cfg.WithDefaults()
	if err := cfg.XMPP.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Backoff.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		creds:   store.NewCredentialStore(kv),
		sink:    sink,
		metrics: cfg.Metrics,
		pool:    taskqueue.NewWorkerPool(cfg.Workers, cfg.Backlog),
		bus:     dispatch.NewBus[*stanza.IQ](),
		ctx:     ctx,
		cancel:  cancel,
	}
	m.queue = taskqueue.New(m.pool, cfg.Metrics.PendingTasks)
	m.supervisor = NewSupervisor(cfg.Backoff, m.resumeChain, cfg.Metrics.ReconnectAttempts)
	if creds, ok := m.creds.Load(); ok {
		m.cached = creds
	}
	m.setState(StateDisconnected)
	return m, nil
}

// Connect enqueues the connect, register and login tasks.
func (m *Manager) Connect() {
	log.Info().Str("server", m.cfg.XMPP.Address()).Msg("client.Manager.Connect")
	m.parked.Store(false)
	m.submitChain()
}

// Disconnect cancels any scheduled reconnect and enqueues a disconnect.
// Failures of chains still queued ahead of it do not schedule new
// reconnects until Connect or ReregisterAccount is called.
func (m *Manager) Disconnect() {
	log.Info().Msg("client.Manager.Disconnect")
	m.parked.Store(true)
	m.supervisor.Stop()
	m.submit(disconnectTask{m})
}

// ReregisterAccount forgets the current account and runs the whole chain
// again. If a task is holding the queue without advancing, its slot is
// released so the new chain can run.
func (m *Manager) ReregisterAccount() {
	log.Info().Msg("client.Manager.ReregisterAccount")
	m.parked.Store(false)
	m.reregister()
}

// reregister is the recovery path shared with loginTask. It does not lift a
// pending Disconnect.
func (m *Manager) reregister() {
	m.setCredentials(store.Credentials{})
	if err := m.creds.Clear(); err != nil {
		log.Error().Err(err).Msg("client.Manager.reregister clear credentials failed")
	}
	m.resumeChain()
	if m.stalled.CompareAndSwap(true, false) {
		m.queue.Advance()
	}
}

// Close stops reconnecting, disconnects and stops the workers. If the
// disconnect task cannot run before ctx ends the transport is closed
// directly.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.supervisor.Stop()

	done := make(chan struct{})
	m.queue.Submit(func() {
		defer close(done)
		m.runTask(disconnectTask{m})
	})

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		log.Warn().Err(err).Msg("client.Manager.Close queue busy; closing transport directly")
		m.cancel()
		if conn := m.transport(); conn != nil {
			_ = conn.Disconnect()
		}
		m.setState(StateDisconnected)
	}
	m.cancel()
	m.pool.Stop()
	return err
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	st := Status{
		State:     m.state.String(),
		Server:    m.cfg.XMPP.Address(),
		LastError: m.lastErr,
	}
	conn := m.conn
	cached := m.cached
	m.mu.RUnlock()

	if conn != nil {
		st.Connected = conn.IsConnected()
		st.Authenticated = conn.IsAuthenticated()
	}
	if cached.Empty() {
		cached, _ = m.creds.Load()
	}
	st.Registered = !cached.Empty()
	st.Username = cached.Username
	st.PendingTasks = m.queue.Len()
	st.TaskRunning = m.queue.Running()
	st.Stalled = m.stalled.Load()
	st.Subscriptions = m.bus.Len()
	st.Reconnecting = m.supervisor.Running()
	st.ReconnectAttempts = m.supervisor.Attempts()
	return st
}

func (m *Manager) submitChain() {
	if m.closed.Load() {
		log.Debug().Msg("client.Manager closed; chain not submitted")
		return
	}
	m.submit(connectTask{m})
	m.submit(registerTask{m})
	m.submit(loginTask{m})
}

// resumeChain is the automatic resubmit path; it yields to Disconnect.
func (m *Manager) resumeChain() {
	if m.parked.Load() {
		log.Debug().Msg("client.Manager disconnect requested; chain not resumed")
		return
	}
	m.submitChain()
}

func (m *Manager) startSupervisor() {
	if m.closed.Load() || m.parked.Load() {
		return
	}
	m.supervisor.Start()
}

func (m *Manager) transport() Transport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

func (m *Manager) setTransport(conn Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn = conn
}

// credentials returns the cached account, falling back to the store.
func (m *Manager) credentials() (store.Credentials, bool) {
	m.mu.RLock()
	cached := m.cached
	m.mu.RUnlock()
	if !cached.Empty() {
		return cached, true
	}
	creds, ok := m.creds.Load()
	if ok {
		m.setCredentials(creds)
	}
	return creds, ok
}

func (m *Manager) setCredentials(c store.Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = c
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.metrics.State.Set(float64(s))
}

func (m *Manager) recordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = err.Error()
}

// publish feeds the dispatcher from the transport's read goroutine.
func (m *Manager) publish(iq *stanza.IQ) {
	m.bus.Publish(iq)
}

func (m *Manager) handleNotification(iq *stanza.IQ) {
	n, ok := iq.Payload.(*stanza.Notification)
	if !ok {
		return
	}
	log.Info().Str("id", n.ID).Str("title", n.Title).Msg("client.Manager notification received")
	if conn := m.transport(); conn != nil {
		if err := conn.SendIQ(stanza.NewResultIQ(iq)); err != nil {
			m.metrics.AckFailures.Inc()
			log.Warn().Err(err).Str("id", iq.ID).Msg("client.Manager notification ack failed")
		}
	}
	m.metrics.Notifications.Inc()
	m.sink.Notify(*n)
}

// connectionListener restarts the lifecycle when an authenticated session
// drops unexpectedly.
type connectionListener struct {
	m *Manager
}

func (l connectionListener) ConnectionClosed() {
	log.Info().Msg("client.Manager connection closed")
}

func (l connectionListener) ConnectionClosedOnError(err error) {
	log.Warn().Err(err).Msg("client.Manager connection lost")
	l.m.recordError(err)
	l.m.setState(StateDisconnected)
	l.m.startSupervisor()
}

func redact(token string) string {
	if len(token) <= 6 {
		return "***"
	}
	return token[:6] + "***"
}
