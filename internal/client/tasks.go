package client

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/pnclient/internal/dispatch"
	"github.com/danmuck/pnclient/internal/stanza"
	"github.com/danmuck/pnclient/internal/store"
	"github.com/danmuck/pnclient/internal/xmpp"
	"github.com/rs/zerolog/log"
)

// task is one lifecycle step. run reports whether the queue should advance;
// a task that returns false holds the queue until ReregisterAccount.
type task interface {
	name() string
	run(ctx context.Context) bool
}

func (m *Manager) submit(t task) {
	m.queue.Submit(func() { m.runTask(t) })
}

// runTask guarantees one Advance per task unless the task asks to hold the
// queue, including when it panics.
func (m *Manager) runTask(t task) {
	advance := true
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("task", t.name()).Msgf("client.Manager.runTask panic: %v", r)
			m.metrics.RecordTask(t.name(), "panic")
			advance = true
		}
		if advance {
			m.queue.Advance()
		}
	}()
	advance = t.run(m.ctx)
	if advance {
		m.metrics.RecordTask(t.name(), "advanced")
	} else {
		m.metrics.RecordTask(t.name(), "held")
	}
}

type connectTask struct{ m *Manager }

func (connectTask) name() string { return "connect" }

func (t connectTask) run(ctx context.Context) bool {
	m := t.m
	if conn := m.transport(); conn != nil && conn.IsConnected() {
		log.Debug().Msg("client.connectTask already connected")
		return true
	}
	m.setState(StateConnecting)
	m.bus.UnsubscribeAll()

	conn := m.cfg.NewTransport(m.cfg.XMPP, m.publish)
	conn.Providers().Register(stanza.NotificationElement, stanza.NotificationNamespace, stanza.NotificationProvider)
	if err := conn.Connect(ctx); err != nil {
		log.Warn().Err(err).Str("server", m.cfg.XMPP.Address()).Msg("client.connectTask connect failed")
		m.recordError(err)
		m.setState(StateDisconnected)
		return true
	}
	m.setTransport(conn)
	m.setState(StateRegistering)
	log.Info().Str("server", m.cfg.XMPP.Address()).Msg("client.connectTask connected")
	return true
}

type registerTask struct{ m *Manager }

func (registerTask) name() string { return "register" }

func (t registerTask) run(ctx context.Context) bool {
	m := t.m
	if _, ok := m.credentials(); ok {
		log.Debug().Msg("client.registerTask already registered")
		return true
	}
	conn := m.transport()
	if conn == nil || !conn.IsConnected() {
		log.Warn().Msg("client.registerTask not connected")
		return true
	}

	creds := store.NewCredentials()
	iq := stanza.NewRegistrationIQ(stanza.Registration{
		Username: creds.Username,
		Password: creds.Password,
		IMSI:     m.cfg.Device.IMSI,
		IMEI:     m.cfg.Device.IMEI,
	})
	responses := make(chan *stanza.IQ, 1)
	sub := m.bus.SubscribeOnce(
		dispatch.And(dispatch.MatchID(iq.ID), dispatch.MatchResponse()),
		func(resp *stanza.IQ) {
			select {
			case responses <- resp:
			default:
			}
		},
	)
	if err := conn.SendIQ(iq); err != nil {
		m.bus.Unsubscribe(sub)
		log.Warn().Err(err).Msg("client.registerTask send failed")
		m.recordError(err)
		return true
	}

	timer := time.NewTimer(m.cfg.XMPP.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-responses:
		if resp.Type == stanza.IQResult {
			if err := m.creds.Save(creds); err != nil {
				log.Error().Err(err).Msg("client.registerTask persist credentials failed")
			}
			m.setCredentials(creds)
			log.Info().Str("username", redact(creds.Username)).Msg("client.registerTask registered")
			return true
		}
		m.stalled.Store(true)
		m.setState(StateFailed)
		if resp.Error.IsConflict() {
			log.Warn().Str("id", resp.ID).Msg("client.registerTask account already exists; holding queue")
		} else {
			log.Error().Str("id", resp.ID).Str("error", errorText(resp.Error)).Msg("client.registerTask registration rejected; holding queue")
		}
		if resp.Error != nil {
			m.recordError(resp.Error)
		}
		return false
	case <-timer.C:
		m.bus.Unsubscribe(sub)
		log.Warn().Str("id", iq.ID).Msg("client.registerTask response timed out")
		m.recordError(xmpp.ErrRequestTimeout)
		return true
	case <-ctx.Done():
		m.bus.Unsubscribe(sub)
		return true
	}
}

type loginTask struct{ m *Manager }

func (loginTask) name() string { return "login" }

func (t loginTask) run(ctx context.Context) bool {
	m := t.m
	conn := m.transport()
	if conn != nil && conn.IsAuthenticated() {
		log.Debug().Msg("client.loginTask already authenticated")
		return true
	}
	if conn == nil || !conn.IsConnected() {
		log.Warn().Msg("client.loginTask not connected; scheduling reconnect")
		m.setState(StateDisconnected)
		m.startSupervisor()
		return true
	}
	creds, ok := m.credentials()
	if !ok {
		m.setState(StateFailed)
		if m.queue.Len() > 0 {
			log.Warn().Msg("client.loginTask no credentials; queued chain will retry")
			return true
		}
		log.Warn().Msg("client.loginTask no credentials; scheduling retry")
		m.startSupervisor()
		return true
	}

	m.setState(StateAuthenticating)
	err := conn.Login(ctx, creds.Username, creds.Password, m.cfg.Resource)
	switch {
	case err == nil:
		conn.AddConnectionListener(connectionListener{m})
		m.bus.Subscribe(dispatch.MatchNotification(), m.handleNotification)
		m.setState(StateConnected)
		m.supervisor.Reset()
		log.Info().Str("username", redact(creds.Username)).Msg("client.loginTask logged in")
		return true
	case errors.Is(err, xmpp.ErrNotAuthorized):
		log.Warn().Err(err).Msg("client.loginTask credentials rejected; re-registering")
		m.recordError(err)
		m.stalled.Store(true)
		m.reregister()
		return false
	default:
		log.Warn().Err(err).Msg("client.loginTask login failed; scheduling reconnect")
		m.recordError(err)
		if conn.IsConnected() {
			m.setState(StateFailed)
		} else {
			m.setState(StateDisconnected)
		}
		m.startSupervisor()
		return true
	}
}

type disconnectTask struct{ m *Manager }

func (disconnectTask) name() string { return "disconnect" }

func (t disconnectTask) run(context.Context) bool {
	m := t.m
	if conn := m.transport(); conn != nil && conn.IsConnected() {
		m.bus.UnsubscribeAll()
		if err := conn.Disconnect(); err != nil {
			log.Warn().Err(err).Msg("client.disconnectTask close failed")
		}
	}
	// a chain that ran ahead of this task may have scheduled a reconnect
	m.supervisor.Stop()
	m.setState(StateDisconnected)
	log.Info().Msg("client.disconnectTask disconnected")
	return true
}

func errorText(e *stanza.Error) string {
	if e == nil {
		return "error response without condition"
	}
	return e.Error()
}
