package xmpp

import "errors"

var (
	ErrHostRequired     = errors.New("xmpp: host required")
	ErrInvalidPort      = errors.New("xmpp: invalid port")
	ErrNotConnected     = errors.New("xmpp: not connected")
	ErrAlreadyConnected = errors.New("xmpp: already connected")
	ErrTLSUnavailable   = errors.New("xmpp: server does not offer starttls")
	ErrTLSRefused       = errors.New("xmpp: starttls refused")
	ErrStreamNegotiate  = errors.New("xmpp: stream negotiation failed")
	ErrStreamError      = errors.New("xmpp: stream error")
	ErrNotAuthorized    = errors.New("xmpp: not authorized")
	ErrLoginFailed      = errors.New("xmpp: login failed")
	ErrRequestTimeout   = errors.New("xmpp: request timed out")
	ErrCredentials      = errors.New("xmpp: username and password required")
)
