package client

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistering
	StateAuthenticating
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the manager for operators.
type Status struct {
	State             string `json:"state"`
	Server            string `json:"server"`
	Connected         bool   `json:"connected"`
	Authenticated     bool   `json:"authenticated"`
	Registered        bool   `json:"registered"`
	Username          string `json:"username,omitempty"`
	PendingTasks      int    `json:"pending_tasks"`
	TaskRunning       bool   `json:"task_running"`
	Stalled           bool   `json:"stalled"`
	Subscriptions     int    `json:"subscriptions"`
	Reconnecting      bool   `json:"reconnecting"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	LastError         string `json:"last_error,omitempty"`
}
