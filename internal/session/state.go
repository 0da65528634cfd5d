package session

// State is the connection state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateChange is delivered to state listeners on every transition.
// Reconnect is set on a Connected transition that follows an earlier
// connection, i.e. when server-side state may have been lost.
type StateChange struct {
	From         State
	To           State
	ConnectionID string
	Reconnect    bool
}

type StateListener func(StateChange)

type ListenerID uint64

type listenerEntry struct {
	id ListenerID
	fn StateListener
}
