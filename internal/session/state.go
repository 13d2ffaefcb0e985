package session

// Role tells which side of the handshake a connection plays.
type Role int

const (
	Initiator Role = iota + 1
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return "unknown"
	}
}

// State is a connection's handshake state.
type State int32

const (
	StateInit         State = iota // nothing sent or received
	StateAwaitPeerKey              // initiator: AUTHENTICATION sent, waiting for the reply and final proof
	StateAwaitSync                 // responder: reply sent, waiting for the initiator's proof
	StateReady                     // secret confirmed, stream usable
	StateClosed                    // terminal
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateAwaitPeerKey:
		return "AWAIT_PEER_KEY"
	case StateAwaitSync:
		return "AWAIT_SYNC"
	case StateReady:
		return "READY"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
