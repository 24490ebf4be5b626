package link

// State is the connection lifecycle state. It is owned by the Link; other
// components observe it read-only through Status.
type State int

const (
	// StateIdle means no connection exists and none is wanted.
	StateIdle State = iota
	// StateConnecting means a connection attempt is in flight, or the
	// listening side is waiting for the peer to dial in.
	StateConnecting
	// StateOpen means a peer connection is established.
	StateOpen
	// StateClosed means the connection was lost or refused; a reconnect
	// may be pending.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the lifecycle for status reporting. Attempt is the
// reconnect attempt counter, zero on the first connect and after a
// successful open. Err carries the failure that produced a Closed state.
type Status struct {
	State   State
	Attempt int
	Err     error
}

// Mode selects which side of the rendezvous this process plays.
type Mode int

const (
	// ModeDial initiates outbound connections to the peer's port with
	// exponential backoff.
	ModeDial Mode = iota
	// ModeListen binds the local port and waits for the peer to dial.
	ModeListen
)

// String returns a human-readable mode name.
func (m Mode) String() string {
	switch m {
	case ModeDial:
		return "dial"
	case ModeListen:
		return "listen"
	default:
		return "unknown"
	}
}
