package node

// ConnState is the lifecycle stage of a Conn.
type ConnState uint8

const (
	StateOpen ConnState = iota
	// StateClosing: close was requested, the dispatcher tears the
	// connection down once the current callback returns.
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// DefaultMaxOutboundBytes caps the unsent bytes buffered for one connection.
const DefaultMaxOutboundBytes = 1 << 20

// DefaultMaxInboundBytes caps the payload a single Receive returns.
const DefaultMaxInboundBytes = 16 << 10

// readBatches is how many full payloads one connection may deliver per
// readiness event before the dispatcher moves on to other handles.
const readBatches = 16

// clientInterest is what every accepted connection is registered with.
const clientInterest = Readable | EdgeTriggered
