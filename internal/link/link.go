// Package link defines the narrow external collaborator interface the RDT
// engine sits on top of: single-peer frame send, a frame-receive upcall
// registration, and peer address bookkeeping. Radio bring-up itself is out
// of scope — this package only describes the boundary
// and ships a loopback test double.
package link

// Addr is a link-layer peer address (e.g. a 6-byte MAC on real hardware).
type Addr [6]byte

// IsZero reports whether addr is the reserved all-zero "no peer" value.
func (a Addr) IsZero() bool {
	return a == Addr{}
}

// Broadcast is the reserved link-layer address used by the pairing state
// machine before a peer has been established.
var Broadcast = Addr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// RecvFunc is invoked by a Port for every frame it receives, in an
// interrupt-like context: it must not block and must not itself call back
// into the port synchronously.
type RecvFunc func(src Addr, frame []byte)

// Port is the collaborator interface consumed by the RDT engine. A real
// implementation wraps a radio driver; Send is best-effort and
// non-blocking, matching the underlying link's lack of delivery guarantees.
type Port interface {
	Send(peer Addr, frame []byte) error
	RegisterRecv(fn RecvFunc)
	AddPeer(addr Addr) error
}
