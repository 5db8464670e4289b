package link

import (
	"math/rand"
	"sync"
)

// SimLink is an in-process Port used by tests: two SimLinks can be paired
// with Connect so that Send on one invokes the registered RecvFunc on the
// other, optionally dropping frames to exercise RDT's retry/NACK paths.
type SimLink struct {
	mu       sync.Mutex
	self     Addr
	peer     *SimLink
	peerAddr Addr
	recv     RecvFunc
	peers    map[Addr]bool

	// DropFrame, when non-nil, is consulted before every delivered frame;
	// returning true drops it in flight (simulating link loss).
	DropFrame func(frame []byte) bool
}

// NewSimLink constructs an unconnected simulated link identified by self.
func NewSimLink(self Addr) *SimLink {
	return &SimLink{self: self, peers: make(map[Addr]bool)}
}

// Connect wires two SimLinks together bidirectionally.
func Connect(a, b *SimLink) {
	a.mu.Lock()
	a.peer = b
	a.peerAddr = b.self
	a.mu.Unlock()

	b.mu.Lock()
	b.peer = a
	b.peerAddr = a.self
	b.mu.Unlock()
}

func (s *SimLink) Send(peer Addr, frame []byte) error {
	s.mu.Lock()
	target := s.peer
	drop := s.DropFrame
	s.mu.Unlock()

	if target == nil {
		return nil
	}
	if peer != Broadcast && peer != s.peerAddr {
		return nil
	}
	if drop != nil && drop(frame) {
		return nil
	}

	cp := make([]byte, len(frame))
	copy(cp, frame)

	target.mu.Lock()
	fn := target.recv
	target.mu.Unlock()
	if fn != nil {
		fn(s.self, cp)
	}
	return nil
}

func (s *SimLink) RegisterRecv(fn RecvFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recv = fn
}

func (s *SimLink) AddPeer(addr Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[addr] = true
	return nil
}

// RandomDrop returns a DropFrame func that drops each frame independently
// with the given probability in [0, 1].
func RandomDrop(probability float64, rng *rand.Rand) func([]byte) bool {
	return func([]byte) bool {
		if rng == nil {
			return false
		}
		return rng.Float64() < probability
	}
}
