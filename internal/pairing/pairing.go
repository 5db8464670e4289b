// Package pairing implements the two-step mutual-confirmation pairing
// state machine: two devices exchange PAIRING_MAC/PAIRING_DONE
// broadcasts and either both persist each other's address, or neither does.
//
// Pairing messages are small, idempotent, and must be exchanged before
// either side has a known unicast peer, so this package talks directly to
// the link.Port rather than routing through the RDT engine's per-peer
// segmented transport (which requires a peer address to already be set).
package pairing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgemesh/rdt-gateway/internal/link"
	"github.com/edgemesh/rdt-gateway/internal/observability"
	"github.com/edgemesh/rdt-gateway/internal/rdt"
)

// Status is the pairing state machine's tri-state accessor.
type Status int

const (
	Unpaired Status = iota
	PairingActive
	Paired
)

func (s Status) String() string {
	switch s {
	case Unpaired:
		return "unpaired"
	case PairingActive:
		return "pairing_active"
	case Paired:
		return "paired"
	default:
		return "unknown"
	}
}

const (
	msgPairingMAC  uint8 = 1
	msgPairingDone uint8 = 2
)

const broadcastInterval = time.Second

// PairTimeout is the wall-clock bound on one pairing attempt.
const PairTimeout = 10 * time.Second

const systemFrameLen = 8 // message_type(1) + peer_addr(6) + channel(1)

func encodeSystemFrame(msgType uint8, addr link.Addr, channel uint8) []byte {
	frame := make([]byte, systemFrameLen)
	frame[0] = msgType
	copy(frame[1:7], addr[:])
	frame[7] = channel
	return frame
}

// decodeSystemFrame requires an exact length match against the fixed
// system-header size so pairing frames are never confused with the RDT
// engine's fixed-200-byte packets sharing the same link.
func decodeSystemFrame(frame []byte) (msgType uint8, addr link.Addr, channel uint8, ok bool) {
	if len(frame) != systemFrameLen {
		return 0, link.Addr{}, 0, false
	}
	msgType = frame[0]
	copy(addr[:], frame[1:7])
	channel = frame[7]
	return msgType, addr, channel, true
}

// Machine drives one pairing attempt at a time against a link.Port and an
// RDT Engine (whose peer it sets on successful finalize).
type Machine struct {
	port    link.Port
	engine  *rdt.Engine
	persist Persistence
	self    link.Addr
	channel uint8
	log     zerolog.Logger

	mu        sync.Mutex
	status    Status
	candidate link.Addr
	confirmed bool
}

// New constructs a Machine. self is this device's own link address, sent in
// every PAIRING_MAC/PAIRING_DONE broadcast; channel is the RDT channel
// index written into the channel byte of those frames (normally System, 0).
func New(port link.Port, engine *rdt.Engine, persist Persistence, self link.Addr, channel uint8, logger zerolog.Logger) *Machine {
	return &Machine{
		port:    port,
		engine:  engine,
		persist: persist,
		self:    self,
		channel: channel,
		log:     logger.With().Str("component", "pairing").Logger(),
		status:  Unpaired,
	}
}

// Status returns the machine's current state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Start runs one pairing attempt to completion (finalize, revert, or
// cancellation via ctx) and returns the terminal status. It must not be
// called concurrently with another Start on the same Machine.
func (m *Machine) Start(ctx context.Context) Status {
	m.mu.Lock()
	if m.status == PairingActive {
		m.mu.Unlock()
		return PairingActive
	}
	m.status = PairingActive
	m.candidate = link.Addr{}
	m.confirmed = false
	m.mu.Unlock()
	observability.RecordPairingTransition(PairingActive.String())

	m.clearPersistedPeer()

	frames := make(chan []byte, 8)
	unregister := m.hookRecv(frames)
	defer unregister()

	deadline := time.NewTimer(PairTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	m.broadcastMAC()

	for {
		select {
		case <-ctx.Done():
			m.revert()
			return Unpaired
		case <-deadline.C:
			m.log.Info().Msg("pairing timed out without confirmation")
			m.revert()
			return Unpaired
		case <-ticker.C:
			m.broadcastMAC()
		case frame := <-frames:
			if done := m.handleFrame(frame); done {
				return Paired
			}
		}
	}
}

func (m *Machine) hookRecv(frames chan<- []byte) func() {
	// The pairing frame stream shares the link's single receive callback
	// slot with the RDT engine, so it filters by decoding first and
	// re-registers the engine's own handler on unregister.
	m.port.RegisterRecv(func(src link.Addr, frame []byte) {
		if _, _, _, ok := decodeSystemFrame(frame); ok {
			select {
			case frames <- frame:
			default:
			}
			return
		}
		m.engine.DeliverRaw(src, frame)
	})
	return func() {
		m.port.RegisterRecv(m.engine.DeliverRaw)
	}
}

func (m *Machine) broadcastMAC() {
	frame := encodeSystemFrame(msgPairingMAC, m.self, m.channel)
	if err := m.port.Send(link.Broadcast, frame); err != nil {
		m.log.Debug().Err(err).Msg("pairing broadcast failed")
	}
}

func (m *Machine) handleFrame(frame []byte) (finalized bool) {
	msgType, addr, _, ok := decodeSystemFrame(frame)
	if !ok || addr.IsZero() {
		return false
	}

	switch msgType {
	case msgPairingMAC:
		m.mu.Lock()
		if m.candidate.IsZero() {
			m.candidate = addr
		} else if m.candidate != addr {
			m.log.Warn().Msg("ignoring second pairing candidate (first-wins)")
		}
		m.mu.Unlock()
		reply := encodeSystemFrame(msgPairingDone, m.self, m.channel)
		if err := m.port.Send(link.Broadcast, reply); err != nil {
			m.log.Debug().Err(err).Msg("pairing reply failed")
		}
		return false

	case msgPairingDone:
		m.mu.Lock()
		if m.candidate.IsZero() {
			m.candidate = addr
		} else if m.candidate != addr {
			m.log.Warn().Msg("ignoring pairing confirmation from unexpected candidate")
			m.mu.Unlock()
			return false
		}
		m.confirmed = true
		candidate := m.candidate
		m.mu.Unlock()
		// Answer with our own PAIRING_DONE before finalizing: the peer may
		// never have seen our PAIRING_MAC, and without a DONE from us it
		// could not confirm and would revert alone.
		reply := encodeSystemFrame(msgPairingDone, m.self, m.channel)
		if err := m.port.Send(link.Broadcast, reply); err != nil {
			m.log.Debug().Err(err).Msg("pairing confirmation reply failed")
		}
		return m.finalize(candidate)

	default:
		return false
	}
}

func (m *Machine) finalize(peer link.Addr) bool {
	if err := m.persist.SetPeer(peer); err != nil {
		m.log.Error().Err(err).Msg("failed to stage peer identity, reverting")
		m.revert()
		return false
	}
	if err := m.persist.Commit(); err != nil {
		m.log.Error().Err(err).Msg("failed to commit peer identity, reverting")
		m.revert()
		return false
	}
	if err := m.port.AddPeer(peer); err != nil {
		m.log.Warn().Err(err).Msg("link rejected new peer address")
	}
	m.engine.SetPeer(peer)

	m.mu.Lock()
	m.status = Paired
	m.mu.Unlock()
	observability.RecordPairingTransition(Paired.String())
	m.log.Info().Str("peer", hexAddr(peer)).Msg("pairing finalized")
	return true
}

func (m *Machine) revert() {
	m.clearPersistedPeer()
	m.mu.Lock()
	m.status = Unpaired
	m.candidate = link.Addr{}
	m.confirmed = false
	m.mu.Unlock()
	observability.RecordPairingTransition(Unpaired.String())
}

// clearPersistedPeer wipes any previously stored peer identity. It is
// called both at the start of a new pairing attempt (so a stale identity
// can never survive a re-pair that doesn't reach finalize) and on revert.
func (m *Machine) clearPersistedPeer() {
	if err := m.persist.SetPeer(link.Addr{}); err != nil {
		m.log.Error().Err(err).Msg("failed to clear staged peer identity")
	}
	if err := m.persist.Commit(); err != nil {
		m.log.Error().Err(err).Msg("failed to commit cleared peer identity")
	}
}

func hexAddr(a link.Addr) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 0, len(a)*2)
	for _, b := range a {
		buf = append(buf, hexDigits[b>>4], hexDigits[b&0x0F])
	}
	return string(buf)
}
