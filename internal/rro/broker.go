// Package rro implements the request/response orchestration layer: it
// turns the RDT engine's one-way block delivery into blocking
// request/response calls with single-flight enforcement per channel,
// response correlation, and bounded timeout.
package rro

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgemesh/rdt-gateway/internal/observability"
	"github.com/edgemesh/rdt-gateway/internal/rdt"
)

// Outcome enumerates the broker's distinct result classes. MutexUnavailable
// and AnotherInProgress are both forms of "someone else holds the channel,"
// kept distinct because they name different failures: MutexUnavailable is a
// bounded wait that never got the slot, AnotherInProgress is the defensive
// check that fires immediately after acquiring it.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTimeout
	OutcomeMutexUnavailable
	OutcomeAnotherInProgress
	OutcomeSendFailed
	OutcomeNotInitialized
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeMutexUnavailable:
		return "mutex_unavailable"
	case OutcomeAnotherInProgress:
		return "another_in_progress"
	case OutcomeSendFailed:
		return "send_failed"
	case OutcomeNotInitialized:
		return "not_initialized"
	default:
		return "unknown"
	}
}

// Result is the outcome of one RequestBlocking call.
type Result struct {
	Outcome      Outcome
	BytesWritten int
	ReturnCode   uint8
}

// slot is the single in-flight request bookkeeping for one channel. sem is
// a one-token semaphore: acquiring it is a bounded wait (mirroring
// xSemaphoreTake against a timeout), and mu/busy/key/done are the request
// bookkeeping guarded once the token is held.
type slot struct {
	sem chan struct{}

	mu   sync.Mutex
	busy bool
	key  uint32
	done chan response
}

type response struct {
	payload    []byte
	returnCode uint8
}

// Broker enforces single-flight request/response per RDT channel.
type Broker struct {
	engine *rdt.Engine
	slots  [rdt.MaxChannels]*slot

	fileReqID atomic.Uint32
}

// NewBroker constructs a Broker bound to engine. engine may be nil only in
// tests that exercise NotInitialized behavior.
func NewBroker(engine *rdt.Engine) *Broker {
	b := &Broker{engine: engine}
	for i := range b.slots {
		b.slots[i] = &slot{sem: make(chan struct{}, 1)}
		b.slots[i].sem <- struct{}{}
	}
	b.fileReqID.Store(0)
	return b
}

// NextFileRequestID returns the next monotonically increasing 16-bit file
// request id, wrapping to 1 and never returning 0.
func (b *Broker) NextFileRequestID() uint16 {
	for {
		v := b.fileReqID.Add(1)
		id := uint16(v)
		if id != 0 {
			return id
		}
		// v wrapped exactly onto a multiple of 65536; skip 0 and continue.
	}
}

// RequestBlocking sends payload on channel, correlated by key (a
// message_type for the parameter protocol, a request_id for the file
// protocol), and blocks until a matching response arrives via Complete,
// the timeout elapses, or the send itself fails. respBuf receives the
// response payload, truncated to its capacity.
func (b *Broker) RequestBlocking(channel uint8, key uint32, payload []byte, respBuf []byte, timeout time.Duration) (result Result, err error) {
	if b.engine == nil {
		return Result{Outcome: OutcomeNotInitialized}, nil
	}
	if err := rdt.ValidateChannel(channel); err != nil {
		return Result{}, err
	}
	defer func() { observability.RecordBrokerRequest(channel, result.Outcome.String()) }()

	s := b.slots[channel]

	// A quarter of the caller's overall timeout is set aside to wait for the
	// channel's slot to free before giving up, rather than rejecting a
	// second caller on an instantaneous check.
	acquireBudget := timeout / 4
	select {
	case <-s.sem:
	case <-time.After(acquireBudget):
		return Result{Outcome: OutcomeMutexUnavailable}, nil
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		s.sem <- struct{}{}
		return Result{Outcome: OutcomeAnotherInProgress}, nil
	}
	s.busy = true
	s.key = key
	done := make(chan response, 1)
	s.done = done
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		s.busy = false
		s.done = nil
		s.mu.Unlock()
		s.sem <- struct{}{}
	}

	if err := b.engine.Submit(channel, payload, timeout); err != nil {
		release()
		return Result{Outcome: OutcomeSendFailed}, nil
	}

	select {
	case r := <-done:
		release()
		n := copy(respBuf, r.payload)
		return Result{Outcome: OutcomeOK, BytesWritten: n, ReturnCode: r.returnCode}, nil
	case <-time.After(timeout):
		release()
		return Result{Outcome: OutcomeTimeout}, nil
	}
}

// Complete delivers a correlated response to whichever RequestBlocking call
// is currently outstanding on channel with the matching key. If no request
// is outstanding, or the key does not match (a late response against a
// freed correlation slot), the response is silently dropped.
func (b *Broker) Complete(channel uint8, key uint32, payload []byte, returnCode uint8) {
	if int(channel) >= len(b.slots) {
		return
	}
	s := b.slots[channel]
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.busy || s.key != key || s.done == nil {
		return
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	select {
	case s.done <- response{payload: cp, returnCode: returnCode}:
	default:
	}
}
