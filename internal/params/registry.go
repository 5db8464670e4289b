// Package params implements the parameter registry: a message_type keyed
// table of read/write producer callbacks, request dispatch on inbound
// GET/SET frames, and RESP correlation into the request broker.
package params

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgemesh/rdt-gateway/internal/rdt"
	"github.com/edgemesh/rdt-gateway/internal/rro"
)

// Op is the parameter frame's operation code.
type Op uint8

const (
	OpGet  Op = 0
	OpSet  Op = 1
	OpResp Op = 2
)

// Return codes
const (
	CodeOK          uint8 = 0
	CodeUnknownType uint8 = 1
	CodeNoReader    uint8 = 2
	CodeNoWriter    uint8 = 3
)

// MaxPayload bounds the data portion of a parameter frame.
const MaxPayload = 8 * 1024

const headerLen = 3 // message_type, op, return_code

// ReadFunc fills buf with the current value of a parameter, returning the
// number of bytes written and a return code (0 == ok).
type ReadFunc func(buf []byte) (int, uint8)

// WriteFunc accepts the bytes of a SET request, returning a return code.
type WriteFunc func(data []byte) uint8

type descriptor struct {
	read  ReadFunc
	write WriteFunc
}

// Registry maps message_type to producer callbacks and drives GET/SET/RESP
// dispatch over one RDT channel.
type Registry struct {
	engine  *rdt.Engine
	broker  *rro.Broker
	channel uint8
	log     zerolog.Logger

	mu    sync.RWMutex
	descs map[uint8]descriptor
}

// New constructs a Registry that dispatches inbound frames delivered on
// channel and replies through engine, correlating outbound requests through
// broker.
func New(engine *rdt.Engine, broker *rro.Broker, channel uint8, logger zerolog.Logger) *Registry {
	return &Registry{
		engine:  engine,
		broker:  broker,
		channel: channel,
		log:     logger.With().Str("component", "params").Logger(),
		descs:   make(map[uint8]descriptor),
	}
}

// Register installs a descriptor for messageType. Either read or write may
// be nil to model a write-only or read-only parameter.
func (r *Registry) Register(messageType uint8, read ReadFunc, write WriteFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descs[messageType] = descriptor{read: read, write: write}
}

func encodeHeader(messageType uint8, op Op, code uint8, data []byte) []byte {
	frame := make([]byte, headerLen+len(data))
	frame[0] = messageType
	frame[1] = uint8(op)
	frame[2] = code
	copy(frame[3:], data)
	return frame
}

func decodeHeader(frame []byte) (messageType uint8, op Op, code uint8, data []byte, ok bool) {
	if len(frame) < headerLen {
		return 0, 0, 0, nil, false
	}
	return frame[0], Op(frame[1]), frame[2], frame[3:], true
}

// Run drains delivered blocks on the registry's channel until ctx is
// cancelled: GET/SET frames are dispatched to producer callbacks and
// answered with a RESP frame; RESP frames are handed to the broker.
func (r *Registry) Run(ctx context.Context) {
	sig, unsub, err := r.engine.Subscribe(r.channel)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to subscribe to parameter channel")
		return
	}
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			r.drain()
		case <-time.After(50 * time.Millisecond):
			r.drain()
		}
	}
}

func (r *Registry) drain() {
	for {
		block, ok, err := r.engine.Receive(r.channel)
		if err != nil || !ok {
			return
		}
		r.handle(block)
	}
}

func (r *Registry) handle(block []byte) {
	messageType, op, code, data, ok := decodeHeader(block)
	if !ok {
		r.log.Debug().Msg("dropping short parameter frame")
		return
	}

	if op == OpResp {
		r.broker.Complete(r.channel, uint32(messageType), data, code)
		return
	}

	r.mu.RLock()
	d, found := r.descs[messageType]
	r.mu.RUnlock()

	switch op {
	case OpGet:
		if !found {
			r.reply(messageType, CodeUnknownType, nil)
			return
		}
		if d.read == nil {
			r.reply(messageType, CodeNoReader, nil)
			return
		}
		buf := make([]byte, MaxPayload)
		n, rc := d.read(buf)
		r.reply(messageType, rc, buf[:n])
	case OpSet:
		if !found {
			r.reply(messageType, CodeUnknownType, nil)
			return
		}
		if d.write == nil {
			r.reply(messageType, CodeNoWriter, nil)
			return
		}
		rc := d.write(data)
		r.reply(messageType, rc, nil)
	default:
		r.log.Debug().Uint8("op", uint8(op)).Msg("dropping unknown parameter op")
	}
}

func (r *Registry) reply(messageType uint8, code uint8, data []byte) {
	frame := encodeHeader(messageType, OpResp, code, data)
	if err := r.engine.Submit(r.channel, frame, 200*time.Millisecond); err != nil {
		r.log.Debug().Err(err).Uint8("message_type", messageType).Msg("failed to submit parameter response")
	}
}

// Get issues a blocking GET for messageType and copies the response into
// buf, truncated to its capacity.
func (r *Registry) Get(messageType uint8, buf []byte, timeout time.Duration) (rro.Result, error) {
	req := encodeHeader(messageType, OpGet, 0, nil)
	return r.broker.RequestBlocking(r.channel, uint32(messageType), req, buf, timeout)
}

// Set issues a blocking SET for messageType with the given value.
func (r *Registry) Set(messageType uint8, value []byte, timeout time.Duration) (rro.Result, error) {
	req := encodeHeader(messageType, OpSet, 0, value)
	return r.broker.RequestBlocking(r.channel, uint32(messageType), req, nil, timeout)
}
