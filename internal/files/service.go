// Package files implements the file service: LIST/READ/WRITE command
// dispatch over a producer-backed Store, correlated by a wrapping 16-bit
// request_id.
package files

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgemesh/rdt-gateway/internal/rdt"
	"github.com/edgemesh/rdt-gateway/internal/rro"
)

// Command codes
const (
	CmdList     uint8 = 1
	CmdListResp uint8 = 2
	CmdRead     uint8 = 3
	CmdReadResp uint8 = 4
	CmdWrite    uint8 = 5
	CmdWriteResp uint8 = 6
)

// Return codes
const (
	CodeOK          uint8 = 0
	CodeUnknownCmd  uint8 = 1
	CodeNotFound    uint8 = 2
	CodeIOError     uint8 = 3
	CodeOversized   uint8 = 4
	CodeInternal    uint8 = 5
)

// AppendOffset is the sentinel write offset meaning "append".
const AppendOffset uint32 = 0xFFFFFFFF

// MaxPathLen is the largest path accepted in a file frame (path_length is a
// single byte).
const MaxPathLen = 255

// MaxDataLen bounds the data portion of one file frame, matching the file
// channel's configured block size.
const MaxDataLen = 4096

const headerLen = 16 // command,return_code,request_id(2),offset(4),data_length(4),path_length,reserved(3)

type header struct {
	command    uint8
	returnCode uint8
	requestID  uint16
	offset     uint32
	dataLength uint32
	pathLength uint8
}

func encodeFrame(h header, path string, data []byte) []byte {
	frame := make([]byte, headerLen+len(path)+len(data))
	frame[0] = h.command
	frame[1] = h.returnCode
	binary.LittleEndian.PutUint16(frame[2:4], h.requestID)
	binary.LittleEndian.PutUint32(frame[4:8], h.offset)
	binary.LittleEndian.PutUint32(frame[8:12], h.dataLength)
	frame[12] = h.pathLength
	copy(frame[16:], path)
	copy(frame[16+len(path):], data)
	return frame
}

func decodeFrame(frame []byte) (h header, path string, data []byte, ok bool) {
	if len(frame) < headerLen {
		return header{}, "", nil, false
	}
	h.command = frame[0]
	h.returnCode = frame[1]
	h.requestID = binary.LittleEndian.Uint16(frame[2:4])
	h.offset = binary.LittleEndian.Uint32(frame[4:8])
	h.dataLength = binary.LittleEndian.Uint32(frame[8:12])
	h.pathLength = frame[12]

	rest := frame[headerLen:]
	if int(h.pathLength) > len(rest) {
		return header{}, "", nil, false
	}
	path = string(rest[:h.pathLength])
	rest = rest[h.pathLength:]

	n := h.dataLength
	if uint32(len(rest)) < n {
		n = uint32(len(rest))
	}
	data = rest[:n]
	return h, path, data, true
}

// Service dispatches inbound LIST/READ/WRITE frames against a Store and
// answers on the same channel; it also offers blocking client-side List,
// Read, and Write calls correlated through the broker.
type Service struct {
	engine  *rdt.Engine
	broker  *rro.Broker
	channel uint8
	store   Store
	log     zerolog.Logger
}

// New constructs a Service bound to store, dispatching on channel.
func New(engine *rdt.Engine, broker *rro.Broker, channel uint8, store Store, logger zerolog.Logger) *Service {
	return &Service{
		engine:  engine,
		broker:  broker,
		channel: channel,
		store:   store,
		log:     logger.With().Str("component", "files").Logger(),
	}
}

// Run drains delivered blocks on the service's channel until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) {
	sig, unsub, err := s.engine.Subscribe(s.channel)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to subscribe to file channel")
		return
	}
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			s.drain()
		case <-time.After(50 * time.Millisecond):
			s.drain()
		}
	}
}

func (s *Service) drain() {
	for {
		block, ok, err := s.engine.Receive(s.channel)
		if err != nil || !ok {
			return
		}
		s.handle(block)
	}
}

func (s *Service) handle(block []byte) {
	h, path, data, ok := decodeFrame(block)
	if !ok {
		s.log.Debug().Msg("dropping short file frame")
		return
	}

	switch h.command {
	case CmdListResp, CmdReadResp, CmdWriteResp:
		s.broker.Complete(s.channel, uint32(h.requestID), append(append([]byte{}, path...), data...), h.returnCode)
		return
	}

	if h.pathLength > MaxPathLen || h.dataLength > MaxDataLen {
		s.reply(CmdWriteResp, h.requestID, CodeOversized, "", nil)
		return
	}

	switch h.command {
	case CmdList:
		entries, err := s.store.List(path)
		if err != nil {
			s.reply(CmdListResp, h.requestID, storeErrorCode(err), "", nil)
			return
		}
		listing := joinLines(entries)
		s.reply(CmdListResp, h.requestID, CodeOK, "", listing)

	case CmdRead:
		out, err := s.store.ReadAt(path, h.offset, h.dataLength)
		if err != nil {
			s.reply(CmdReadResp, h.requestID, storeErrorCode(err), "", nil)
			return
		}
		s.reply(CmdReadResp, h.requestID, CodeOK, "", out)

	case CmdWrite:
		appendMode := h.offset == AppendOffset
		if err := s.store.WriteAt(path, h.offset, data, appendMode); err != nil {
			s.reply(CmdWriteResp, h.requestID, storeErrorCode(err), "", nil)
			return
		}
		s.reply(CmdWriteResp, h.requestID, CodeOK, "", nil)

	default:
		s.reply(CmdWriteResp, h.requestID, CodeUnknownCmd, "", nil)
	}
}

func storeErrorCode(err error) uint8 {
	switch {
	case os.IsNotExist(err):
		return CodeNotFound
	case errors.Is(err, ErrEscapesRoot):
		// A path traversal attempt is a request that should never have
		// reached the store, not a transient disk failure.
		return CodeInternal
	default:
		return CodeIOError
	}
}

func joinLines(entries []string) []byte {
	out := make([]byte, 0, 64*len(entries))
	for i, e := range entries {
		if i > 0 {
			out = append(out, '\n')
		}
		out = append(out, e...)
	}
	return out
}

func (s *Service) reply(command uint8, requestID uint16, code uint8, path string, data []byte) {
	frame := encodeFrame(header{
		command:    command,
		returnCode: code,
		requestID:  requestID,
		dataLength: uint32(len(data)),
		pathLength: uint8(len(path)),
	}, path, data)
	if err := s.engine.Submit(s.channel, frame, 500*time.Millisecond); err != nil {
		s.log.Debug().Err(err).Uint16("request_id", requestID).Msg("failed to submit file response")
	}
}

// List issues a blocking LIST for dir and returns its newline-joined
// entries. res.Outcome must be checked by the caller before trusting
// entries or res.ReturnCode: a Timeout/Busy/SendFailed outcome carries no
// application-level result.
func (s *Service) List(dir string, timeout time.Duration) (entries []string, res rro.Result, err error) {
	id := s.broker.NextFileRequestID()
	req := encodeFrame(header{command: CmdList, requestID: id, pathLength: uint8(len(dir))}, dir, nil)
	buf := make([]byte, MaxDataLen)
	res, err = s.broker.RequestBlocking(s.channel, uint32(id), req, buf, timeout)
	if err != nil || res.Outcome != rro.OutcomeOK {
		return nil, res, err
	}
	return splitLines(buf[:res.BytesWritten]), res, nil
}

// Read issues a blocking READ for path at offset.
func (s *Service) Read(path string, offset uint32, length uint32, timeout time.Duration) (data []byte, res rro.Result, err error) {
	id := s.broker.NextFileRequestID()
	req := encodeFrame(header{
		command:    CmdRead,
		requestID:  id,
		offset:     offset,
		dataLength: length,
		pathLength: uint8(len(path)),
	}, path, nil)
	buf := make([]byte, length)
	res, err = s.broker.RequestBlocking(s.channel, uint32(id), req, buf, timeout)
	if err != nil || res.Outcome != rro.OutcomeOK {
		return nil, res, err
	}
	return buf[:res.BytesWritten], res, nil
}

// Write issues a blocking WRITE of data to path at offset (or appends when
// offset is AppendOffset).
func (s *Service) Write(path string, offset uint32, data []byte, timeout time.Duration) (rro.Result, error) {
	id := s.broker.NextFileRequestID()
	req := encodeFrame(header{
		command:    CmdWrite,
		requestID:  id,
		offset:     offset,
		dataLength: uint32(len(data)),
		pathLength: uint8(len(path)),
	}, path, data)
	return s.broker.RequestBlocking(s.channel, uint32(id), req, nil, timeout)
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	var out []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			out = append(out, string(data[start:i]))
			start = i + 1
		}
	}
	out = append(out, string(data[start:]))
	return out
}
