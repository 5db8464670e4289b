package rdt

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edgemesh/rdt-gateway/internal/link"
)

// Config bounds queue depths, block sizes, and the retry/timeout policy of
// an Engine. Zero-value fields are filled in from DefaultConfig by
// NewEngine.
type Config struct {
	// QueueDepth bounds each channel's rx_queue and tx_queue.
	QueueDepth int
	// MaxBlockSize bounds the largest block accepted per channel.
	MaxBlockSize [MaxChannels]uint32
	// EventQueueDepth bounds the inbound frame event queue (minimum 30).
	EventQueueDepth int
	// AckTimeout is the per-attempt send timeout (100ms).
	AckTimeout time.Duration
	// MaxRetry counts ACK timeouts: a send is silently abandoned on its
	// MaxRetry-th timeout, after MaxRetry-1 full-BEGIN retransmissions.
	MaxRetry int
	// TickInterval bounds how long the engine loop waits for an inbound
	// event before running the periodic transmit sweep anyway (<=50ms).
	TickInterval time.Duration
}

// DefaultConfig returns the default channel sizing: 512B for the
// system/sensor channels, 8KiB for the param channel, 4KiB+header for the
// file channel.
func DefaultConfig() Config {
	return Config{
		QueueDepth:      5,
		EventQueueDepth: 30,
		AckTimeout:      100 * time.Millisecond,
		MaxRetry:        5,
		TickInterval:    50 * time.Millisecond,
		MaxBlockSize: [MaxChannels]uint32{
			512,         // system
			512,         // sensors
			8 * 1024,    // params (matches the parameter registry's 8KiB cap)
			4096 + 256,  // files
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.QueueDepth <= 0 {
		c.QueueDepth = def.QueueDepth
	}
	if c.EventQueueDepth < def.EventQueueDepth {
		c.EventQueueDepth = def.EventQueueDepth
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = def.MaxRetry
	}
	if c.TickInterval <= 0 || c.TickInterval > def.TickInterval {
		c.TickInterval = def.TickInterval
	}
	zeroBlocks := true
	for _, v := range c.MaxBlockSize {
		if v != 0 {
			zeroBlocks = false
			break
		}
	}
	if zeroBlocks {
		c.MaxBlockSize = def.MaxBlockSize
	}
	return c
}

type inboundEvent struct {
	src   link.Addr
	frame []byte
}

// Engine is the single owned reliable-datagram-transport instance for one
// link. It is safe for concurrent use: Submit, SetPeer, and the delivery
// subscription methods may be called from any goroutine, while Run drives
// the state machines from one internal loop.
type Engine struct {
	cfg    Config
	port   link.Port
	log    zerolog.Logger
	stats  *Metrics

	mu       sync.Mutex
	peerAddr link.Addr
	channels [MaxChannels]*channelState

	events chan inboundEvent
	disp   *dispatcher

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewEngine constructs an Engine bound to port. The engine does not start
// processing until Run is called.
func NewEngine(cfg Config, port link.Port, logger zerolog.Logger) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:    cfg,
		port:   port,
		log:    logger.With().Str("component", "rdt").Logger(),
		stats:  NewMetrics(),
		events: make(chan inboundEvent, cfg.EventQueueDepth),
		disp:   newDispatcher(),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < MaxChannels; i++ {
		e.channels[i] = newChannelState(uint8(i), cfg.MaxBlockSize[i], cfg.QueueDepth)
	}
	port.RegisterRecv(e.onFrame)
	return e
}

// SetPeer updates the single link-layer peer address frames are sent to.
// Pairing finalize is the only expected caller outside of tests.
func (e *Engine) SetPeer(addr link.Addr) {
	e.mu.Lock()
	e.peerAddr = addr
	e.mu.Unlock()
}

// Peer returns the currently configured peer address.
func (e *Engine) Peer() link.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peerAddr
}

// Metrics exposes the engine's counters for scraping.
func (e *Engine) Metrics() *Metrics { return e.stats }

// DeliverRaw feeds a frame into the engine as if the link had delivered it
// directly. It exists so a collaborator that must temporarily intercept the
// link's single receive callback slot (the pairing state machine, notably)
// can still forward non-pairing frames into the engine.
func (e *Engine) DeliverRaw(src link.Addr, frame []byte) {
	e.onFrame(src, frame)
}

// onFrame is the link's receive upcall: interrupt-like, must not block.
func (e *Engine) onFrame(src link.Addr, frame []byte) {
	select {
	case e.events <- inboundEvent{src: src, frame: frame}:
	default:
		e.stats.EventsDropped.Add(1)
		e.log.Warn().Msg("event queue full, dropping inbound frame")
	}
}

// Run drives the engine loop until ctx is cancelled or Stop is called. It
// is intended to run in its own goroutine.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case ev := <-e.events:
			e.mu.Lock()
			e.handleEvent(ev)
			e.sweepTransmit()
			e.mu.Unlock()
		case <-ticker.C:
			e.mu.Lock()
			e.sweepTransmit()
			e.mu.Unlock()
		}
	}
}

// Stop halts a running Run loop.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Subscribe registers a channel to be signalled on every successful block
// delivery. See dispatcher.go.
func (e *Engine) Subscribe(channel uint8) (<-chan struct{}, func(), error) {
	if err := ValidateChannel(channel); err != nil {
		return nil, nil, err
	}
	return e.disp.subscribe(channel)
}

// Submit enqueues block for transmission on channel, waiting up to timeout
// for room in the channel's tx_queue if it is currently full. It does not
// wait for the block to actually be delivered — that is the Request
// Broker's job.
func (e *Engine) Submit(channel uint8, block []byte, timeout time.Duration) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		e.mu.Lock()
		err := e.channels[channel].enqueueTX(block)
		e.mu.Unlock()
		if err == nil {
			return nil
		}
		if err != ErrQueueFull || timeout <= 0 || time.Now().After(deadline) {
			return err
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Receive pops the oldest completed inbound block from channel's rx_queue.
func (e *Engine) Receive(channel uint8) ([]byte, bool, error) {
	if err := ValidateChannel(channel); err != nil {
		return nil, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	block, ok := e.channels[channel].dequeueRX()
	return block, ok, nil
}

func (e *Engine) sendPacket(channel uint8, seq uint16, code ServiceCode, payload [PayloadLen]byte) {
	frame := Marshal(Packet{Channel: channel, Seq: seq, ServiceCode: code, Payload: payload})
	if err := e.port.Send(e.peerAddr, frame); err != nil {
		e.log.Debug().Err(err).Uint8("channel", channel).Str("service", code.String()).Msg("link send failed")
		e.stats.SendFailed.Add(1)
		return
	}
	e.stats.PacketsSent.Add(1)
}

// handleEvent verifies and routes one inbound frame. Must be called with
// e.mu held.
func (e *Engine) handleEvent(ev inboundEvent) {
	pkt, err := Unmarshal(ev.frame)
	if err != nil {
		e.stats.PacketsDropped.Add(1)
		e.log.Debug().Err(err).Msg("dropping malformed frame")
		return
	}
	if int(pkt.Channel) >= MaxChannels {
		e.stats.PacketsDropped.Add(1)
		return
	}
	e.stats.PacketsReceived.Add(1)
	c := e.channels[pkt.Channel]

	switch pkt.ServiceCode {
	case ServiceBegin:
		e.onBegin(c, pkt)
	case ServiceData:
		e.onData(c, pkt)
	case ServiceEnd:
		e.onEnd(c, pkt)
	case ServiceAsk:
		e.onAsk(c)
	case ServiceNack:
		e.onNack(c, pkt)
	default:
		e.stats.PacketsDropped.Add(1)
	}
}

func (e *Engine) onBegin(c *channelState, pkt Packet) {
	if c.rx.phase == rxReceiving {
		e.log.Debug().Uint8("channel", c.index).Msg("BEGIN cancels incomplete receive")
	}
	size := DecodeBegin(pkt.Payload)
	if size == 0 {
		e.stats.PacketsDropped.Add(1)
		return
	}
	if size > c.maxBlockSize {
		size = c.maxBlockSize
	}
	total := TotalPackets(size)
	if total > MaxSeq {
		e.stats.PacketsDropped.Add(1)
		return
	}
	c.rx = rxState{
		phase:           rxReceiving,
		totalSize:       size,
		totalPackets:    total,
		buffer:          make([]byte, size),
		receivedMap:     make([]bool, total),
		packetsReceived: 1,
		lastPacketTime:  time.Now(),
	}
	c.rx.receivedMap[0] = true
}

func (e *Engine) onData(c *channelState, pkt Packet) {
	if c.rx.phase != rxReceiving {
		return
	}
	seq := int(pkt.Seq)
	if seq < 1 || seq > c.rx.totalPackets-2 {
		return
	}
	if c.rx.receivedMap[seq] {
		return
	}
	offset := (seq - 1) * PayloadLen
	if offset >= int(c.rx.totalSize) {
		c.rx.receivedMap[seq] = true
		c.rx.packetsReceived++
		return
	}
	n := PayloadLen
	if offset+n > int(c.rx.totalSize) {
		n = int(c.rx.totalSize) - offset
	}
	copy(c.rx.buffer[offset:offset+n], pkt.Payload[:n])
	c.rx.receivedMap[seq] = true
	c.rx.packetsReceived++
	c.rx.lastPacketTime = time.Now()
}

func (e *Engine) onEnd(c *channelState, pkt Packet) {
	if c.rx.phase != rxReceiving {
		return
	}
	seq := int(pkt.Seq)
	if seq != c.rx.totalPackets-1 {
		return
	}
	if !c.rx.receivedMap[seq] {
		c.rx.receivedMap[seq] = true
		c.rx.packetsReceived++
	}

	if c.rx.packetsReceived == c.rx.totalPackets {
		e.sendPacket(c.index, uint16(seq), ServiceAsk, [PayloadLen]byte{})
		block := c.rx.buffer
		c.resetRX()
		if c.enqueueRX(block) {
			e.disp.notify(c.index)
		} else {
			e.stats.RxQueueDropped.Add(1)
			e.log.Warn().Uint8("channel", c.index).Msg("rx_queue full, dropping reassembled block")
		}
		return
	}

	missing := make([]uint16, 0, c.rx.totalPackets-c.rx.packetsReceived)
	for i, ok := range c.rx.receivedMap {
		if !ok {
			missing = append(missing, uint16(i))
		}
	}
	e.stats.NacksSent.Add(1)
	e.sendPacket(c.index, uint16(seq), ServiceNack, EncodeNack(missing))
}

func (e *Engine) onAsk(c *channelState) {
	if c.tx.phase != txSending {
		return
	}
	c.resetTX()
}

func (e *Engine) onNack(c *channelState, pkt Packet) {
	if c.tx.phase != txSending {
		return
	}
	e.stats.NacksReceived.Add(1)
	for _, seq := range DecodeNack(pkt.Payload) {
		e.retransmitSeq(c, int(seq))
	}
}

func (e *Engine) retransmitSeq(c *channelState, seq int) {
	if seq < 0 || seq >= c.tx.totalPackets {
		return
	}
	switch {
	case seq == 0:
		e.sendPacket(c.index, 0, ServiceBegin, EncodeBegin(uint32(len(c.tx.buffer))))
	case seq == c.tx.totalPackets-1:
		e.sendPacket(c.index, uint16(seq), ServiceEnd, [PayloadLen]byte{})
	default:
		e.sendPacket(c.index, uint16(seq), ServiceData, dataPayload(c.tx.buffer, seq))
	}
	if seq < len(c.tx.sentMap) {
		c.tx.sentMap[seq] = true
	}
}

func dataPayload(block []byte, seq int) [PayloadLen]byte {
	var payload [PayloadLen]byte
	start := (seq - 1) * PayloadLen
	end := start + PayloadLen
	if end > len(block) {
		end = len(block)
	}
	if start < len(block) {
		copy(payload[:], block[start:end])
	}
	return payload
}

// sweepTransmit advances every channel's transmit state machine by one
// step. Must be called with e.mu held.
func (e *Engine) sweepTransmit() {
	for _, c := range e.channels {
		e.transmitTick(c)
	}
}

func (e *Engine) transmitTick(c *channelState) {
	switch c.tx.phase {
	case txIdle:
		block, ok := c.dequeueTX()
		if !ok {
			return
		}
		total := TotalPackets(uint32(len(block)))
		c.tx = txState{
			phase:        txSending,
			buffer:       block,
			totalPackets: total,
			sentMap:      make([]bool, total),
			nextSeq:      1,
			retryCount:   0,
			lastSendTime: time.Now(),
		}
		e.sendPacket(c.index, 0, ServiceBegin, EncodeBegin(uint32(len(block))))
		c.tx.sentMap[0] = true

	case txSending:
		if time.Since(c.tx.lastSendTime) > e.cfg.AckTimeout {
			c.tx.retryCount++
			if c.tx.retryCount >= e.cfg.MaxRetry {
				e.log.Debug().Uint8("channel", c.index).Msg("max retries exceeded, abandoning send")
				e.stats.SendsAbandoned.Add(1)
				c.resetTX()
				return
			}
			e.stats.Retries.Add(1)
			for i := range c.tx.sentMap {
				c.tx.sentMap[i] = false
			}
			e.sendPacket(c.index, 0, ServiceBegin, EncodeBegin(uint32(len(c.tx.buffer))))
			c.tx.sentMap[0] = true
			c.tx.nextSeq = 1
			c.tx.lastSendTime = time.Now()
			return
		}

		if c.tx.nextSeq < c.tx.totalPackets && !c.tx.sentMap[c.tx.nextSeq] {
			seq := c.tx.nextSeq
			if seq == c.tx.totalPackets-1 {
				e.sendPacket(c.index, uint16(seq), ServiceEnd, [PayloadLen]byte{})
			} else {
				e.sendPacket(c.index, uint16(seq), ServiceData, dataPayload(c.tx.buffer, seq))
			}
			c.tx.sentMap[seq] = true
			c.tx.nextSeq++
		}
	}
}
