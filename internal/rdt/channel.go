package rdt

import (
	"errors"
	"time"
)

var (
	ErrQueueFull    = errors.New("rdt: queue full")
	ErrBlockEmpty   = errors.New("rdt: block must be 1..max_block_size bytes")
	ErrBlockTooBig  = errors.New("rdt: block exceeds max_block_size")
	ErrTooManyPkts  = errors.New("rdt: block would require more packets than the nack terminator allows")
)

// rxPhase and txPhase model the half-duplex states of one channel: its
// receive half and transmit half evolve independently.
type rxPhase int

const (
	rxIdle rxPhase = iota
	rxReceiving
)

type txPhase int

const (
	txIdle txPhase = iota
	txSending
)

// rxState is the in-progress reassembly state for one channel.
type rxState struct {
	phase           rxPhase
	totalSize       uint32
	totalPackets    int
	buffer          []byte
	receivedMap     []bool
	packetsReceived int
	lastPacketTime  time.Time
}

// txState is the in-progress send state for one channel.
type txState struct {
	phase        txPhase
	buffer       []byte
	totalPackets int
	sentMap      []bool
	nextSeq      int
	retryCount   int
	lastSendTime time.Time
}

// channelState bundles one channel's bounded queues and half-duplex state
// machines. All mutation happens under the owning Engine's mutex; this type
// carries no lock of its own.
type channelState struct {
	index        uint8
	maxBlockSize uint32
	queueDepth   int

	rxQueue [][]byte
	txQueue [][]byte

	rx rxState
	tx txState
}

func newChannelState(index uint8, maxBlockSize uint32, queueDepth int) *channelState {
	return &channelState{
		index:        index,
		maxBlockSize: maxBlockSize,
		queueDepth:   queueDepth,
	}
}

// enqueueTX appends a block to the transmit queue, bounded by queueDepth.
func (c *channelState) enqueueTX(block []byte) error {
	if len(block) == 0 {
		return ErrBlockEmpty
	}
	if uint32(len(block)) > c.maxBlockSize {
		return ErrBlockTooBig
	}
	if TotalPackets(uint32(len(block))) > MaxSeq {
		return ErrTooManyPkts
	}
	if len(c.txQueue) >= c.queueDepth {
		return ErrQueueFull
	}
	buf := make([]byte, len(block))
	copy(buf, block)
	c.txQueue = append(c.txQueue, buf)
	return nil
}

// dequeueTX pops the next pending block, or (nil, false) if empty.
func (c *channelState) dequeueTX() ([]byte, bool) {
	if len(c.txQueue) == 0 {
		return nil, false
	}
	block := c.txQueue[0]
	c.txQueue = c.txQueue[1:]
	return block, true
}

// enqueueRX appends a completed inbound block, bounded by queueDepth. If
// the queue is full the block is dropped and ok is false — the caller logs
// this as a fatal-for-that-block condition,
func (c *channelState) enqueueRX(block []byte) bool {
	if len(c.rxQueue) >= c.queueDepth {
		return false
	}
	c.rxQueue = append(c.rxQueue, block)
	return true
}

// dequeueRX pops the oldest completed inbound block.
func (c *channelState) dequeueRX() ([]byte, bool) {
	if len(c.rxQueue) == 0 {
		return nil, false
	}
	block := c.rxQueue[0]
	c.rxQueue = c.rxQueue[1:]
	return block, true
}

func (c *channelState) resetRX() {
	c.rx = rxState{}
}

func (c *channelState) resetTX() {
	c.tx = txState{}
}
