package rdt

import "sync"

// dispatcher fans successful-delivery signals out to per-channel
// subscribers. One channel may have multiple subscribers (e.g. a request
// broker and a diagnostic tap); each gets its own buffered signal channel
// so a slow subscriber cannot stall notification of the others.
type dispatcher struct {
	mu   sync.Mutex
	subs [MaxChannels]map[int]chan struct{}
	next int
}

func newDispatcher() *dispatcher {
	d := &dispatcher{}
	for i := range d.subs {
		d.subs[i] = make(map[int]chan struct{})
	}
	return d
}

// subscribe registers a new delivery-signal channel for channel index c,
// returning it along with an unsubscribe func.
func (d *dispatcher) subscribe(c uint8) (<-chan struct{}, func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.next
	d.next++
	sig := make(chan struct{}, 1)
	d.subs[c][id] = sig

	unsub := func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs[c], id)
	}
	return sig, unsub, nil
}

// notify signals every subscriber of channel c that a block is ready in
// its rx_queue. Non-blocking: a subscriber that hasn't drained its
// previous signal simply doesn't get a second one queued.
func (d *dispatcher) notify(c uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, sig := range d.subs[c] {
		select {
		case sig <- struct{}{}:
		default:
		}
	}
}
