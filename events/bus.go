// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package events

import (
	"sync"
	"sync/atomic"

	"nexex.org/obnode/ob"
)

// feedBufferSize is the size of each Feed's buffered channel.
const feedBufferSize = 256

var feederID uint32

// Feed receives every event sent on the Bus after the feed's creation, on C.
// The subscriber must Close the feed when no longer reading, or the Bus will
// eventually drop events for it.
type Feed struct {
	C   chan Event
	id  uint32
	bus *Bus
}

// Close unsubscribes the feed from its Bus.
func (f *Feed) Close() {
	f.bus.closeFeed(f.id)
}

// Bus is a multi-producer, multi-consumer broadcast channel of domain events.
// Every feed sees every event independently. A full feed has events dropped
// for it rather than blocking the sender.
type Bus struct {
	log ob.Logger

	mtx   sync.RWMutex
	feeds map[uint32]*Feed
}

// NewBus creates a Bus.
func NewBus(log ob.Logger) *Bus {
	return &Bus{
		log:   log,
		feeds: make(map[uint32]*Feed),
	}
}

// Feed creates a new subscription. Events sent before the call are not
// delivered.
func (b *Bus) Feed() *Feed {
	feed := &Feed{
		C:   make(chan Event, feedBufferSize),
		id:  atomic.AddUint32(&feederID, 1),
		bus: b,
	}
	b.mtx.Lock()
	b.feeds[feed.id] = feed
	b.mtx.Unlock()
	return feed
}

func (b *Bus) closeFeed(id uint32) {
	b.mtx.Lock()
	delete(b.feeds, id)
	b.mtx.Unlock()
}

// Send broadcasts the event to every current feed. Send never blocks; a feed
// whose channel is full misses the event.
func (b *Bus) Send(ev Event) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	for _, feed := range b.feeds {
		select {
		case feed.C <- ev:
		default:
			b.log.Warnf("event feed %d is blocking. dropping %s event", feed.id, ev.Kind())
		}
	}
}
