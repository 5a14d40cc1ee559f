// Package eventbus defines the lifecycle emitter surface the engine and
// its swarms publish to: state transitions, piece completion and
// structured errors.
package eventbus

import "github.com/kagenova/btswarm/internal/swarmerr"

// EventType distinguishes the kinds of notifications an Emitter receives.
type EventType string

const (
	EventStateChanged   EventType = "state-changed"
	EventPieceComplete  EventType = "piece-complete"
	EventDone           EventType = "done"
	EventError          EventType = "error"
)

// Event is one lifecycle notification for a single swarm.
type Event struct {
	Type       EventType
	SwarmID    string
	State      string // new state, for EventStateChanged
	PieceIndex uint32 // for EventPieceComplete
	Err        *swarmerr.Error
}

// Emitter receives lifecycle events. Implementations must not block the
// caller for long; ChannelEmitter below simply buffers.
type Emitter interface {
	Emit(Event)
}

// ChannelEmitter is a ready-made Emitter: a single buffered channel the
// caller drains at its own pace, dropping the oldest event rather than
// blocking the swarm owner goroutine if the caller falls behind.
type ChannelEmitter struct {
	C chan Event
}

// NewChannelEmitter returns an emitter buffering up to capacity events.
func NewChannelEmitter(capacity int) *ChannelEmitter {
	if capacity <= 0 {
		capacity = 256
	}
	return &ChannelEmitter{C: make(chan Event, capacity)}
}

// Emit enqueues ev, dropping the oldest buffered event if the channel is
// full so the swarm owner goroutine is never blocked by a slow consumer.
func (e *ChannelEmitter) Emit(ev Event) {
	select {
	case e.C <- ev:
		return
	default:
	}
	select {
	case <-e.C:
	default:
	}
	select {
	case e.C <- ev:
	default:
	}
}

// NopEmitter discards every event; used where no caller has supplied one.
type NopEmitter struct{}

// Emit implements Emitter by discarding ev.
func (NopEmitter) Emit(Event) {}
