package ftpserver

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// PresenceEventKind enumerates the session lifecycle events an EventSink receives.
type PresenceEventKind int

// Presence event kinds.
const (
	PresenceSessionStarted PresenceEventKind = iota
	PresenceAuthenticated
	PresenceSessionEnded
)

// PresenceEvent reports a session lifecycle transition.
type PresenceEvent struct {
	Kind       PresenceEventKind
	SessionID  uint32
	RemoteAddr string
	Username   string
	At         time.Time
}

// DataEventKind enumerates the transfer lifecycle events an EventSink receives.
type DataEventKind int

// Data event kinds.
const (
	DataTransferStarted DataEventKind = iota
	DataTransferCompleted
	DataBytesTransferred
)

// TransferDirection is the direction of a data-channel transfer.
type TransferDirection int

// Transfer directions.
const (
	DirectionUpload TransferDirection = iota
	DirectionDownload
)

// DataEvent reports a transfer lifecycle transition.
type DataEvent struct {
	Kind             DataEventKind
	SessionID        uint32
	Path             string
	Direction        TransferDirection
	BytesTransferred int64
	Err              error
	At               time.Time
}

// EventSink receives presence and data events. Implementations must not block: the engine
// dispatches on a bounded channel drained by one goroutine and drops events rather than
// stall the session that produced them.
type EventSink interface {
	HandlePresence(PresenceEvent)
	HandleData(DataEvent)
}

// eventDispatchCapacity bounds the pending-event channel. Once full, new events are
// dropped rather than block the producing session.
const eventDispatchCapacity = 1024

// eventDispatcher fans PresenceEvent/DataEvent out to a single EventSink asynchronously.
// A token-bucket limiter additionally shapes the rate at which events reach the sink, so a
// bursty session (thousands of DataBytesTransferred events in a tight loop) can't starve the
// dispatcher goroutine even before the channel itself fills up.
type eventDispatcher struct {
	sink     EventSink
	events   chan func()
	done     chan struct{}
	stopOnce sync.Once
	limiter  *rate.Limiter
	dropped  atomic.Uint64
}

// newRateLimitedEventDispatcher builds an eventDispatcher whose delivery rate is capped at
// eventsPerSecond with the given burst. A zero eventsPerSecond disables shaping (the default),
// leaving the bounded channel in eventDispatchCapacity as the only backpressure mechanism.
func newRateLimitedEventDispatcher(sink EventSink, eventsPerSecond float64, burst int) *eventDispatcher {
	var limiter *rate.Limiter
	if eventsPerSecond > 0 {
		if burst <= 0 {
			burst = 1
		}

		limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), burst)
	}

	return &eventDispatcher{
		sink:    sink,
		events:  make(chan func(), eventDispatchCapacity),
		done:    make(chan struct{}),
		limiter: limiter,
	}
}

// run drains the event queue until stop is closed. Meant to be run under an errgroup.
func (d *eventDispatcher) run() error {
	for {
		select {
		case fn := <-d.events:
			fn()
		case <-d.done:
			return nil
		}
	}
}

func (d *eventDispatcher) stop() {
	d.stopOnce.Do(func() {
		close(d.done)
	})
}

func (d *eventDispatcher) presence(evt PresenceEvent) {
	if d == nil || d.sink == nil || !d.admit() {
		return
	}

	select {
	case d.events <- func() { d.sink.HandlePresence(evt) }:
	default:
		d.dropped.Add(1)
	}
}

func (d *eventDispatcher) data(evt DataEvent) {
	if d == nil || d.sink == nil || !d.admit() {
		return
	}

	select {
	case d.events <- func() { d.sink.HandleData(evt) }:
	default:
		d.dropped.Add(1)
	}
}

// admit reports whether the event-rate limiter (if configured) has a token available. It
// never blocks: a denied event is dropped exactly like a full channel would be.
func (d *eventDispatcher) admit() bool {
	if d.limiter == nil {
		return true
	}

	if !d.limiter.Allow() {
		d.dropped.Add(1)

		return false
	}

	return true
}
