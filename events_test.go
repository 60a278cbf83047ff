package ftpserver

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// collectingSink records every event it receives.
type collectingSink struct {
	mu       sync.Mutex
	presence []PresenceEvent
	data     []DataEvent
	block    chan struct{} // when non-nil, HandlePresence blocks until it's closed
}

func (s *collectingSink) HandlePresence(evt PresenceEvent) {
	if s.block != nil {
		<-s.block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence = append(s.presence, evt)
}

func (s *collectingSink) HandleData(evt DataEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, evt)
}

func (s *collectingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.presence), len(s.data)
}

func TestEventDispatcherDeliversInOrder(t *testing.T) {
	sink := &collectingSink{}
	dispatcher := newRateLimitedEventDispatcher(sink, 0, 0)

	go func() { _ = dispatcher.run() }()
	defer dispatcher.stop()

	dispatcher.presence(PresenceEvent{Kind: PresenceSessionStarted, SessionID: 1})
	dispatcher.data(DataEvent{Kind: DataTransferStarted, SessionID: 1, Path: "RETR a"})
	dispatcher.presence(PresenceEvent{Kind: PresenceSessionEnded, SessionID: 1})

	require.Eventually(t, func() bool {
		p, d := sink.counts()

		return p == 2 && d == 1
	}, time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Equal(t, PresenceSessionStarted, sink.presence[0].Kind)
	require.Equal(t, PresenceSessionEnded, sink.presence[1].Kind)
}

func TestEventDispatcherNilSinkIsSafe(t *testing.T) {
	dispatcher := newRateLimitedEventDispatcher(nil, 0, 0)

	dispatcher.presence(PresenceEvent{Kind: PresenceSessionStarted})
	dispatcher.data(DataEvent{Kind: DataTransferStarted})
}

// TestEventDispatcherDropsWhenFull fills the queue with a blocked sink and checks that
// the producer never blocks: overflow is counted and thrown away.
func TestEventDispatcherDropsWhenFull(t *testing.T) {
	sink := &collectingSink{block: make(chan struct{})}
	dispatcher := newRateLimitedEventDispatcher(sink, 0, 0)

	go func() { _ = dispatcher.run() }()
	defer dispatcher.stop()

	done := make(chan struct{})

	go func() {
		defer close(done)

		for i := 0; i < eventDispatchCapacity+100; i++ {
			dispatcher.presence(PresenceEvent{Kind: PresenceSessionStarted, SessionID: uint32(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("the dispatcher blocked its producer")
	}

	require.Positive(t, dispatcher.dropped.Load())
	close(sink.block)
}

func TestEventDispatcherRateShaping(t *testing.T) {
	sink := &collectingSink{}
	dispatcher := newRateLimitedEventDispatcher(sink, 1, 1)

	go func() { _ = dispatcher.run() }()
	defer dispatcher.stop()

	for i := 0; i < 50; i++ {
		dispatcher.data(DataEvent{Kind: DataBytesTransferred, SessionID: 1})
	}

	require.Positive(t, dispatcher.dropped.Load(), "above the configured rate, events are shed")
}
