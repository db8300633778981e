package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/danmuck/pnclient/internal/stanza"
	"github.com/danmuck/pnclient/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToEveryMatchingSubscriberOnce(t *testing.T) {
	testlog.Start(t)
	bus := NewBus[*stanza.IQ]()

	var all, results, byID int
	bus.Subscribe(nil, func(*stanza.IQ) { all++ })
	bus.Subscribe(MatchType(stanza.IQResult), func(*stanza.IQ) { results++ })
	bus.Subscribe(And(MatchID("a"), MatchResponse()), func(*stanza.IQ) { byID++ })

	assert.Equal(t, 3, bus.Publish(&stanza.IQ{ID: "a", Type: stanza.IQResult}))
	assert.Equal(t, 1, bus.Publish(&stanza.IQ{ID: "a", Type: stanza.IQSet}))
	assert.Equal(t, 2, bus.Publish(&stanza.IQ{ID: "b", Type: stanza.IQResult}))

	assert.Equal(t, 3, all)
	assert.Equal(t, 2, results)
	assert.Equal(t, 1, byID)
}

func TestBusSubscribeOnceRemovedAfterFirstMatch(t *testing.T) {
	testlog.Start(t)
	bus := NewBus[*stanza.IQ]()

	var hits int
	sub := bus.SubscribeOnce(And(MatchID("reg"), MatchResponse()), func(*stanza.IQ) { hits++ })
	require.True(t, sub.Valid())

	bus.Publish(&stanza.IQ{ID: "other", Type: stanza.IQResult})
	assert.Equal(t, 1, bus.Len(), "non-matching event must not consume a once subscription")

	bus.Publish(&stanza.IQ{ID: "reg", Type: stanza.IQError})
	bus.Publish(&stanza.IQ{ID: "reg", Type: stanza.IQResult})
	assert.Equal(t, 1, hits)
	assert.Equal(t, 0, bus.Len())
	assert.False(t, bus.Unsubscribe(sub))
}

func TestBusUnsubscribe(t *testing.T) {
	testlog.Start(t)
	bus := NewBus[*stanza.IQ]()

	var hits int
	sub := bus.Subscribe(MatchNotification(), func(*stanza.IQ) { hits++ })
	other := bus.Subscribe(nil, func(*stanza.IQ) {})

	bus.Publish(&stanza.IQ{Type: stanza.IQSet, Payload: &stanza.Notification{ID: "1"}})
	require.True(t, bus.Unsubscribe(sub))
	bus.Publish(&stanza.IQ{Type: stanza.IQSet, Payload: &stanza.Notification{ID: "2"}})

	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, bus.Len())
	assert.False(t, bus.Unsubscribe(Subscription{}))
	assert.True(t, bus.Unsubscribe(other))
}

func TestBusUnsubscribeAll(t *testing.T) {
	testlog.Start(t)
	bus := NewBus[*stanza.IQ]()
	for i := 0; i < 4; i++ {
		bus.Subscribe(nil, func(*stanza.IQ) {})
	}
	assert.Equal(t, 4, bus.UnsubscribeAll())
	assert.Equal(t, 0, bus.Publish(&stanza.IQ{}))
	assert.Equal(t, 0, bus.Len())
}

func TestBusHandlerMayUnsubscribeItself(t *testing.T) {
	testlog.Start(t)
	bus := NewBus[*stanza.IQ]()

	var sub Subscription
	var mu sync.Mutex
	var hits int
	mu.Lock()
	sub = bus.Subscribe(nil, func(*stanza.IQ) {
		mu.Lock()
		defer mu.Unlock()
		hits++
		bus.Unsubscribe(sub)
	})
	mu.Unlock()

	bus.Publish(&stanza.IQ{})
	bus.Publish(&stanza.IQ{})
	assert.Equal(t, 1, hits)
}

func TestBusHandlerPanicDoesNotStopDelivery(t *testing.T) {
	testlog.Start(t)
	bus := NewBus[*stanza.IQ]()

	var delivered atomic.Int32
	bus.Subscribe(nil, func(*stanza.IQ) { panic("boom") })
	bus.Subscribe(nil, func(*stanza.IQ) { delivered.Add(1) })

	assert.Equal(t, 2, bus.Publish(&stanza.IQ{}))
	assert.Equal(t, int32(1), delivered.Load())
}

func TestBusConcurrentPublish(t *testing.T) {
	testlog.Start(t)
	bus := NewBus[*stanza.IQ]()

	var hits atomic.Int64
	bus.Subscribe(MatchNotification(), func(*stanza.IQ) { hits.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(&stanza.IQ{Payload: &stanza.Notification{}})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(800), hits.Load())
}
