package deepstream

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleNotifierCoalescesConcurrentRequests(t *testing.T) {
	var mu sync.Mutex
	var sent []Frame
	n := newSingleNotifier(TopicRecord, ActionHas, func(f Frame) {
		mu.Lock()
		sent = append(sent, f)
		mu.Unlock()
	}, time.Minute, nil)

	results := make(chan interface{}, 2)
	n.request("user/1", func(err error, data interface{}) { results <- data })
	n.request("user/1", func(err error, data interface{}) { results <- data })

	mu.Lock()
	require.Len(t, sent, 1, "only one request frame should be sent for two coalesced waiters")
	mu.Unlock()

	n.receive("user/1", nil, true)

	for i := 0; i < 2; i++ {
		select {
		case v := <-results:
			assert.Equal(t, true, v)
		case <-time.After(time.Second):
			t.Fatal("waiter never resolved")
		}
	}
}

func TestSingleNotifierLateResponseAfterTimeoutStillResolves(t *testing.T) {
	n := newSingleNotifier(TopicRecord, ActionHas, func(f Frame) {}, 20*time.Millisecond, func(name string) {})

	result := make(chan interface{}, 1)
	n.request("user/2", func(err error, data interface{}) { result <- data })

	time.Sleep(100 * time.Millisecond)

	n.receive("user/2", nil, false)

	select {
	case v := <-result:
		assert.Equal(t, false, v)
	case <-time.After(time.Second):
		t.Fatal("a response arriving after the timeout fired must still resolve the waiter")
	}
}
