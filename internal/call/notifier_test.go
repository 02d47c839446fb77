package call

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNotifierKeepsOrder(t *testing.T) {
	n := newNotifier()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		n.post(func() {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, i)
		})
	}
	n.close()

	select {
	case <-n.done:
	case <-time.After(waitFor):
		t.Fatal("notifier did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestNotifierDropsAfterClose(t *testing.T) {
	n := newNotifier()
	n.close()
	<-n.done

	called := false
	n.post(func() { called = true })
	assert.False(t, called)
}

func TestNotifierCloseFromCallback(t *testing.T) {
	n := newNotifier()
	n.post(n.close)

	select {
	case <-n.done:
	case <-time.After(waitFor):
		t.Fatal("notifier did not stop")
	}
}
