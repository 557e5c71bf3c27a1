package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnectionLimiter_Allow(t *testing.T) {
	cl := NewConnectionLimiter(3)

	assert.True(t, cl.Allow("user1"))
	assert.True(t, cl.Allow("user1"))
	assert.True(t, cl.Allow("user1"))
	assert.False(t, cl.Allow("user1"))

	// Different user should be allowed
	assert.True(t, cl.Allow("user2"))
}

func TestConnectionLimiter_Release(t *testing.T) {
	cl := NewConnectionLimiter(2)

	cl.Allow("user1")
	cl.Allow("user1")
	assert.False(t, cl.Allow("user1"))

	cl.Release("user1")
	assert.True(t, cl.Allow("user1"))
	assert.Equal(t, 2, cl.GetCount("user1"))

	cl.Release("user1")
	cl.Release("user1")
	cl.Release("user1")
	assert.Equal(t, 0, cl.GetCount("user1"))
}

func TestConnectionLimiter_DefaultLimit(t *testing.T) {
	cl := NewConnectionLimiter(0)
	for i := 0; i < 10; i++ {
		assert.True(t, cl.Allow("user1"))
	}
	assert.False(t, cl.Allow("user1"))
}

func TestConnectionLimiter_Concurrent(t *testing.T) {
	cl := NewConnectionLimiter(5)
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cl.Allow("user1") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, allowed)
}

func TestMessageLimiter_Allow(t *testing.T) {
	ml := NewMessageLimiter(100*time.Millisecond, 3)

	assert.True(t, ml.Allow("user1"))
	assert.True(t, ml.Allow("user1"))
	assert.True(t, ml.Allow("user1"))
	assert.False(t, ml.Allow("user1"))
	assert.True(t, ml.Allow("user2"))

	time.Sleep(150 * time.Millisecond)
	assert.True(t, ml.Allow("user1"))
}

func TestMessageLimiter_GetRetryAfter(t *testing.T) {
	ml := NewMessageLimiter(time.Second, 2)

	assert.Equal(t, 0, ml.GetRetryAfter("user1"))
	ml.Allow("user1")
	ml.Allow("user1")

	retry := ml.GetRetryAfter("user1")
	assert.Greater(t, retry, 0)
	assert.LessOrEqual(t, retry, 1000)
}

func TestMessageLimiter_ResetAndCleanup(t *testing.T) {
	ml := NewMessageLimiter(50*time.Millisecond, 1)

	ml.Allow("user1")
	ml.Allow("user2")
	assert.Equal(t, 2, ml.TrackedKeys())

	ml.Reset("user1")
	assert.True(t, ml.Allow("user1"))

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 2, ml.Cleanup())
	assert.Zero(t, ml.TrackedKeys())
}

func TestMessageLimiter_StartStopCleanup(t *testing.T) {
	ml := NewMessageLimiter(10*time.Millisecond, 1)
	ml.cleanupInterval = 10 * time.Millisecond

	ml.StartCleanup()
	ml.StartCleanup()
	ml.Allow("user1")

	assert.Eventually(t, func() bool { return ml.TrackedKeys() == 0 }, time.Second, 10*time.Millisecond)

	ml.StopCleanup()
	ml.StopCleanup()
}
