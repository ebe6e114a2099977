package keylock_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/figsettings/fig/internal/keylock"
	"github.com/figsettings/fig/pkg/models"
)

func TestLockSerializesSameKey(t *testing.T) {
	l := keylock.New()
	key := models.ClientKey{Name: "Orders"}

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock(key)
			defer unlock()
			n := atomic.AddInt32(&inside, 1)
			if n > atomic.LoadInt32(&maxInside) {
				atomic.StoreInt32(&maxInside, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestLockDifferentKeysDoNotContend(t *testing.T) {
	l := keylock.New()
	unlockA := l.Lock(models.ClientKey{Name: "A"})
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := l.Lock(models.ClientKey{Name: "A", Instance: "eu"})
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}
