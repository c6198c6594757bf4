package keylock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSameKeySerialized(t *testing.T) {
	t.Parallel()

	var m Map
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Do("job-1", func() error {
				n := inside.Add(1)
				for {
					cur := maxInside.Load()
					if n <= cur || maxInside.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInside.Load())
	assert.Equal(t, 0, m.Len())
}

func TestDifferentKeysIndependent(t *testing.T) {
	t.Parallel()

	var m Map
	unlockA := m.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := m.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	unlockA()
	unlockA() // idempotent
	assert.Equal(t, 0, m.Len())
}
