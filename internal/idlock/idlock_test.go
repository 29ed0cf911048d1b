package idlock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithLock_SerializesSameKey(t *testing.T) {
	l := New()
	var counter int64
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.WithLock(FileKey("doc"), func() {
				cur := atomic.AddInt64(&counter, 1)
				time.Sleep(time.Millisecond)
				assert.Equal(t, cur, atomic.LoadInt64(&counter))
				atomic.AddInt64(&counter, -1)
			})
		}()
	}
	wg.Wait()
}

func TestWithLock_DifferentKeysDontBlock(t *testing.T) {
	l := New()
	start := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		id := FileKey(string(rune('a' + i)))
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			l.WithLock(k, func() {
				time.Sleep(20 * time.Millisecond)
			})
		}(id)
	}
	wg.Wait()
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestFileKey(t *testing.T) {
	assert.Equal(t, "file:a.md", FileKey("a.md"))
}
