package coord

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_MutualExclusion(t *testing.T) {
	l := &LocalLocker{}
	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background())
			require.NoError(t, err)
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxActive)
}

func TestRebalancer_RunsUnderLock(t *testing.T) {
	var mu sync.Mutex
	passes := 0
	reb := NewRebalancer(nil, 5*time.Millisecond, func(context.Context) error {
		mu.Lock()
		passes++
		mu.Unlock()
		return nil
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	reb.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, passes, 0)
}

type deniedLocker struct{}

func (deniedLocker) Acquire(context.Context) (func(), error) {
	return nil, context.DeadlineExceeded
}

func TestRebalancer_SkipsWhenLockUnavailable(t *testing.T) {
	ran := false
	reb := NewRebalancer(deniedLocker{}, 5*time.Millisecond, func(context.Context) error {
		ran = true
		return nil
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	reb.Run(ctx)
	assert.False(t, ran)
}
