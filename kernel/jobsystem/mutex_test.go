package jobsystem

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFiberMutex_ExcludesConcurrentAccess(t *testing.T) {
	var m FiberMutex
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock()
			defer m.Unlock()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
}

func TestFiberMutex_TryLock(t *testing.T) {
	var m FiberMutex
	assert.True(t, m.TryLock())
	assert.False(t, m.TryLock())
	m.Unlock()
	assert.True(t, m.TryLock())
}

func TestFiberRecursiveMutex_SameCallerReenters(t *testing.T) {
	var m FiberRecursiveMutex
	ctx := WithCallerToken(context.Background(), 1)

	m.Lock(ctx)
	m.Lock(ctx)

	done := make(chan struct{})
	go func() {
		other := WithCallerToken(context.Background(), 2)
		m.Lock(other)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("a different caller token must not acquire a reentrant lock")
	default:
	}

	m.Unlock()
	select {
	case <-done:
		t.Fatal("lock still held by the outer acquisition")
	default:
	}

	m.Unlock()
	<-done
}

func TestFiberRecursiveMutex_UntaggedCallersDoNotReenter(t *testing.T) {
	var m FiberRecursiveMutex
	m.Lock(context.Background())

	acquired := make(chan struct{})
	go func() {
		m.Lock(context.Background())
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("untagged contexts must never be treated as the same caller")
	default:
	}

	m.Unlock()
	<-acquired
}
