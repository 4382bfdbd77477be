package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tgoebel/beacon/internal/store"
)

func TestMemStoreGetSet(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok, "absent key should not be found")

	require.NoError(t, s.Set(ctx, "a", "1", 0))
	val, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", val)

	// Overwrite replaces the value
	require.NoError(t, s.Set(ctx, "a", "2", 0))
	val, _, _ = s.Get(ctx, "a")
	assert.Equal(t, "2", val)
}

func TestMemStoreTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()

	require.NoError(t, s.Set(ctx, "short", "v", 20*time.Millisecond))

	_, ok, err := s.Get(ctx, "short")
	require.NoError(t, err)
	assert.True(t, ok, "entry should be live before TTL")

	time.Sleep(40 * time.Millisecond)

	_, ok, err = s.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok, "entry should expire after TTL")
}

func TestMemStoreSetNX(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()

	acquired, err := s.SetNX(ctx, "lock", "holder-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "first SetNX should acquire")

	acquired, err = s.SetNX(ctx, "lock", "holder-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired, "second SetNX should be refused while held")

	require.NoError(t, s.Delete(ctx, "lock"))

	acquired, err = s.SetNX(ctx, "lock", "holder-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "SetNX should acquire after delete")
}

func TestMemStoreSetNXExpiredEntry(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()

	_, err := s.SetNX(ctx, "lock", "holder-1", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	acquired, err := s.SetNX(ctx, "lock", "holder-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "expired lock should be acquirable")
}

func TestMemStoreSetNXSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acquired, err := s.SetNX(ctx, "contended", fmt.Sprintf("holder-%d", i), time.Minute)
			require.NoError(t, err)
			if acquired {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners, "exactly one concurrent SetNX may win")
}

func TestMemStoreFaultHook(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()
	s.Fault = func(op, key string) error {
		if op == "setnx" {
			return errors.New("injected outage")
		}
		return nil
	}

	_, err := s.SetNX(ctx, "lock", "v", time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrUnavailable, "injected faults surface as ErrUnavailable")

	// Other operations unaffected
	require.NoError(t, s.Set(ctx, "a", "1", 0))
}
