package server_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tgoebel/beacon/internal/enrich"
	"github.com/tgoebel/beacon/internal/event"
	"github.com/tgoebel/beacon/internal/server"
	"github.com/tgoebel/beacon/internal/store"
)

type recordingPub struct {
	mu     sync.Mutex
	events []event.Event
}

func (p *recordingPub) Publish(_ context.Context, _, _ string, ev event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPub) snapshot() []event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]event.Event, len(p.events))
	copy(out, p.events)
	return out
}

type staticSource struct {
	items []string
}

func (s *staticSource) Search(context.Context, string) ([]string, error) {
	return s.items, nil
}

func TestSearchRunnerAttachesCachedItems(t *testing.T) {
	kv := store.NewMemStore()
	require.NoError(t, kv.Set(context.Background(),
		"enrich:warm", `{"status":"FOUND","url":"https://example.com/warm"}`, 0))

	pub := &recordingPub{}
	provider := enrich.ProviderFunc(func(_ context.Context, key string) (enrich.Result, error) {
		return enrich.Result{Found: true, URL: "https://example.com/" + key}, nil
	})
	coord := enrich.NewCoordinator(kv, provider, pub, enrich.Options{}, nil, nil)
	runner := server.NewSearchRunner(&staticSource{items: []string{"warm", "cold"}}, coord, pub, nil)

	raw, err := runner.Run(context.Background(), "req-1", "any query")
	require.NoError(t, err)
	coord.Wait()

	var result struct {
		Items []struct {
			ItemKey string  `json:"itemKey"`
			Status  string  `json:"status"`
			URL     *string `json:"url"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Items, 2)

	assert.Equal(t, event.ItemFound, result.Items[0].Status, "cached item attaches immediately")
	require.NotNil(t, result.Items[0].URL)
	assert.Equal(t, "https://example.com/warm", *result.Items[0].URL)
	assert.Equal(t, server.ItemPending, result.Items[1].Status, "uncached item stays pending")

	// The cold item's patch arrives over the channel instead.
	var patches, progress int
	for _, ev := range pub.snapshot() {
		switch e := ev.(type) {
		case event.PatchEvent:
			patches++
			assert.Equal(t, "cold", e.ItemKey)
		case event.StatusEvent:
			progress++
		}
	}
	assert.Equal(t, 1, patches)
	assert.Equal(t, 1, progress, "runner reports intermediate progress")
}

func TestSearchRunnerNoItems(t *testing.T) {
	kv := store.NewMemStore()
	pub := &recordingPub{}
	provider := enrich.ProviderFunc(func(context.Context, string) (enrich.Result, error) {
		return enrich.Result{}, nil
	})
	coord := enrich.NewCoordinator(kv, provider, pub, enrich.Options{}, nil, nil)
	runner := server.NewSearchRunner(&staticSource{}, coord, pub, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	raw, err := runner.Run(ctx, "req-2", "no matches")
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":[]}`, string(raw))
}
