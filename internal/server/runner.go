package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/tgoebel/beacon/internal/enrich"
	"github.com/tgoebel/beacon/internal/event"
	"github.com/tgoebel/beacon/internal/job"
)

// ItemSource produces the item keys for a query. It is the upstream search
// collaborator; query understanding happens there, not here.
type ItemSource interface {
	Search(ctx context.Context, query string) ([]string, error)
}

// HTTPItemSource queries an HTTP search endpoint.
// GET <base>?q=<query> answers `{"items":["key", ...]}`.
type HTTPItemSource struct {
	base       string
	httpClient *http.Client
}

// NewHTTPItemSource creates an item source for the given endpoint.
func NewHTTPItemSource(base string) *HTTPItemSource {
	return &HTTPItemSource{base: base, httpClient: http.DefaultClient}
}

// Search implements ItemSource.
func (s *HTTPItemSource) Search(ctx context.Context, query string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.base+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("search error: %s - %s", resp.Status, string(raw))
	}

	var body struct {
		Items []string `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return body.Items, nil
}

// resultItem is one entry of the search result payload. Items still being
// enriched carry ItemPending; their patches arrive over the channel.
type resultItem struct {
	ItemKey string  `json:"itemKey"`
	Status  string  `json:"status"`
	URL     *string `json:"url,omitempty"`
}

// ItemPending marks an item whose enrichment has not finished yet.
const ItemPending = "PENDING"

// SearchRunner is the default Runner: fetch item keys from the source, hand
// them to the enrichment coordinator, and return the result with cached
// outcomes attached.
type SearchRunner struct {
	src      ItemSource
	enricher *enrich.Coordinator
	hub      Publisher
	log      *slog.Logger
}

// Publisher is the part of the hub the runner needs.
type Publisher interface {
	Publish(ctx context.Context, channel, key string, ev event.Event) error
}

// NewSearchRunner creates a runner.
func NewSearchRunner(src ItemSource, enricher *enrich.Coordinator, hub Publisher, log *slog.Logger) *SearchRunner {
	if log == nil {
		log = slog.Default()
	}
	return &SearchRunner{src: src, enricher: enricher, hub: hub, log: log}
}

// Run implements Runner.
func (r *SearchRunner) Run(ctx context.Context, requestID, query string) (json.RawMessage, error) {
	keys, err := r.src.Search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("item source: %w", err)
	}

	// The item list is in hand; enrichment is the second half.
	r.publishProgress(requestID, 50)

	attached, err := r.enricher.EnrichBatch(ctx, requestID, keys)
	if err != nil {
		r.log.Warn("enrichment dispatch incomplete", "request_id", requestID, "error", err)
	}

	items := make([]resultItem, 0, len(keys))
	for _, key := range keys {
		item := resultItem{ItemKey: key, Status: ItemPending}
		if p, ok := attached[key]; ok {
			item.Status = p.Status
			item.URL = p.URL
		}
		items = append(items, item)
	}

	raw, err := json.Marshal(struct {
		Items []resultItem `json:"items"`
	}{Items: items})
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return raw, nil
}

func (r *SearchRunner) publishProgress(requestID string, progress int) {
	ev := event.NewStatusEvent(requestID, string(job.StatusRunning), progress)
	if err := r.hub.Publish(context.Background(), event.ChannelSearch, requestID, ev); err != nil {
		r.log.Warn("progress publish failed", "request_id", requestID, "error", err)
	}
}
