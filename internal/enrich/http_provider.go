package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// HTTPProvider resolves item keys against an HTTP lookup endpoint.
// GET <base>?key=<key> answers `{"found":bool,"url":string}`; a 404 is a
// definitive miss, not an error.
type HTTPProvider struct {
	base       string
	httpClient *http.Client
}

// NewHTTPProvider creates a provider for the given lookup endpoint.
func NewHTTPProvider(base string) *HTTPProvider {
	return &HTTPProvider{base: base, httpClient: http.DefaultClient}
}

// Lookup implements Provider.
func (p *HTTPProvider) Lookup(ctx context.Context, key string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.base+"?key="+url.QueryEscape(key), nil)
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Result{}, nil
	default:
		raw, _ := io.ReadAll(resp.Body)
		return Result{}, fmt.Errorf("lookup error: %s - %s", resp.Status, string(raw))
	}

	var body struct {
		Found bool   `json:"found"`
		URL   string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, fmt.Errorf("unmarshal response: %w", err)
	}
	return Result{Found: body.Found, URL: body.URL}, nil
}
