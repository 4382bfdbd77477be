package enrich

import "context"

// Result is the outcome of one provider lookup. Found distinguishes a
// definitive miss from a lookup error, which the caller sees separately.
type Result struct {
	Found bool
	URL   string
}

// Provider resolves an item key against an external source. Implementations
// are expected to be safe for concurrent use; the coordinator bounds how many
// lookups run at once.
type Provider interface {
	Lookup(ctx context.Context, key string) (Result, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, key string) (Result, error)

// Lookup implements Provider.
func (f ProviderFunc) Lookup(ctx context.Context, key string) (Result, error) {
	return f(ctx, key)
}
