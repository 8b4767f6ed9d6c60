package remote

import (
	"context"
	"net/http"
)

// HeaderComposer builds the headers for one request from the static set and
// the optional provider. Nothing is cached between calls.
type HeaderComposer struct {
	static   http.Header
	provider HeaderProvider
}

// NewHeaderComposer creates a composer from a canonicalized copy of static
func NewHeaderComposer(static http.Header, provider HeaderProvider) *HeaderComposer {
	return &HeaderComposer{
		static:   canonicalHeader(static),
		provider: provider,
	}
}

// Compose returns a fresh header set: the static headers overlaid with the
// provider's, the provider winning on a name collision. A provider error is
// returned as is.
func (h *HeaderComposer) Compose(ctx context.Context) (http.Header, error) {
	header := h.static.Clone()
	if h.provider == nil {
		return header, nil
	}

	dynamic, err := h.provider(ctx)
	if err != nil {
		return nil, err
	}
	for name, value := range dynamic {
		header.Set(name, value)
	}
	return header, nil
}

// canonicalHeader copies h, merging names that differ only in case under
// their canonical form. A literal http.Header may hold raw keys that Set
// would not find.
func canonicalHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		for _, value := range values {
			out.Add(name, value)
		}
	}
	return out
}
