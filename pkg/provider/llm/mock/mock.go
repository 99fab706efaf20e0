// Package mock provides a test double for llm.Provider.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/balcao/pkg/provider/llm"
)

// Provider is a mock implementation of llm.Provider. It returns Response (or
// Err) and records every request.
type Provider struct {
	mu sync.Mutex

	// Response is returned by Complete when Err is nil.
	Response *llm.CompletionResponse

	// Err, if non-nil, is returned by Complete.
	Err error

	// CompleteFunc, if set, overrides Response and Err.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// Requests records every request passed to Complete.
	Requests []llm.CompletionRequest
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	fn, resp, err := p.CompleteFunc, p.Response, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return &llm.CompletionResponse{}, nil
	}
	return resp, nil
}

// Calls returns the number of recorded requests.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}

var _ llm.Provider = (*Provider)(nil)
