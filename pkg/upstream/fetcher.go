// Package upstream fetches result batches from the external book search API.
package upstream

import (
	"context"
	"errors"

	"bookpager/pkg/domain"
)

// ErrUpstream wraps every failure to obtain a batch from the search API.
var ErrUpstream = errors.New("upstream search failed")

// Batch is one page of upstream results. Items may be empty even when
// TotalResults is larger than the requested offset.
type Batch struct {
	Items        []domain.Book
	TotalResults int
}

// Fetcher returns the batch of results starting at offset.
type Fetcher interface {
	Fetch(ctx context.Context, spec domain.QuerySpec, offset int) (Batch, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, spec domain.QuerySpec, offset int) (Batch, error)

func (f FetcherFunc) Fetch(ctx context.Context, spec domain.QuerySpec, offset int) (Batch, error) {
	return f(ctx, spec, offset)
}
