// Package storage defines the blob store contract for fetched page content.
// The abstraction keeps the worker independent of the backing implementation
// (Google Cloud Storage, the local filesystem, or memory for tests).
package storage

import "context"

// BlobStore persists fetched content and returns a URI for later retrieval.
type BlobStore interface {
	// Put writes data under the given object path and returns its URI.
	Put(ctx context.Context, path, contentType string, data []byte) (string, error)
}

// NoOp is a BlobStore that discards content. Useful for dry runs where pages
// are fetched but not kept.
type NoOp struct{}

// Put discards the data and returns an empty URI.
func (NoOp) Put(context.Context, string, string, []byte) (string, error) {
	return "", nil
}
