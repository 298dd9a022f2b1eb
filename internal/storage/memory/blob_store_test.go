package memory

import (
	"context"
	"testing"
)

func TestPutAndGet(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.Put(context.Background(), "a/b.html", "text/html", []byte("body"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if uri != "memory://a/b.html" {
		t.Fatalf("uri = %q", uri)
	}
	data, ok := store.Get("a/b.html")
	if !ok || string(data) != "body" {
		t.Fatalf("Get() = %q, %v", data, ok)
	}
}
