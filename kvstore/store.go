// Package kvstore provides the local key-value persistence backing the
// gateway's fallback vault, permission grants, and session-restoration
// metadata. Backends share one interface so the fallback logic never depends
// on a specific storage medium; key namespacing keeps the concerns apart.
package kvstore

import (
	"errors"
	"strings"
)

// ErrKeyNotFound is returned when a key is not present in the store.
var ErrKeyNotFound = errors.New("key not found")

// Store is the minimal key-value surface shared by all backends.
// Values are opaque bytes; last write wins per key.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	// List returns all keys with the given prefix. Order is unspecified.
	List(prefix string) ([]string, error)
	Close() error
}

// Namespaced wraps a Store so every key is silently prefixed with
// namespace + "/". Listing and deletion stay confined to the namespace.
func Namespaced(inner Store, namespace string) Store {
	return &namespaced{inner: inner, prefix: namespace + "/"}
}

type namespaced struct {
	inner  Store
	prefix string
}

func (n *namespaced) Get(key string) ([]byte, error) {
	return n.inner.Get(n.prefix + key)
}

func (n *namespaced) Set(key string, value []byte) error {
	return n.inner.Set(n.prefix+key, value)
}

func (n *namespaced) Delete(key string) error {
	return n.inner.Delete(n.prefix + key)
}

func (n *namespaced) List(prefix string) ([]string, error) {
	keys, err := n.inner.List(n.prefix + prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, n.prefix))
	}
	return out, nil
}

// Close on a namespaced view is a no-op; the owner of the underlying store
// is responsible for closing it.
func (n *namespaced) Close() error { return nil }
