// CLAUDE:SUMMARY Key/value backends for screenshot entries (memory, SQLite, Redis) plus a namespacing wrapper and factory.
// Package cache provides the key/value stores screenshot entries live in.
//
// The contract is deliberately small: Get and Set on opaque byte values, no
// TTL, no delete, no iteration. Entries expire by being overwritten.
package cache

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("cache: closed")

// KV is a key/value store. Get reports a miss with ok == false and a nil
// error.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Namespaced prefixes every key with prefix before it reaches kv.
func Namespaced(kv KV, prefix string) KV {
	if prefix == "" {
		return kv
	}
	return &namespaced{kv: kv, prefix: prefix}
}

type namespaced struct {
	kv     KV
	prefix string
}

func (n *namespaced) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return n.kv.Get(ctx, n.prefix+key)
}

func (n *namespaced) Set(ctx context.Context, key string, value []byte) error {
	return n.kv.Set(ctx, n.prefix+key, value)
}

func (n *namespaced) Close() error { return n.kv.Close() }
