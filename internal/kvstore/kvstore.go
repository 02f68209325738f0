// Package kvstore is the shared durable key-value space used for notification
// flags, retry counters, safety flags, settings and the notification log.
//
// No backend offers transactional read-modify-write across keys. SetNX is the
// only conditional primitive.
package kvstore

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("kvstore: closed")

type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	// SetNX stores value only if key does not exist and reports whether it did.
	SetNX(ctx context.Context, key, value string) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes every key starting with prefix and returns the count.
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
	// Keys lists keys starting with prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
