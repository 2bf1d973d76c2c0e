// Package kvstore provides the small durable key/value stores the client
// keeps its pending queue and local settings in.
package kvstore

import (
	"errors"
	"strings"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("store closed")
)

// Store is a string key/value store. Get reports ok=false for absent keys.
//
// Update reads key and writes whatever fn returns as one step; no other
// writer of the same store can interleave. If fn returns an error nothing
// is written and Update returns that error.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Update(key string, fn func(value string, ok bool) (string, error)) error
	Close() error
}

func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrInvalidInput
	}
	return key, nil
}
