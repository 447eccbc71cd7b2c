// Package kv is the durable key-value layer under snapshots and the
// settlement job store. Writes are atomic per key only.
package kv

import (
	"errors"
	"strings"
)

var (
	ErrNotFound = errors.New("kv: key not found")
	ErrClosed   = errors.New("kv: store closed")
)

type Store interface {
	// Get returns a copy of the value stored under key.
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	// Iterate visits keys with prefix in ascending order until fn
	// returns an error. Values passed to fn are only valid during the call.
	Iterate(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // prefix is all 0xff: no upper bound
}

func hasPrefix(key string, prefix []byte) bool {
	return strings.HasPrefix(key, string(prefix))
}
