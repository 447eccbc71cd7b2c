package snapshot

import (
	"errors"
	"fmt"
	"strings"

	"hydra/domain/orderbook"
	"hydra/infra/codec"
	"hydra/infra/kv"
)

// Load returns the last snapshot written for pair, or ErrNoSnapshot.
func Load(store kv.Store, pair string) (orderbook.BookSnapshot, error) {
	var snap orderbook.BookSnapshot
	raw, err := store.Get(bookKey(pair))
	if errors.Is(err, kv.ErrNotFound) {
		return snap, fmt.Errorf("%w: %s", ErrNoSnapshot, pair)
	}
	if err != nil {
		return snap, fmt.Errorf("snapshot: load %s: %w", pair, err)
	}
	if err := codec.DecodeSnapshot(raw, &snap); err != nil {
		return snap, fmt.Errorf("snapshot: decode %s: %w", pair, err)
	}
	if snap.Pair != pair {
		return snap, fmt.Errorf("snapshot: key %s holds pair %q", pair, snap.Pair)
	}
	return snap, nil
}

// Pairs lists every pair with a stored snapshot.
func Pairs(store kv.Store) ([]string, error) {
	var pairs []string
	err := store.Iterate([]byte(bookPrefix), func(key, _ []byte) error {
		pairs = append(pairs, strings.TrimPrefix(string(key), bookPrefix))
		return nil
	})
	return pairs, err
}

// LoadSequences returns the stored high-water marks; zero values when
// nothing was written yet.
func LoadSequences(store kv.Store) (Sequences, error) {
	raw, err := store.Get([]byte(sequencesKey))
	if errors.Is(err, kv.ErrNotFound) {
		return Sequences{}, nil
	}
	if err != nil {
		return Sequences{}, fmt.Errorf("snapshot: load sequences: %w", err)
	}
	return decodeSequences(raw)
}
