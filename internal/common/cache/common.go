package cache

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"time"
)

// NullCacheValue marks a cached miss so repeated lookups of absent keys skip the source.
const NullCacheValue = "$NULL$"

// Codec converts values to and from their cached string form.
type Codec[T any] struct {
	Marshal   func(T) (string, error)
	Unmarshal func(string) (T, error)
}

// JSONCodec stores values as JSON documents.
func JSONCodec[T any]() Codec[T] {
	return Codec[T]{
		Marshal: func(v T) (string, error) {
			data, err := json.Marshal(v)
			return string(data), err
		},
		Unmarshal: func(s string) (T, error) {
			var v T
			err := json.Unmarshal([]byte(s), &v)
			return v, err
		},
	}
}

// ReadThrough is a cache-aside reader. Values the source reports as empty are
// remembered as NullCacheValue for EmptyTTL. Cache errors degrade to a source read.
type ReadThrough[T any] struct {
	Cache    Cache
	Codec    Codec[T]
	TTL      time.Duration
	EmptyTTL time.Duration
	IsEmpty  func(T) bool
}

// Get returns the cached value of key, loading it with load on a miss.
// Source errors are returned and never cached.
func (r ReadThrough[T]) Get(ctx context.Context, key string, load func(context.Context) (T, error)) (T, error) {
	var zero T
	if hit, ok := r.lookup(ctx, key); ok {
		return hit, nil
	}

	value, err := load(ctx)
	if err != nil {
		return zero, err
	}
	if r.IsEmpty != nil && r.IsEmpty(value) {
		if r.EmptyTTL > 0 {
			_ = r.Cache.Set(ctx, key, NullCacheValue, r.EmptyTTL)
		}
		return zero, nil
	}
	if encoded, err := r.Codec.Marshal(value); err == nil {
		_ = r.Cache.Set(ctx, key, encoded, JitterTTL(r.TTL))
	}
	return value, nil
}

func (r ReadThrough[T]) lookup(ctx context.Context, key string) (T, bool) {
	var zero T
	raw, err := r.Cache.Get(ctx, key)
	if err != nil || raw == "" {
		return zero, false
	}
	if raw == NullCacheValue {
		return zero, true
	}
	value, err := r.Codec.Unmarshal(raw)
	if err != nil {
		_ = r.Cache.Del(ctx, key)
		return zero, false
	}
	return value, true
}

// JitterTTL shortens ttl by up to 10% so keys written together do not expire together.
func JitterTTL(ttl time.Duration) time.Duration {
	spread := int64(ttl / 10)
	if spread <= 0 {
		return ttl
	}
	n, err := rand.Int(rand.Reader, big.NewInt(spread+1))
	if err != nil {
		return ttl
	}
	return ttl - time.Duration(n.Int64())
}
