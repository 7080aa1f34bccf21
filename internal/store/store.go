// Package store is the ordered key-value substrate the queue runs on.
//
// Every call maps onto one atomic operation of a Redis-compatible server, so
// several courier processes can share a keyspace without extra locking. The
// multi-step operations (PopAndLease, CapList, Insert, Move, Settle and
// CompareAndDelete) run as server-side scripts, so a message is never out of
// every set between two calls.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by point reads on a missing key or field.
var ErrNotFound = errors.New("not found")

// Target is where a message id is placed: the tail of the list Key, or the
// sorted set Key at Score.
type Target struct {
	Key   string
	List  bool
	Score float64
}

// ScoredMember is one sorted-set entry.
type ScoredMember struct {
	Member string
	Score  float64
}

type Store interface {
	// Lists
	LPush(ctx context.Context, key string, values ...string) (int64, error)
	LPop(ctx context.Context, key string, count int) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LRem(ctx context.Context, key string, count int64, value string) (int64, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	// CapList keeps at most max entries measured from the head. Entries
	// dropped from the tail are pushed onto overflow when it is not empty.
	CapList(ctx context.Context, key, overflow string, max int64) (int64, error)

	// Sorted sets
	ZAdd(ctx context.Context, key string, members ...ScoredMember) error
	ZRem(ctx context.Context, key string, members ...string) (int64, error)
	ZPopMax(ctx context.Context, key string, count int64) ([]ScoredMember, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ScoredMember, error)
	ZCard(ctx context.Context, key string) (int64, error)
	// ZFirst returns the lowest-scored member.
	ZFirst(ctx context.Context, key string) (ScoredMember, bool, error)

	// Hashes
	HSetNX(ctx context.Context, key, field, value string) (bool, error)
	HGet(ctx context.Context, key, field string) (string, error)
	HDel(ctx context.Context, key string, fields ...string) (int64, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Strings and keys
	Get(ctx context.Context, key string) (string, error)
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	// CompareAndDelete deletes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)

	// PopAndLease removes the head of a ready queue and records a lease for it
	// in one step. fifo selects a list pop, otherwise the lowest-scored member
	// of a sorted set is taken. ok is false when the queue is empty.
	PopAndLease(ctx context.Context, readyKey, leaseKey string, fifo bool, leaseUntilMs int64) (id string, ok bool, err error)

	// Insert stores body as field id of hashKey and places id at to. It does
	// nothing and reports false when id is already present in hashKey.
	Insert(ctx context.Context, hashKey, id, body string, to Target) (bool, error)
	// Move removes id from the sorted set from and, only if it was there,
	// places it at to. A non-empty body replaces the stored body in the same
	// step. It reports whether id was moved.
	Move(ctx context.Context, from, hashKey, id, body string, to Target) (bool, error)
	// Settle removes id from the sorted set from and, only if it was there,
	// deletes its body from hashKey.
	Settle(ctx context.Context, from, hashKey, id string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}
