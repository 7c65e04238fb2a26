// Package presence keeps a Redis directory of which node holds the live
// connection of each user. It is advisory: the in-memory registry on each
// node stays authoritative for delivery.
package presence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
)

const (
	// KeyPrefix is the Redis key prefix for all presence hashes.
	KeyPrefix = "presence:"

	// DefaultTTL is how long an entry survives without a heartbeat refresh.
	DefaultTTL = 2 * time.Minute
)

// Entry is the presence record of one user.
type Entry struct {
	UserID      string `redis:"user_id" json:"userId"`
	ConnID      string `redis:"conn_id" json:"connId"`
	Node        string `redis:"node" json:"node"`
	ConnectedAt int64  `redis:"connected_at" json:"connectedAt"` // unix timestamp
}

// Ref identifies the entry written for one connection.
type Ref struct {
	UserID string
	ConnID string
}

// KEYS[1] = presence:<userId>
// ARGV[1] = conn_id expected to own the entry
// returns 1 when the entry was deleted, 0 when it belongs to another connection
var deleteIfOwner = redis.NewScript(`
if redis.call("HGET", KEYS[1], "conn_id") == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// KEYS[1] = presence:<userId>
// ARGV[1] = conn_id, ARGV[2] = ttl seconds
// returns 1 when the TTL was extended
var refreshIfOwner = redis.NewScript(`
if redis.call("HGET", KEYS[1], "conn_id") == ARGV[1] then
  return redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Store manages presence entries in Redis.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore creates a Store over client. A non-positive ttl selects DefaultTTL.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

func key(userID string) string {
	return KeyPrefix + userID
}

// Set records e as the live connection of its user, replacing any previous
// entry.
func (s *Store) Set(ctx context.Context, e Entry) error {
	k := key(e.UserID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, k)
	pipe.HSet(ctx, k, map[string]interface{}{
		"user_id":      e.UserID,
		"conn_id":      e.ConnID,
		"node":         e.Node,
		"connected_at": e.ConnectedAt,
	})
	pipe.Expire(ctx, k, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return oops.With("user_id", e.UserID).Wrapf(err, "presence set")
	}
	return nil
}

// Get returns the entry of userID. Returns nil if not found.
func (s *Store) Get(ctx context.Context, userID string) (*Entry, error) {
	var e Entry
	if err := s.client.HGetAll(ctx, key(userID)).Scan(&e); err != nil {
		return nil, oops.With("user_id", userID).Wrapf(err, "presence get")
	}
	if e.ConnID == "" {
		return nil, nil
	}
	return &e, nil
}

// Delete removes the entry of userID only if connID still owns it, so a
// replaced connection closing late leaves its successor's entry alone.
func (s *Store) Delete(ctx context.Context, userID, connID string) (bool, error) {
	n, err := deleteIfOwner.Run(ctx, s.client, []string{key(userID)}, connID).Int()
	if err != nil {
		return false, oops.With("user_id", userID, "conn_id", connID).Wrapf(err, "presence delete")
	}
	return n == 1, nil
}

// Refresh extends the TTL of every entry still owned by its connection in a
// single round trip. It returns how many entries were extended.
func (s *Store) Refresh(ctx context.Context, refs []Ref) (int, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	secs := int(s.ttl / time.Second)
	if secs < 1 {
		secs = 1
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.Cmd, len(refs))
	for i, r := range refs {
		cmds[i] = refreshIfOwner.Eval(ctx, pipe, []string{key(r.UserID)}, r.ConnID, secs)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, oops.With("entries", len(refs)).Wrapf(err, "presence refresh")
	}

	extended := 0
	for _, c := range cmds {
		if n, err := c.Int(); err == nil && n == 1 {
			extended++
		}
	}
	return extended, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
