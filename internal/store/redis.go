// ABOUTME: Redis-backed SessionStore for deployments running several gateway instances
// ABOUTME: One hash per user; run id compare-and-set runs as a Lua script

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// swapRunScript compares run_id with ARGV[1] and, if equal, sets it to
// ARGV[2] (or deletes it when ARGV[2] is empty). ARGV[3] is the timestamp.
var swapRunScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'run_id')
if not cur then cur = '' end
if cur ~= ARGV[1] then return 0 end
if ARGV[2] == '' then
  redis.call('HDEL', KEYS[1], 'run_id', 'run_updated_at')
else
  redis.call('HSET', KEYS[1], 'run_id', ARGV[2], 'run_updated_at', ARGV[3])
end
redis.call('HSETNX', KEYS[1], 'created_at', ARGV[3])
redis.call('HSETNX', KEYS[1], 'logged_in', '0')
redis.call('HSET', KEYS[1], 'updated_at', ARGV[3])
return 1
`)

// RedisSessionStore implements SessionStore on Redis hashes.
type RedisSessionStore struct {
	client *goredis.Client
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisSessionStore connects to Redis and verifies the connection.
func NewRedisSessionStore(ctx context.Context, addr, password, prefix string) (*RedisSessionStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	if prefix == "" {
		prefix = "tutorline:session:"
	}
	logger := slog.Default().With("component", "store", "driver", "redis")
	logger.Info("Redis session store initialized", "addr", addr, "prefix", prefix)

	return &RedisSessionStore{
		client: client,
		prefix: prefix,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the Redis client.
func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

func (s *RedisSessionStore) key(userID string) string {
	return s.prefix + userID
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func sessionFromHash(userID string, h map[string]string) *Session {
	sess := &Session{
		UserID:   userID,
		LoggedIn: h["logged_in"] == "1",
		ThreadID: h["thread_id"],
		RunID:    h["run_id"],
	}
	if v := h["run_updated_at"]; v != "" {
		sess.RunUpdatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v := h["created_at"]; v != "" {
		sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v := h["updated_at"]; v != "" {
		sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return sess
}

// GetSession reads the user's hash.
func (s *RedisSessionStore) GetSession(ctx context.Context, userID string) (*Session, error) {
	h, err := s.client.HGetAll(ctx, s.key(userID)).Result()
	if err != nil {
		return nil, unavailable("reading session", err)
	}
	if len(h) == 0 {
		return nil, ErrNotFound
	}
	return sessionFromHash(userID, h), nil
}

// UpdateSession applies the update in a MULTI/EXEC transaction.
func (s *RedisSessionStore) UpdateSession(ctx context.Context, userID string, update SessionUpdate) error {
	now := stamp(s.now())
	key := s.key(userID)

	set := map[string]any{"updated_at": now}
	var del []string
	if update.LoggedIn != nil {
		if *update.LoggedIn {
			set["logged_in"] = "1"
		} else {
			set["logged_in"] = "0"
		}
	}
	if update.ThreadID != nil {
		if *update.ThreadID == "" {
			del = append(del, "thread_id")
		} else {
			set["thread_id"] = *update.ThreadID
		}
	}
	if update.RunID != nil {
		if *update.RunID == "" {
			del = append(del, "run_id", "run_updated_at")
		} else {
			set["run_id"] = *update.RunID
			set["run_updated_at"] = now
		}
	}

	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "created_at", now)
		pipe.HSetNX(ctx, key, "logged_in", "0")
		pipe.HSet(ctx, key, set)
		if len(del) > 0 {
			pipe.HDel(ctx, key, del...)
		}
		return nil
	})
	if err != nil {
		return unavailable("updating session", err)
	}
	return nil
}

// ClearSessionFields deletes hash fields. A missing hash stays missing.
func (s *RedisSessionStore) ClearSessionFields(ctx context.Context, userID string, fields ...SessionField) error {
	if len(fields) == 0 {
		return nil
	}
	var del []string
	for _, f := range fields {
		switch f {
		case FieldThreadID:
			del = append(del, "thread_id")
		case FieldRunID:
			del = append(del, "run_id", "run_updated_at")
		default:
			return fmt.Errorf("unknown session field %q", f)
		}
	}
	if err := s.client.HDel(ctx, s.key(userID), del...).Err(); err != nil {
		return unavailable("clearing session fields", err)
	}
	return nil
}

// SwapRunID runs the compare-and-set script.
func (s *RedisSessionStore) SwapRunID(ctx context.Context, userID, expected, next string) (bool, error) {
	n, err := swapRunScript.Run(ctx, s.client, []string{s.key(userID)}, expected, next, stamp(s.now())).Int()
	if err != nil {
		return false, unavailable("swapping run id", err)
	}
	return n == 1, nil
}

// ListStaleRuns scans all session hashes for runs set before the cutoff.
func (s *RedisSessionStore) ListStaleRuns(ctx context.Context, before time.Time) ([]*Session, error) {
	var (
		out    []*Session
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return nil, unavailable("scanning sessions", err)
		}
		for _, key := range keys {
			h, err := s.client.HGetAll(ctx, key).Result()
			if err != nil {
				if errors.Is(err, goredis.Nil) {
					continue
				}
				return nil, unavailable("reading session", err)
			}
			sess := sessionFromHash(strings.TrimPrefix(key, s.prefix), h)
			if sess.RunID != "" && sess.RunUpdatedAt.Before(before) {
				out = append(out, sess)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}
