package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apierrors "lessonvault/internal/errors"
)

const (
	learnerKeyPrefix = "playback:sessions:"
	learnerIndexKey  = "playback:learners"
)

// registerScript performs the capacity check-and-register atomically inside
// Redis. Expired fields are pruned first so the count never includes stale
// sessions. Return shapes:
//
//	{"refreshed", iat_ms}
//	{"registered", iat_ms}
//	{"evicted", iat_ms, evicted_fp, evicted_json}
//	{"capacity", live_count, oldest_iat_ms}
var registerScript = redis.NewScript(`
local key = KEYS[1]
local index = KEYS[2]
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local fp = ARGV[4]
local lesson = ARGV[5]
local evict = ARGV[6] == "1"
local learner = ARGV[7]

local entries = redis.call("HGETALL", key)
local count = 0
local oldest_fp = nil
local oldest_exp = nil
local oldest_iat = nil
for i = 1, #entries, 2 do
  local f = entries[i]
  local v = cjson.decode(entries[i + 1])
  if v.exp <= now then
    redis.call("HDEL", key, f)
  else
    count = count + 1
    if oldest_exp == nil or v.exp < oldest_exp then
      oldest_exp = v.exp
      oldest_fp = f
      oldest_iat = v.iat
    end
  end
end

local existing = redis.call("HGET", key, fp)
if existing then
  local v = cjson.decode(existing)
  if v.exp > now then
    v.exp = now + ttl
    v.lesson = lesson
    redis.call("HSET", key, fp, cjson.encode(v))
    redis.call("PEXPIRE", key, ttl)
    return {"refreshed", tostring(v.iat)}
  end
  redis.call("HDEL", key, fp)
end

if count < limit then
  redis.call("HSET", key, fp, cjson.encode({lesson = lesson, iat = now, exp = now + ttl}))
  redis.call("PEXPIRE", key, ttl)
  redis.call("SADD", index, learner)
  return {"registered", tostring(now)}
end

if evict then
  local evicted = redis.call("HGET", key, oldest_fp)
  redis.call("HDEL", key, oldest_fp)
  redis.call("HSET", key, fp, cjson.encode({lesson = lesson, iat = now, exp = now + ttl}))
  redis.call("PEXPIRE", key, ttl)
  return {"evicted", tostring(now), oldest_fp, evicted}
end

return {"capacity", tostring(count), tostring(oldest_iat)}
`)

// revokeScript removes one session, treating an already-expired field as
// absent so revocation of a dead session reports not-found.
var revokeScript = redis.NewScript(`
local key = KEYS[1]
local index = KEYS[2]
local now = tonumber(ARGV[1])
local fp = ARGV[2]
local learner = ARGV[3]

local existing = redis.call("HGET", key, fp)
if not existing then
  return 0
end
redis.call("HDEL", key, fp)
if redis.call("HLEN", key) == 0 then
  redis.call("SREM", index, learner)
end
local v = cjson.decode(existing)
if v.exp <= now then
  return 0
end
return 1
`)

// RedisStore is the shared registry backend for multi-instance deployments.
type RedisStore struct {
	client *redis.Client
	cfg    Config
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed registry.
func NewRedisStore(client *redis.Client, cfg Config) *RedisStore {
	return &RedisStore{
		client: client,
		cfg:    cfg,
		now:    time.Now,
	}
}

// SetClock overrides the time source. Test use only.
func (r *RedisStore) SetClock(now func() time.Time) {
	r.now = now
}

// sessionBlob is the JSON value stored per fingerprint.
type sessionBlob struct {
	Lesson string `json:"lesson"`
	IAT    int64  `json:"iat"` // unix ms
	EXP    int64  `json:"exp"` // unix ms
}

func (r *RedisStore) key(learnerID string) string {
	return learnerKeyPrefix + learnerID
}

// Register implements Store.
func (r *RedisStore) Register(ctx context.Context, learnerID, fingerprint, lessonID string) (*RegisterResult, error) {
	if learnerID == "" || fingerprint == "" {
		return nil, fmt.Errorf("register: learner and fingerprint are required")
	}

	now := r.now()
	evictFlag := "0"
	if r.cfg.Policy == EvictLRU {
		evictFlag = "1"
	}

	raw, err := registerScript.Run(ctx, r.client,
		[]string{r.key(learnerID), learnerIndexKey},
		now.UnixMilli(),
		r.cfg.TTL.Milliseconds(),
		r.cfg.DeviceLimit,
		fingerprint,
		lessonID,
		evictFlag,
		learnerID,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("register script: %w", err)
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) < 2 {
		return nil, fmt.Errorf("register script: unexpected reply %v", raw)
	}

	outcome, _ := reply[0].(string)
	switch outcome {
	case "refreshed", "registered", "evicted":
		iat := parseMilli(reply[1])
		result := &RegisterResult{
			Session: DeviceSession{
				LearnerID:   learnerID,
				Fingerprint: fingerprint,
				LessonID:    lessonID,
				IssuedAt:    iat,
				ExpiresAt:   now.Add(r.cfg.TTL),
			},
			Refreshed: outcome == "refreshed",
		}
		if outcome == "evicted" && len(reply) >= 4 {
			evictedFP, _ := reply[2].(string)
			if blob, ok := reply[3].(string); ok {
				var v sessionBlob
				if json.Unmarshal([]byte(blob), &v) == nil {
					result.Evicted = &DeviceSession{
						LearnerID:   learnerID,
						Fingerprint: evictedFP,
						LessonID:    v.Lesson,
						IssuedAt:    time.UnixMilli(v.IAT).UTC(),
						ExpiresAt:   time.UnixMilli(v.EXP).UTC(),
					}
				}
			}
		}
		return result, nil

	case "capacity":
		count := 0
		if s, ok := reply[1].(string); ok {
			fmt.Sscanf(s, "%d", &count)
		}
		capErr := &CapacityError{
			Limit:         r.cfg.DeviceLimit,
			ActiveDevices: count,
		}
		if len(reply) >= 3 {
			capErr.OldestIssuedAt = parseMilli(reply[2])
		}
		return nil, capErr

	default:
		return nil, fmt.Errorf("register script: unknown outcome %q", outcome)
	}
}

// parseMilli converts a Lua string reply holding unix milliseconds.
func parseMilli(v interface{}) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	var ms int64
	fmt.Sscanf(s, "%d", &ms)
	return time.UnixMilli(ms).UTC()
}

// Revoke implements Store.
func (r *RedisStore) Revoke(ctx context.Context, learnerID, fingerprint string) error {
	removed, err := revokeScript.Run(ctx, r.client,
		[]string{r.key(learnerID), learnerIndexKey},
		r.now().UnixMilli(),
		fingerprint,
		learnerID,
	).Int64()
	if err != nil {
		return fmt.Errorf("revoke script: %w", err)
	}
	if removed == 0 {
		return fmt.Errorf("revoke %s/%s: %w", learnerID, fingerprint, apierrors.ErrSessionNotFound)
	}
	return nil
}

// RevokeAll implements Store.
func (r *RedisStore) RevokeAll(ctx context.Context, learnerID string) (int, error) {
	sessions, err := r.Sessions(ctx, learnerID)
	if err != nil {
		return 0, err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key(learnerID))
	pipe.SRem(ctx, learnerIndexKey, learnerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("revoke all: %w", err)
	}
	return len(sessions), nil
}

// Sessions implements Store.
func (r *RedisStore) Sessions(ctx context.Context, learnerID string) ([]DeviceSession, error) {
	entries, err := r.client.HGetAll(ctx, r.key(learnerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("sessions: %w", err)
	}

	now := r.now()
	out := make([]DeviceSession, 0, len(entries))
	for fp, blob := range entries {
		var v sessionBlob
		if err := json.Unmarshal([]byte(blob), &v); err != nil {
			continue
		}
		sess := DeviceSession{
			LearnerID:   learnerID,
			Fingerprint: fp,
			LessonID:    v.Lesson,
			IssuedAt:    time.UnixMilli(v.IAT).UTC(),
			ExpiresAt:   time.UnixMilli(v.EXP).UTC(),
		}
		if sess.Live(now) {
			out = append(out, sess)
		}
	}
	return out, nil
}

// CountLive implements Store.
func (r *RedisStore) CountLive(ctx context.Context, learnerID string) (int, error) {
	sessions, err := r.Sessions(ctx, learnerID)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}

// Sweep implements Store.
func (r *RedisStore) Sweep(ctx context.Context) (int, error) {
	learners, err := r.client.SMembers(ctx, learnerIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}

	now := r.now().UnixMilli()
	removed := 0
	for _, learnerID := range learners {
		n, err := sweepScript.Run(ctx, r.client,
			[]string{r.key(learnerID), learnerIndexKey},
			now,
			learnerID,
		).Int64()
		if err != nil {
			return removed, fmt.Errorf("sweep %s: %w", learnerID, err)
		}
		removed += int(n)
	}
	return removed, nil
}

// sweepScript prunes one learner's expired sessions and drops the learner
// from the index when nothing remains.
var sweepScript = redis.NewScript(`
local key = KEYS[1]
local index = KEYS[2]
local now = tonumber(ARGV[1])
local learner = ARGV[2]

local entries = redis.call("HGETALL", key)
local removed = 0
for i = 1, #entries, 2 do
  local v = cjson.decode(entries[i + 1])
  if v.exp <= now then
    redis.call("HDEL", key, entries[i])
    removed = removed + 1
  end
end
if redis.call("HLEN", key) == 0 then
  redis.call("SREM", index, learner)
end
return removed
`)
