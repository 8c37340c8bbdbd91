package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key the Redis store writes
const DefaultRedisPrefix = "sessiongate:"

// Records outlive their expiry by this much so the sweeper, not Redis
// eviction, is what normally removes them.
const redisGrace = time.Hour

// KEYS: rec, sid index, subject set, expiry zset
// ARGV: key, subject, sid, app, ticket, created, renewed, expires, ttl ms, zset member
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
if ARGV[3] ~= '' and redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'app', ARGV[4], 'key', ARGV[1], 'subject_id', ARGV[2], 'session_id', ARGV[3],
	'ticket', ARGV[5], 'created', ARGV[6], 'renewed', ARGV[7], 'expires', ARGV[8])
redis.call('PEXPIRE', KEYS[1], ARGV[9])
if ARGV[3] ~= '' then
	redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[9])
end
redis.call('SADD', KEYS[3], ARGV[1])
if redis.call('PTTL', KEYS[3]) < tonumber(ARGV[9]) then
	redis.call('PEXPIRE', KEYS[3], ARGV[9])
end
redis.call('ZADD', KEYS[4], ARGV[8], ARGV[10])
return 1
`)

// KEYS: rec, expiry zset
// ARGV: ticket, expires, renewed, ttl ms, zset member, sid index prefix,
// subject set prefix
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'ticket', ARGV[1], 'expires', ARGV[2], 'renewed', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
local fields = redis.call('HMGET', KEYS[1], 'subject_id', 'session_id', 'key')
local sub, sid, key = fields[1], fields[2], fields[3]
if sid and sid ~= '' then
	redis.call('PEXPIRE', ARGV[6] .. sid, ARGV[4])
end
if sub and sub ~= '' and key then
	local subKey = ARGV[7] .. sub
	redis.call('SADD', subKey, key)
	if redis.call('PTTL', subKey) < tonumber(ARGV[4]) then
		redis.call('PEXPIRE', subKey, ARGV[4])
	end
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[5])
return 1
`)

// KEYS: rec, expiry zset
// ARGV: key, sid index prefix, subject set prefix, zset member, expected
// subject, expired-at-or-before ms (both optional)
var deleteScript = redis.NewScript(`
local fields = redis.call('HMGET', KEYS[1], 'subject_id', 'session_id', 'expires')
local sub, sid, exp = fields[1], fields[2], fields[3]
if not sub then
	redis.call('ZREM', KEYS[2], ARGV[4])
	return 0
end
if ARGV[5] ~= '' and sub ~= ARGV[5] then
	return 0
end
if ARGV[6] ~= '' and tonumber(exp) > tonumber(ARGV[6]) then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[4])
if sid and sid ~= '' then
	local owner = redis.call('GET', ARGV[2] .. sid)
	if owner == ARGV[1] then
		redis.call('DEL', ARGV[2] .. sid)
	end
end
redis.call('SREM', ARGV[3] .. sub, ARGV[1])
return 1
`)

// RedisStore keeps session records as Redis hashes. Lua scripts make each
// write atomic across the record and its index entries.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis-backed store. An empty prefix uses
// DefaultRedisPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) recKey(app, key string) string { return s.prefix + "rec:" + app + ":" + key }
func (s *RedisStore) sidPrefix(app string) string   { return s.prefix + "sid:" + app + ":" }
func (s *RedisStore) subPrefix(app string) string   { return s.prefix + "sub:" + app + ":" }
func (s *RedisStore) expKey() string                { return s.prefix + "exp" }

// zset members carry both parts of the record address
func expMember(app, key string) string { return app + "\n" + key }

func splitMember(member string) (app, key string, ok bool) {
	return strings.Cut(member, "\n")
}

func ttlFor(expires, now time.Time) time.Duration {
	ttl := expires.Sub(now) + redisGrace
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// Create inserts a new record
func (s *RedisStore) Create(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	now := time.Now()
	created := rec.Created
	if created.IsZero() {
		created = now
	}
	renewed := rec.Renewed
	if renewed.IsZero() {
		renewed = created
	}

	app := rec.ApplicationName
	keys := []string{
		s.recKey(app, rec.Key),
		s.sidPrefix(app) + rec.SessionID,
		s.subPrefix(app) + rec.SubjectID,
		s.expKey(),
	}
	ok, err := createScript.Run(ctx, s.client, keys,
		rec.Key, rec.SubjectID, rec.SessionID, app, rec.Ticket,
		created.UnixMilli(), renewed.UnixMilli(), rec.Expires.UnixMilli(),
		ttlFor(rec.Expires, now).Milliseconds(), expMember(app, rec.Key),
	).Int()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if ok == 0 {
		return ErrConflict
	}
	return nil
}

// Get returns the record for key
func (s *RedisStore) Get(ctx context.Context, applicationName, key string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recKey(applicationName, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	rec := &Record{
		ApplicationName: applicationName,
		Key:             key,
		SubjectID:       fields["subject_id"],
		SessionID:       fields["session_id"],
		Ticket:          []byte(fields["ticket"]),
	}
	if rec.Created, err = parseMillis(fields["created"]); err != nil {
		return nil, fmt.Errorf("get session: created: %w", err)
	}
	if rec.Renewed, err = parseMillis(fields["renewed"]); err != nil {
		return nil, fmt.Errorf("get session: renewed: %w", err)
	}
	if rec.Expires, err = parseMillis(fields["expires"]); err != nil {
		return nil, fmt.Errorf("get session: expires: %w", err)
	}
	return rec, nil
}

// UpdateTicket replaces the ticket and expiry of an existing record
func (s *RedisStore) UpdateTicket(ctx context.Context, applicationName, key string, ticket []byte, expires time.Time) error {
	now := time.Now()
	ok, err := updateScript.Run(ctx, s.client,
		[]string{s.recKey(applicationName, key), s.expKey()},
		ticket, expires.UnixMilli(), now.UnixMilli(),
		ttlFor(expires, now).Milliseconds(), expMember(applicationName, key),
		s.sidPrefix(applicationName), s.subPrefix(applicationName),
	).Int()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if ok == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByKey removes a record
func (s *RedisStore) DeleteByKey(ctx context.Context, applicationName, key string) error {
	_, err := s.delete(ctx, applicationName, key, "", "")
	return err
}

// DeleteBySubjectAndSession removes the subject's records for an IdP session
func (s *RedisStore) DeleteBySubjectAndSession(ctx context.Context, applicationName, subjectID, sessionID string) (int, error) {
	if sessionID != "" {
		key, err := s.client.Get(ctx, s.sidPrefix(applicationName)+sessionID).Result()
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("lookup session id: %w", err)
		}
		deleted, err := s.delete(ctx, applicationName, key, subjectID, "")
		if err != nil || !deleted {
			return 0, err
		}
		return 1, nil
	}

	subKey := s.subPrefix(applicationName) + subjectID
	keys, err := s.client.SMembers(ctx, subKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list subject sessions: %w", err)
	}

	var count int
	for _, key := range keys {
		deleted, err := s.delete(ctx, applicationName, key, subjectID, "")
		if err != nil {
			return count, err
		}
		if deleted {
			count++
		} else {
			// record already gone through TTL, drop the dangling member
			s.client.SRem(ctx, subKey, key)
		}
	}
	return count, nil
}

// SweepExpired removes expired records
func (s *RedisStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	members, err := s.client.ZRangeByScore(ctx, s.expKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}

	cutoff := strconv.FormatInt(now.UnixMilli(), 10)
	var count int
	for _, member := range members {
		app, key, ok := splitMember(member)
		if !ok {
			s.client.ZRem(ctx, s.expKey(), member)
			continue
		}
		deleted, err := s.delete(ctx, app, key, "", cutoff)
		if err != nil {
			return count, err
		}
		if deleted {
			count++
		}
	}
	return count, nil
}

func (s *RedisStore) delete(ctx context.Context, app, key, expectedSubject, expiredBy string) (bool, error) {
	n, err := deleteScript.Run(ctx, s.client,
		[]string{s.recKey(app, key), s.expKey()},
		key, s.sidPrefix(app), s.subPrefix(app), expMember(app, key), expectedSubject, expiredBy,
	).Int()
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return n == 1, nil
}

func parseMillis(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
