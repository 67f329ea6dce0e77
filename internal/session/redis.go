package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bogdan-velicu/MeetUp/internal/geo"
)

const (
	// SessionPrefix is the Redis key prefix for session hashes.
	SessionPrefix = "shake:session:"

	// UserPrefix maps a user id to that user's most recent session id.
	UserPrefix = "shake:user:"

	// LiveKey is a sorted set of active session ids scored by expires_at (ms).
	LiveKey = "shake:live"
)

// RedisStore keeps shake sessions in Redis hashes. Session hashes have no TTL
// so matched and expired sessions remain available for history; the live
// index is pruned as sessions leave the active state. Every state transition
// runs as a single Lua script.
type RedisStore struct {
	rdb           *redis.Client
	createScript  *redis.Script
	claimScript   *redis.Script
	commitScript  *redis.Script
	releaseScript *redis.Script
	expireScript  *redis.Script
}

// NewRedisStore creates a session store backed by the given Redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{
		rdb:           rdb,
		createScript:  redis.NewScript(createOrGetLua),
		claimScript:   redis.NewScript(claimPairLua),
		commitScript:  redis.NewScript(commitPairLua),
		releaseScript: redis.NewScript(releasePairLua),
		expireScript:  redis.NewScript(expireLua),
	}
}

func sessionKey(id string) string { return SessionPrefix + id }

func userKey(userID int64) string { return UserPrefix + strconv.FormatInt(userID, 10) }

func (r *RedisStore) CreateOrGetActive(ctx context.Context, userID int64, loc geo.Point, accuracy *float64, ttl time.Duration, now time.Time) (*Session, bool, error) {
	acc := ""
	if accuracy != nil {
		acc = strconv.FormatFloat(*accuracy, 'f', -1, 64)
	}

	res, err := r.createScript.Run(ctx, r.rdb,
		[]string{userKey(userID), LiveKey},
		uuid.NewString(),
		userID,
		int64(loc.Lat),
		int64(loc.Lon),
		acc,
		now.UnixMilli(),
		now.Add(ttl).UnixMilli(),
		SessionPrefix,
	).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("session: create or get active: %w", err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("session: create or get active: unexpected reply %v", res)
	}

	id, _ := res[0].(string)
	created, _ := res[1].(int64)

	s, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if s == nil {
		return nil, false, fmt.Errorf("session: %s vanished after create", id)
	}
	return s, created == 1, nil
}

func (r *RedisStore) GetActive(ctx context.Context, userID int64, now time.Time) (*Session, error) {
	s, err := r.Latest(ctx, userID)
	if err != nil || s == nil {
		return nil, err
	}
	if !s.Live(now) {
		return nil, nil
	}
	return s, nil
}

func (r *RedisStore) GetByID(ctx context.Context, id string) (*Session, error) {
	result, err := r.rdb.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", id, err)
	}
	if len(result) == 0 {
		return nil, nil
	}
	return parseHash(result)
}

func (r *RedisStore) Latest(ctx context.Context, userID int64) (*Session, error) {
	id, err := r.rdb.Get(ctx, userKey(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: latest for user %d: %w", userID, err)
	}
	return r.GetByID(ctx, id)
}

func (r *RedisStore) ListFresh(ctx context.Context, box geo.Box, since, now time.Time) ([]*Session, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, LiveKey, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("session: list live: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("session: load live: %w", err)
	}

	var out []*Session
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		s, err := parseHash(fields)
		if err != nil {
			return nil, err
		}
		if !s.Available(now) || s.CreatedAt.Before(since) || !box.Contains(s.Location) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *RedisStore) Claim(ctx context.Context, a, b, token string, until, now time.Time) error {
	if a == b {
		return ErrSamePair
	}
	ok, err := r.claimScript.Run(ctx, r.rdb,
		[]string{sessionKey(a), sessionKey(b)},
		token, until.UnixMilli(), now.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("session: claim: %w", err)
	}
	if ok != 1 {
		return ErrRaceLost
	}
	return nil
}

func (r *RedisStore) Commit(ctx context.Context, a, b, token string, meetingID int64, at time.Time) error {
	if a == b {
		return ErrSamePair
	}
	if token == "" {
		return ErrClaimLost
	}
	ok, err := r.commitScript.Run(ctx, r.rdb,
		[]string{sessionKey(a), sessionKey(b), LiveKey},
		token, meetingID, at.UnixMilli(), a, b,
	).Int()
	if err != nil {
		return fmt.Errorf("session: commit: %w", err)
	}
	if ok != 1 {
		return ErrClaimLost
	}
	return nil
}

func (r *RedisStore) Release(ctx context.Context, a, b, token string) error {
	err := r.releaseScript.Run(ctx, r.rdb,
		[]string{sessionKey(a), sessionKey(b)}, token,
	).Err()
	if err != nil {
		return fmt.Errorf("session: release: %w", err)
	}
	return nil
}

func (r *RedisStore) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	nowMs := now.UnixMilli()
	ids, err := r.rdb.ZRangeByScore(ctx, LiveKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(nowMs, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("session: list due: %w", err)
	}

	expired := 0
	for _, id := range ids {
		n, err := r.expireScript.Run(ctx, r.rdb,
			[]string{sessionKey(id), LiveKey}, nowMs, id,
		).Int()
		if err != nil {
			return expired, fmt.Errorf("session: expire %s: %w", id, err)
		}
		expired += n
	}
	return expired, nil
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	return r.rdb.Close()
}

func parseHash(h map[string]string) (*Session, error) {
	userID, err := strconv.ParseInt(h["user_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("session: %s: bad user_id: %w", h["id"], err)
	}
	lat, _ := strconv.ParseInt(h["lat"], 10, 64)
	lon, _ := strconv.ParseInt(h["lon"], 10, 64)

	s := &Session{
		ID:        h["id"],
		UserID:    userID,
		Location:  geo.Point{Lat: geo.Degrees(lat), Lon: geo.Degrees(lon)},
		CreatedAt: msTime(h["created_at"]),
		ExpiresAt: msTime(h["expires_at"]),
		Status:    Status(h["status"]),
	}
	if v := h["accuracy"]; v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.Accuracy = &f
		}
	}
	if s.Status == StatusMatched {
		s.MatchedUserID, _ = strconv.ParseInt(h["matched_user_id"], 10, 64)
		s.MeetingID, _ = strconv.ParseInt(h["meeting_id"], 10, 64)
		s.MatchedAt = msTime(h["matched_at"])
	}
	if tok := h["claim_token"]; tok != "" {
		s.ClaimToken = tok
		s.ClaimedUntil = msTime(h["claimed_until"])
	}
	return s, nil
}

func msTime(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// createOrGetLua returns the user's live session id, or creates a new session
// hash, points the user key at it and adds it to the live index.
// Reply: {session_id, created (0|1)}.
const createOrGetLua = `
local user_key = KEYS[1]
local live_key = KEYS[2]
local now = tonumber(ARGV[6])
local prefix = ARGV[8]

local current = redis.call('GET', user_key)
if current then
    local skey = prefix .. current
    local status = redis.call('HGET', skey, 'status')
    local expires = tonumber(redis.call('HGET', skey, 'expires_at') or '0') or 0
    if status == 'active' and expires > now then
        return {current, 0}
    end
end

local skey = prefix .. ARGV[1]
redis.call('HSET', skey,
    'id', ARGV[1],
    'user_id', ARGV[2],
    'lat', ARGV[3],
    'lon', ARGV[4],
    'accuracy', ARGV[5],
    'created_at', ARGV[6],
    'expires_at', ARGV[7],
    'status', 'active',
    'matched_user_id', '',
    'matched_at', '',
    'meeting_id', '',
    'claim_token', '',
    'claimed_until', '0')
redis.call('SET', user_key, ARGV[1])
redis.call('ZADD', live_key, ARGV[7], ARGV[1])
return {ARGV[1], 1}
`

// claimPairLua claims both sessions under one token, or neither.
//
//	1 = claimed
//	0 = a session is missing, not active, expired or already claimed
const claimPairLua = `
local token = ARGV[1]
local until_ms = ARGV[2]
local now = tonumber(ARGV[3])

local function num(key, field)
    return tonumber(redis.call('HGET', key, field) or '0') or 0
end

for i = 1, 2 do
    local key = KEYS[i]
    if redis.call('HGET', key, 'status') ~= 'active' then return 0 end
    if num(key, 'expires_at') <= now then return 0 end
    local held = redis.call('HGET', key, 'claim_token')
    if held and held ~= '' and num(key, 'claimed_until') > now then return 0 end
end

for i = 1, 2 do
    redis.call('HSET', KEYS[i], 'claim_token', token, 'claimed_until', until_ms)
end
return 1
`

// commitPairLua marks both claimed sessions matched to each other.
//
//	1 = committed
//	0 = claim no longer held on both sessions
const commitPairLua = `
local token = ARGV[1]

for i = 1, 2 do
    if redis.call('HGET', KEYS[i], 'status') ~= 'active' then return 0 end
    if redis.call('HGET', KEYS[i], 'claim_token') ~= token then return 0 end
end

local user_a = redis.call('HGET', KEYS[1], 'user_id')
local user_b = redis.call('HGET', KEYS[2], 'user_id')

redis.call('HSET', KEYS[1], 'status', 'matched', 'matched_user_id', user_b,
    'matched_at', ARGV[3], 'meeting_id', ARGV[2], 'claim_token', '', 'claimed_until', '0')
redis.call('HSET', KEYS[2], 'status', 'matched', 'matched_user_id', user_a,
    'matched_at', ARGV[3], 'meeting_id', ARGV[2], 'claim_token', '', 'claimed_until', '0')
redis.call('ZREM', KEYS[3], ARGV[4], ARGV[5])
return 1
`

// releasePairLua drops the claim on each session still held under the token.
const releasePairLua = `
for i = 1, 2 do
    if redis.call('HGET', KEYS[i], 'claim_token') == ARGV[1]
        and redis.call('HGET', KEYS[i], 'status') == 'active' then
        redis.call('HSET', KEYS[i], 'claim_token', '', 'claimed_until', '0')
    end
end
return 1
`

// expireLua expires one due, unclaimed session and drops it from the live
// index. Sessions that already left the active state are only unindexed.
const expireLua = `
local key = KEYS[1]
local now = tonumber(ARGV[1])

local function num(field)
    return tonumber(redis.call('HGET', key, field) or '0') or 0
end

if redis.call('HGET', key, 'status') ~= 'active' then
    redis.call('ZREM', KEYS[2], ARGV[2])
    return 0
end
if num('expires_at') > now then return 0 end
local held = redis.call('HGET', key, 'claim_token')
if held and held ~= '' and num('claimed_until') > now then return 0 end

redis.call('HSET', key, 'status', 'expired', 'claim_token', '', 'claimed_until', '0')
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`
