package markstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"rollcall/internal/codec"
	"rollcall/pkg/types"
)

// DefaultKeyPrefix matches the key layout existing deployments already use.
const DefaultKeyPrefix = "attendance:session:"

// Options configures a RedisStore.
type Options struct {
	KeyPrefix string
	OpTimeout time.Duration
}

// Session hash fields read back in Go. The record is the encoded
// types.Session; sid and the owner fields are plain strings so scripts can
// compare them.
const (
	fieldRecord        = "record"
	fieldOwnerConn     = "owner_conn"
	fieldOwnerInstance = "owner_instance"
)

// openScript creates the session hash and indexes it only if no session
// exists. Marks and fences left by a crashed instance are dropped.
var openScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('DEL', KEYS[3], KEYS[4])
redis.call('HSET', KEYS[1], 'record', ARGV[1], 'sid', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
return 1
`)

// claimScript moves the teacher attachment and returns the previous holder.
var claimScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'sid') ~= ARGV[1] then
	return {0}
end
if redis.call('EXISTS', KEYS[2]) == 1 then
	return {-1}
end
local prev = redis.call('HMGET', KEYS[1], 'owner_conn', 'owner_instance')
redis.call('HSET', KEYS[1], 'owner_conn', ARGV[2], 'owner_instance', ARGV[3])
return {1, prev[1] or '', prev[2] or ''}
`)

// upsertScript writes a mark only for the fenced session incarnation, while
// no close is in progress and the writer still holds the teacher attachment.
var upsertScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'sid') ~= ARGV[1] then
	return 0
end
if redis.call('EXISTS', KEYS[3]) == 1 then
	return -1
end
if (redis.call('HGET', KEYS[1], 'owner_conn') or '') ~= ARGV[2] then
	return -2
end
redis.call('HSET', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// beginCloseScript takes the close fence with a lease. Re-entry by the same
// token refreshes the lease.
var beginCloseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'sid') ~= ARGV[1] then
	return 0
end
local held = redis.call('GET', KEYS[2])
if held and held ~= ARGV[2] then
	return -1
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

// abortCloseScript drops the fence only if token still holds it.
var abortCloseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// clearScript compare-and-deletes one session incarnation.
var clearScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'sid') ~= ARGV[1] then
	return 0
end
if (redis.call('GET', KEYS[3]) or '') ~= ARGV[2] then
	return -1
end
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3])
redis.call('SREM', KEYS[4], ARGV[3])
return 1
`)

// RedisStore is a StateStore shared by every coordinator instance
// ARCHITECTURAL DISCOVERY: Session hash, mark hash, close fence and the
// open-session index keep each operation O(1) except listing. Every write that
// must not outlive a session runs as a script comparing the session ID
type RedisStore struct {
	client    *redis.Client
	prefix    string
	opTimeout time.Duration
	logger    *slog.Logger
}

// Connect dials Redis and verifies the connection with PING.
func Connect(ctx context.Context, opts *redis.Options) (*redis.Client, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: redis ping %s: %v", types.ErrStoreUnavailable, opts.Addr, err)
	}
	return client, nil
}

// NewRedisStore wraps client. A nil logger discards output.
func NewRedisStore(client *redis.Client, opts Options, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 2 * time.Second
	}
	return &RedisStore{
		client:    client,
		prefix:    opts.KeyPrefix,
		opTimeout: opts.OpTimeout,
		logger:    logger,
	}
}

func (s *RedisStore) sessionKey(classID string) string { return s.prefix + classID }
func (s *RedisStore) marksKey(classID string) string   { return s.prefix + classID + ":marks" }
func (s *RedisStore) closingKey(classID string) string { return s.prefix + classID + ":closing" }
func (s *RedisStore) indexKey() string                 { return s.prefix + "open" }

// unavailable wraps any transport failure in the StoreUnavailable taxonomy.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", types.ErrStoreUnavailable, op, err)
}

// OpenSession records sess, failing with ErrAlreadyOpen across all instances.
func (s *RedisStore) OpenSession(ctx context.Context, sess types.Session) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	data, err := codec.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	created, err := openScript.Run(ctx, s.client,
		[]string{s.sessionKey(sess.ClassID), s.indexKey(), s.marksKey(sess.ClassID), s.closingKey(sess.ClassID)},
		data, sess.SessionID, sess.ClassID,
	).Int()
	if err != nil {
		return unavailable("open session", err)
	}
	if created == 0 {
		return types.ErrAlreadyOpen
	}
	return nil
}

// GetSession returns the open session or ErrNotFound.
func (s *RedisStore) GetSession(ctx context.Context, classID string) (*types.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, s.sessionKey(classID)).Result()
	if err != nil {
		return nil, unavailable("get session", err)
	}
	if len(fields) == 0 {
		return nil, types.ErrNotFound
	}
	return decodeSession(classID, fields)
}

// decodeSession rebuilds a Session from its hash fields.
func decodeSession(classID string, fields map[string]string) (*types.Session, error) {
	var sess types.Session
	if err := codec.Unmarshal([]byte(fields[fieldRecord]), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", classID, err)
	}
	sess.OwnerConn = fields[fieldOwnerConn]
	sess.OwnerInstance = fields[fieldOwnerInstance]
	return &sess, nil
}

// ClaimOwner moves the teacher attachment to owner.
func (s *RedisStore) ClaimOwner(ctx context.Context, classID, sessionID string, owner types.OwnerRef) (types.OwnerRef, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	reply, err := claimScript.Run(ctx, s.client,
		[]string{s.sessionKey(classID), s.closingKey(classID)},
		sessionID, owner.Conn, owner.Instance,
	).Slice()
	if err != nil {
		return types.OwnerRef{}, unavailable("claim owner", err)
	}

	status, _ := reply[0].(int64)
	switch status {
	case 0:
		return types.OwnerRef{}, types.ErrNotFound
	case -1:
		return types.OwnerRef{}, types.ErrSessionClosing
	}
	var prev types.OwnerRef
	if len(reply) == 3 {
		prev.Conn, _ = reply[1].(string)
		prev.Instance, _ = reply[2].(string)
	}
	return prev, nil
}

// UpsertMark stores mark, last write wins.
func (s *RedisStore) UpsertMark(ctx context.Context, classID string, fence types.Fence, mark types.AttendanceMark) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	data, err := codec.Marshal(mark)
	if err != nil {
		return fmt.Errorf("encode mark: %w", err)
	}

	written, err := upsertScript.Run(ctx, s.client,
		[]string{s.sessionKey(classID), s.marksKey(classID), s.closingKey(classID)},
		fence.SessionID, fence.OwnerConn, mark.StudentID, data,
	).Int()
	if err != nil {
		return unavailable("upsert mark", err)
	}
	switch written {
	case 0:
		return types.ErrNotFound
	case -1:
		return types.ErrSessionClosing
	case -2:
		return types.ErrOwnerMoved
	}
	return nil
}

// GetMark returns a single student's mark.
func (s *RedisStore) GetMark(ctx context.Context, classID, studentID string) (types.AttendanceMark, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	data, err := s.client.HGet(ctx, s.marksKey(classID), studentID).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.AttendanceMark{}, false, nil
	}
	if err != nil {
		return types.AttendanceMark{}, false, unavailable("get mark", err)
	}

	var mark types.AttendanceMark
	if err := codec.Unmarshal(data, &mark); err != nil {
		return types.AttendanceMark{}, false, fmt.Errorf("decode mark %s/%s: %w", classID, studentID, err)
	}
	return mark, true, nil
}

// GetAllMarks returns every mark of the session.
func (s *RedisStore) GetAllMarks(ctx context.Context, classID string) (types.FinalAttendanceMap, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	raw, err := s.client.HGetAll(ctx, s.marksKey(classID)).Result()
	if err != nil {
		return nil, unavailable("get all marks", err)
	}

	marks := make(types.FinalAttendanceMap, len(raw))
	for studentID, data := range raw {
		var mark types.AttendanceMark
		if err := codec.Unmarshal([]byte(data), &mark); err != nil {
			return nil, fmt.Errorf("decode mark %s/%s: %w", classID, studentID, err)
		}
		marks[studentID] = mark
	}
	return marks, nil
}

// BeginClose takes the close fence for token with a lease.
func (s *RedisStore) BeginClose(ctx context.Context, classID, sessionID, token string, lease time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	taken, err := beginCloseScript.Run(ctx, s.client,
		[]string{s.sessionKey(classID), s.closingKey(classID)},
		sessionID, token, lease.Milliseconds(),
	).Int()
	if err != nil {
		return unavailable("begin close", err)
	}
	switch taken {
	case 0:
		return types.ErrNotFound
	case -1:
		return types.ErrSessionClosing
	}
	return nil
}

// AbortClose releases token's fence.
func (s *RedisStore) AbortClose(ctx context.Context, classID, token string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := abortCloseScript.Run(ctx, s.client, []string{s.closingKey(classID)}, token).Err(); err != nil {
		return unavailable("abort close", err)
	}
	return nil
}

// ClearSession deletes the session hash, its marks, its fence and its index
// entry, only while sessionID is open and token holds the fence.
func (s *RedisStore) ClearSession(ctx context.Context, classID, sessionID, token string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	cleared, err := clearScript.Run(ctx, s.client,
		[]string{s.sessionKey(classID), s.marksKey(classID), s.closingKey(classID), s.indexKey()},
		sessionID, token, classID,
	).Int()
	if err != nil {
		return unavailable("clear session", err)
	}
	switch cleared {
	case 0:
		return types.ErrNotFound
	case -1:
		return types.ErrSessionClosing
	}
	return nil
}

// ListSessions returns every open session ordered by class ID. Index entries
// whose session record has disappeared are pruned.
func (s *RedisStore) ListSessions(ctx context.Context) ([]types.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	classIDs, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, unavailable("list sessions", err)
	}
	if len(classIDs) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(classIDs))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range classIDs {
			cmds[i] = pipe.HGetAll(ctx, s.sessionKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("list sessions", err)
	}

	sessions := make([]types.Session, 0, len(classIDs))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			s.logger.Debug("pruning stale session index entry", "class_id", classIDs[i])
			s.client.SRem(ctx, s.indexKey(), classIDs[i])
			continue
		}
		sess, err := decodeSession(classIDs[i], fields)
		if err != nil {
			s.logger.Warn("skipping undecodable session", "class_id", classIDs[i], "error", err)
			continue
		}
		sessions = append(sessions, *sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ClassID < sessions[j].ClassID
	})
	return sessions, nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}
