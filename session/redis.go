package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/agentstate/core"
	"github.com/hupe1980/agentstate/logging"
)

// RedisStore is a Redis-backed SessionService suitable for distributed
// deployments. Layout under the configured key prefix:
//
//	session:{app}:{user}:{id}  JSON session record (state + event log)
//	sessions:{app}:{user}      SET of session ids for List
//	userstate:{app}:{user}     HASH, field -> JSON value
//	appstate:{app}             HASH, field -> JSON value
//
// Every key embeds the owning (app[, user]) tuple, so cross-tenant reads are
// structurally impossible. temp:-scoped delta entries are applied only to
// the caller's live session and never written to Redis.
//
// Appends to one session are serialized by a per-triple local mutex; the
// store assumes a single logical owner per session (one process appends to a
// given session at a time), which matches the single-writer model of the
// core.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	opTimeout time.Duration
	logger    logging.Logger

	mu    sync.Mutex
	locks map[tripleKey]*sync.Mutex
}

// sessionRecord is the persisted JSON form of a session.
type sessionRecord struct {
	ID           string         `json:"id"`
	AppName      string         `json:"app_name"`
	UserID       string         `json:"user_id"`
	InvocationID string         `json:"invocation_id,omitempty"`
	State        map[string]any `json:"state"`
	Events       []core.Event   `json:"events"`
	LastUpdate   time.Time      `json:"last_update"`
}

// NewRedisStore connects to Redis and returns the store. The connection is
// verified with a bounded ping.
func NewRedisStore(cfg StoreConfig, logger logging.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := cfg.Redis.KeyPrefix
	if prefix == "" {
		prefix = "agentstate:"
	}
	timeout := cfg.OpTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &RedisStore{
		client:    client,
		keyPrefix: prefix,
		opTimeout: timeout,
		logger:    logger,
		locks:     make(map[tripleKey]*sync.Mutex),
	}, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error { return s.client.Close() }

// Ping checks store health.
func (s *RedisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *RedisStore) sessionKey(app, user, id string) string {
	return fmt.Sprintf("%ssession:%s:%s:%s", s.keyPrefix, app, user, id)
}

func (s *RedisStore) indexKey(app, user string) string {
	return fmt.Sprintf("%ssessions:%s:%s", s.keyPrefix, app, user)
}

func (s *RedisStore) userStateKey(app, user string) string {
	return fmt.Sprintf("%suserstate:%s:%s", s.keyPrefix, app, user)
}

func (s *RedisStore) appStateKey(app string) string {
	return fmt.Sprintf("%sappstate:%s", s.keyPrefix, app)
}

// sessionLock returns the append mutex for one triple, creating it lazily.
func (s *RedisStore) sessionLock(key tripleKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[key] = l
	return l
}

// bound wraps ctx with the configured operation timeout.
func (s *RedisStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// wrapErr maps deadline expiry to core.ErrTimeout and passes everything else
// through wrapped.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, core.ErrTimeout)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Create registers a new session. Uniqueness is enforced with SETNX so a
// racing create of the same triple deterministically fails with
// core.ErrAlreadyExists.
func (s *RedisStore) Create(ctx context.Context, appName, userID, sessionID string, initialState map[string]any) (*core.Session, error) {
	if err := core.ValidateDelta(initialState); err != nil {
		return nil, err
	}
	if sessionID == "" {
		sessionID = core.NewID()
	}
	sessionPart, userPart, appPart, err := splitInitialState(initialState)
	if err != nil {
		return nil, err
	}

	rec := sessionRecord{
		ID:         sessionID,
		AppName:    appName,
		UserID:     userID,
		State:      map[string]any{},
		Events:     []core.Event{},
		LastUpdate: time.Now().UTC(),
	}
	if len(sessionPart) > 0 {
		seed := core.NewStateEvent("", "system", sessionPart)
		rec.State = sessionPart
		rec.Events = append(rec.Events, seed)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	opCtx, cancel := s.bound(ctx)
	defer cancel()

	ok, err := s.client.SetNX(opCtx, s.sessionKey(appName, userID, sessionID), data, 0).Result()
	if err != nil {
		return nil, wrapErr("create session", err)
	}
	if !ok {
		return nil, fmt.Errorf("session %s/%s/%s: %w", appName, userID, sessionID, core.ErrAlreadyExists)
	}

	pipe := s.client.Pipeline()
	pipe.SAdd(opCtx, s.indexKey(appName, userID), sessionID)
	if err := s.writeShared(opCtx, pipe, appName, userID, userPart, appPart); err != nil {
		return nil, err
	}
	if _, err := pipe.Exec(opCtx); err != nil {
		return nil, wrapErr("create session", err)
	}

	s.logger.Debug("session created", "app_name", appName, "user_id", userID, "session_id", sessionID)
	return s.Get(ctx, appName, userID, sessionID)
}

// writeShared queues HSET commands for the user/app partitions with
// JSON-encoded values.
func (s *RedisStore) writeShared(ctx context.Context, pipe redis.Pipeliner, appName, userID string, userPart, appPart map[string]any) error {
	for k, v := range userPart {
		val, err := json.Marshal(v)
		if err != nil {
			return &core.SerializationError{Key: "user:" + k, Err: err}
		}
		pipe.HSet(ctx, s.userStateKey(appName, userID), k, val)
	}
	for k, v := range appPart {
		val, err := json.Marshal(v)
		if err != nil {
			return &core.SerializationError{Key: "app:" + k, Err: err}
		}
		pipe.HSet(ctx, s.appStateKey(appName), k, val)
	}
	return nil
}

// Get loads the session record and overlays the shared partitions.
func (s *RedisStore) Get(ctx context.Context, appName, userID, sessionID string) (*core.Session, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, s.sessionKey(appName, userID, sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("session %s/%s/%s: %w", appName, userID, sessionID, core.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("get session", err)
	}

	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}

	sess := core.Restore(appName, userID, sessionID, rec.State, rec.Events, rec.InvocationID, rec.LastUpdate)

	userPart, err := s.readHash(ctx, s.userStateKey(appName, userID))
	if err != nil {
		return nil, err
	}
	appPart, err := s.readHash(ctx, s.appStateKey(appName))
	if err != nil {
		return nil, err
	}
	sess.LoadShared(userPart, appPart)
	return sess, nil
}

func (s *RedisStore) readHash(ctx context.Context, key string) (map[string]any, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapErr("read state partition", err)
	}
	out := make(map[string]any, len(fields))
	for k, raw := range fields {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("decode state value %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// List resolves the membership set and loads each session. Ids whose record
// vanished between the two steps are skipped.
func (s *RedisStore) List(ctx context.Context, appName, userID string) ([]*core.Session, error) {
	listCtx, cancel := s.bound(ctx)
	defer cancel()

	ids, err := s.client.SMembers(listCtx, s.indexKey(appName, userID)).Result()
	if err != nil {
		return nil, wrapErr("list sessions", err)
	}
	out := make([]*core.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, appName, userID, id)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// Delete removes the session record and its index entry. Shared partitions
// survive.
func (s *RedisStore) Delete(ctx context.Context, appName, userID, sessionID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	removed, err := s.client.Del(ctx, s.sessionKey(appName, userID, sessionID)).Result()
	if err != nil {
		return wrapErr("delete session", err)
	}
	if removed == 0 {
		return fmt.Errorf("session %s/%s/%s: %w", appName, userID, sessionID, core.ErrNotFound)
	}
	if err := s.client.SRem(ctx, s.indexKey(appName, userID), sessionID).Err(); err != nil {
		return wrapErr("delete session", err)
	}
	s.logger.Debug("session deleted", "app_name", appName, "user_id", userID, "session_id", sessionID)
	return nil
}

// AppendEvent validates the delta, rewrites the persisted record (session
// partition + log), updates the shared partitions, and finally applies the
// event to the caller's live session. The per-triple mutex excludes
// concurrent appends so the read-modify-write of the record cannot
// interleave; a failed write leaves the record untouched.
func (s *RedisStore) AppendEvent(ctx context.Context, sess *core.Session, ev core.Event) (core.Event, error) {
	key := tripleKey{sess.AppName, sess.UserID, sess.ID}
	lock := s.sessionLock(key)
	lock.Lock()
	defer lock.Unlock()

	return s.appendLocked(ctx, key, sess, ev)
}

// AppendEventWith loads the latest committed state while holding the
// per-triple append lock, hands it to build, and commits the produced delta
// before releasing the lock. No concurrent append can interleave between
// the read and the commit.
func (s *RedisStore) AppendEventWith(ctx context.Context, sess *core.Session, invocationID, author string, build func(get func(key string) (any, bool)) map[string]any) (core.Event, error) {
	key := tripleKey{sess.AppName, sess.UserID, sess.ID}
	lock := s.sessionLock(key)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.Get(ctx, key.app, key.user, key.id)
	if err != nil {
		return core.Event{}, err
	}
	ev := core.NewEvent(invocationID, author)
	ev.Actions.StateDelta = build(current.GetState)

	return s.appendLocked(ctx, key, sess, ev)
}

// appendLocked performs the record rewrite; the caller holds the per-triple
// append lock.
func (s *RedisStore) appendLocked(ctx context.Context, key tripleKey, sess *core.Session, ev core.Event) (core.Event, error) {
	if err := core.ValidateDelta(ev.Actions.StateDelta); err != nil {
		return core.Event{}, err
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	raw, err := s.client.Get(ctx, s.sessionKey(key.app, key.user, key.id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.Event{}, fmt.Errorf("session %s/%s/%s: %w", key.app, key.user, key.id, core.ErrNotFound)
	}
	if err != nil {
		return core.Event{}, wrapErr("append event", err)
	}
	var rec sessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return core.Event{}, fmt.Errorf("unmarshal session: %w", err)
	}

	if ev.ID == "" {
		ev.ID = core.NewID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	var userPart, appPart map[string]any
	for rawKey, v := range ev.Actions.StateDelta {
		k := core.ParseKey(rawKey)
		switch k.Scope {
		case core.ScopeSession:
			if rec.State == nil {
				rec.State = map[string]any{}
			}
			rec.State[k.Key] = v
		case core.ScopeUser:
			if userPart == nil {
				userPart = map[string]any{}
			}
			userPart[k.Key] = v
		case core.ScopeApp:
			if appPart == nil {
				appPart = map[string]any{}
			}
			appPart[k.Key] = v
		case core.ScopeTemp:
			// Lives only in the caller's session; never persisted.
		}
	}
	rec.Events = append(rec.Events, ev)
	rec.LastUpdate = time.Now().UTC()
	if ev.InvocationID != "" {
		rec.InvocationID = ev.InvocationID
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return core.Event{}, fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(key.app, key.user, key.id), data, 0)
	if err := s.writeShared(ctx, pipe, key.app, key.user, userPart, appPart); err != nil {
		return core.Event{}, err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return core.Event{}, wrapErr("append event", err)
	}

	if _, err := sess.AppendEvent(ev); err != nil {
		return core.Event{}, err
	}
	return ev, nil
}
