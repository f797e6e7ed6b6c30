package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hupe1980/agentstate/core"
	"github.com/hupe1980/agentstate/logging"
)

// SessionRow is the persisted form of one session. State and Events are
// JSON-encoded text columns; the composite primary key carries the full
// tuple so lookups cannot cross tenants.
type SessionRow struct {
	AppName      string    `gorm:"primaryKey;size:128"`
	UserID       string    `gorm:"primaryKey;size:128"`
	SessionID    string    `gorm:"primaryKey;size:128"`
	InvocationID string    `gorm:"size:128"`
	State        string    `gorm:"type:text"`
	Events       string    `gorm:"type:text"`
	LastUpdate   time.Time `gorm:"index"`
}

// TableName maps SessionRow to the sessions table.
func (SessionRow) TableName() string { return "sessions" }

// UserStateRow is one user-scoped key/value pair, shared by all sessions of
// the (app, user) pair.
type UserStateRow struct {
	AppName string `gorm:"primaryKey;size:128"`
	UserID  string `gorm:"primaryKey;size:128"`
	Key     string `gorm:"primaryKey;size:256"`
	Value   string `gorm:"type:text"`
}

// TableName maps UserStateRow to the user_state table.
func (UserStateRow) TableName() string { return "user_state" }

// AppStateRow is one app-scoped key/value pair, shared by all users of the
// app.
type AppStateRow struct {
	AppName string `gorm:"primaryKey;size:128"`
	Key     string `gorm:"primaryKey;size:256"`
	Value   string `gorm:"type:text"`
}

// TableName maps AppStateRow to the app_state table.
func (AppStateRow) TableName() string { return "app_state" }

// GormStore is a SessionService backed by a relational database through
// GORM. Any dialector works; the factory opens SQLite. The temp: scope is
// never written to the database.
type GormStore struct {
	db        *gorm.DB
	opTimeout time.Duration
	logger    logging.Logger

	mu    sync.Mutex
	locks map[tripleKey]*sync.Mutex
}

// NewGormStore migrates the schema and returns the store.
func NewGormStore(db *gorm.DB, cfg StoreConfig, logger logging.Logger) (*GormStore, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if err := db.AutoMigrate(&SessionRow{}, &UserStateRow{}, &AppStateRow{}); err != nil {
		return nil, fmt.Errorf("migrate session schema: %w", err)
	}
	timeout := cfg.OpTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GormStore{db: db, opTimeout: timeout, logger: logger, locks: make(map[tripleKey]*sync.Mutex)}, nil
}

func (s *GormStore) sessionLock(key tripleKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[key] = l
	return l
}

func (s *GormStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func encodeRow(appName, userID, sessionID, invocationID string, state map[string]any, events []core.Event, lastUpdate time.Time) (*SessionRow, error) {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("marshal events: %w", err)
	}
	return &SessionRow{
		AppName:      appName,
		UserID:       userID,
		SessionID:    sessionID,
		InvocationID: invocationID,
		State:        string(stateJSON),
		Events:       string(eventsJSON),
		LastUpdate:   lastUpdate,
	}, nil
}

func decodeRow(row *SessionRow) (map[string]any, []core.Event, error) {
	state := map[string]any{}
	if row.State != "" {
		if err := json.Unmarshal([]byte(row.State), &state); err != nil {
			return nil, nil, fmt.Errorf("unmarshal state: %w", err)
		}
	}
	var events []core.Event
	if row.Events != "" {
		if err := json.Unmarshal([]byte(row.Events), &events); err != nil {
			return nil, nil, fmt.Errorf("unmarshal events: %w", err)
		}
	}
	return state, events, nil
}

// Create inserts the session row; a primary key conflict maps to
// core.ErrAlreadyExists. Shared initial-state entries are upserted into
// their partition tables in the same transaction.
func (s *GormStore) Create(ctx context.Context, appName, userID, sessionID string, initialState map[string]any) (*core.Session, error) {
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

	var events []core.Event
	if len(sessionPart) > 0 {
		events = append(events, core.NewStateEvent("", "system", sessionPart))
	}
	row, err := encodeRow(appName, userID, sessionID, "", sessionPart, events, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	opCtx, cancel := s.bound(ctx)
	defer cancel()

	err = s.db.WithContext(opCtx).Transaction(func(tx *gorm.DB) error {
		var existing SessionRow
		res := tx.Where("app_name = ? AND user_id = ? AND session_id = ?", appName, userID, sessionID).Limit(1).Find(&existing)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return core.ErrAlreadyExists
		}
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		return s.upsertShared(tx, appName, userID, userPart, appPart)
	})
	if err != nil {
		if errors.Is(err, core.ErrAlreadyExists) {
			return nil, fmt.Errorf("session %s/%s/%s: %w", appName, userID, sessionID, core.ErrAlreadyExists)
		}
		return nil, wrapErr("create session", err)
	}

	s.logger.Debug("session created", "app_name", appName, "user_id", userID, "session_id", sessionID)
	return s.Get(ctx, appName, userID, sessionID)
}

func (s *GormStore) upsertShared(tx *gorm.DB, appName, userID string, userPart, appPart map[string]any) error {
	for k, v := range userPart {
		val, err := json.Marshal(v)
		if err != nil {
			return &core.SerializationError{Key: "user:" + k, Err: err}
		}
		row := UserStateRow{AppName: appName, UserID: userID, Key: k, Value: string(val)}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return err
		}
	}
	for k, v := range appPart {
		val, err := json.Marshal(v)
		if err != nil {
			return &core.SerializationError{Key: "app:" + k, Err: err}
		}
		row := AppStateRow{AppName: appName, Key: k, Value: string(val)}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

// Get loads the session row plus its shared partitions.
func (s *GormStore) Get(ctx context.Context, appName, userID, sessionID string) (*core.Session, error) {
	opCtx, cancel := s.bound(ctx)
	defer cancel()

	var row SessionRow
	err := s.db.WithContext(opCtx).
		Where("app_name = ? AND user_id = ? AND session_id = ?", appName, userID, sessionID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("session %s/%s/%s: %w", appName, userID, sessionID, core.ErrNotFound)
	}
	if err != nil {
		return nil, wrapErr("get session", err)
	}

	state, events, err := decodeRow(&row)
	if err != nil {
		return nil, err
	}
	sess := core.Restore(appName, userID, sessionID, state, events, row.InvocationID, row.LastUpdate)

	userPart, appPart, err := s.loadShared(opCtx, appName, userID)
	if err != nil {
		return nil, err
	}
	sess.LoadShared(userPart, appPart)
	return sess, nil
}

func (s *GormStore) loadShared(ctx context.Context, appName, userID string) (map[string]any, map[string]any, error) {
	var userRows []UserStateRow
	if err := s.db.WithContext(ctx).Where("app_name = ? AND user_id = ?", appName, userID).Find(&userRows).Error; err != nil {
		return nil, nil, wrapErr("load user state", err)
	}
	var appRows []AppStateRow
	if err := s.db.WithContext(ctx).Where("app_name = ?", appName).Find(&appRows).Error; err != nil {
		return nil, nil, wrapErr("load app state", err)
	}

	userPart := make(map[string]any, len(userRows))
	for _, r := range userRows {
		var v any
		if err := json.Unmarshal([]byte(r.Value), &v); err != nil {
			return nil, nil, fmt.Errorf("decode user state %q: %w", r.Key, err)
		}
		userPart[r.Key] = v
	}
	appPart := make(map[string]any, len(appRows))
	for _, r := range appRows {
		var v any
		if err := json.Unmarshal([]byte(r.Value), &v); err != nil {
			return nil, nil, fmt.Errorf("decode app state %q: %w", r.Key, err)
		}
		appPart[r.Key] = v
	}
	return userPart, appPart, nil
}

// List returns all sessions of the (app, user) pair.
func (s *GormStore) List(ctx context.Context, appName, userID string) ([]*core.Session, error) {
	opCtx, cancel := s.bound(ctx)
	defer cancel()

	var rows []SessionRow
	if err := s.db.WithContext(opCtx).Where("app_name = ? AND user_id = ?", appName, userID).Find(&rows).Error; err != nil {
		return nil, wrapErr("list sessions", err)
	}

	userPart, appPart, err := s.loadShared(opCtx, appName, userID)
	if err != nil {
		return nil, err
	}

	out := make([]*core.Session, 0, len(rows))
	for i := range rows {
		state, events, err := decodeRow(&rows[i])
		if err != nil {
			return nil, err
		}
		sess := core.Restore(appName, userID, rows[i].SessionID, state, events, rows[i].InvocationID, rows[i].LastUpdate)
		sess.LoadShared(userPart, appPart)
		out = append(out, sess)
	}
	return out, nil
}

// Delete removes the session row only; user_state and app_state rows are
// owned at a coarser granularity and survive.
func (s *GormStore) Delete(ctx context.Context, appName, userID, sessionID string) error {
	opCtx, cancel := s.bound(ctx)
	defer cancel()

	res := s.db.WithContext(opCtx).
		Where("app_name = ? AND user_id = ? AND session_id = ?", appName, userID, sessionID).
		Delete(&SessionRow{})
	if res.Error != nil {
		return wrapErr("delete session", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session %s/%s/%s: %w", appName, userID, sessionID, core.ErrNotFound)
	}
	s.logger.Debug("session deleted", "app_name", appName, "user_id", userID, "session_id", sessionID)
	return nil
}

// AppendEvent applies the event inside one transaction: session row rewrite
// plus shared partition upserts commit together or not at all. The
// per-triple mutex serializes appends to one session.
func (s *GormStore) AppendEvent(ctx context.Context, sess *core.Session, ev core.Event) (core.Event, error) {
	key := tripleKey{sess.AppName, sess.UserID, sess.ID}
	lock := s.sessionLock(key)
	lock.Lock()
	defer lock.Unlock()

	return s.appendLocked(ctx, key, sess, ev)
}

// AppendEventWith loads the latest committed state while holding the
// per-triple append lock, hands it to build, and commits the produced delta
// before releasing the lock.
func (s *GormStore) AppendEventWith(ctx context.Context, sess *core.Session, invocationID, author string, build func(get func(key string) (any, bool)) map[string]any) (core.Event, error) {
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

// appendLocked performs the transactional rewrite; the caller holds the
// per-triple append lock.
func (s *GormStore) appendLocked(ctx context.Context, key tripleKey, sess *core.Session, ev core.Event) (core.Event, error) {
	if err := core.ValidateDelta(ev.Actions.StateDelta); err != nil {
		return core.Event{}, err
	}

	if ev.ID == "" {
		ev.ID = core.NewID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	opCtx, cancel := s.bound(ctx)
	defer cancel()

	err := s.db.WithContext(opCtx).Transaction(func(tx *gorm.DB) error {
		var row SessionRow
		err := tx.Where("app_name = ? AND user_id = ? AND session_id = ?", key.app, key.user, key.id).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return core.ErrNotFound
		}
		if err != nil {
			return err
		}

		state, events, err := decodeRow(&row)
		if err != nil {
			return err
		}

		var userPart, appPart map[string]any
		for rawKey, v := range ev.Actions.StateDelta {
			k := core.ParseKey(rawKey)
			switch k.Scope {
			case core.ScopeSession:
				state[k.Key] = v
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
				// Never persisted.
			}
		}
		events = append(events, ev)

		invocationID := row.InvocationID
		if ev.InvocationID != "" {
			invocationID = ev.InvocationID
		}
		updated, err := encodeRow(key.app, key.user, key.id, invocationID, state, events, time.Now().UTC())
		if err != nil {
			return err
		}
		if err := tx.Model(&SessionRow{}).
			Where("app_name = ? AND user_id = ? AND session_id = ?", key.app, key.user, key.id).
			Updates(map[string]any{
				"invocation_id": updated.InvocationID,
				"state":         updated.State,
				"events":        updated.Events,
				"last_update":   updated.LastUpdate,
			}).Error; err != nil {
			return err
		}
		return s.upsertShared(tx, key.app, key.user, userPart, appPart)
	})
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return core.Event{}, fmt.Errorf("session %s/%s/%s: %w", key.app, key.user, key.id, core.ErrNotFound)
		}
		return core.Event{}, wrapErr("append event", err)
	}

	if _, err := sess.AppendEvent(ev); err != nil {
		return core.Event{}, err
	}
	return ev, nil
}
