package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/agentstate/core"
	"github.com/hupe1980/agentstate/logging"
)

// record is one archived utterance. Records keep a plain-text snapshot of
// the event content taken at ingestion time.
type record struct {
	id        string
	sessionID string
	author    string
	content   string
	tokens    []string
	timestamp time.Time
}

type scopeKey struct {
	app  string
	user string
}

// InMemoryService is a process-local MemoryService. Records are grouped by
// (app, user) and, within a scope, by session id so that re-ingesting a
// session replaces its previous records instead of duplicating them.
//
// Search tokenizes the query and scores each record by the fraction of query
// words found in the record's content, case insensitive. Suitable for tests
// and single-process deployments; swap in SQLiteService for persistence or a
// vector index for semantic retrieval.
type InMemoryService struct {
	mu      sync.RWMutex
	records map[scopeKey]map[string][]record // (app, user) -> sessionID -> records
	logger  logging.Logger
}

// NewInMemoryService creates an empty archive.
func NewInMemoryService(logger logging.Logger) *InMemoryService {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &InMemoryService{
		records: make(map[scopeKey]map[string][]record),
		logger:  logger,
	}
}

// AddSession snapshots the session's completed conversation turns into the
// archive. Partial events and events without text content are skipped.
// Calling it again for the same session id replaces the earlier snapshot.
func (m *InMemoryService) AddSession(ctx context.Context, sess *core.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	recs := snapshotRecords(sess)

	m.mu.Lock()
	defer m.mu.Unlock()
	key := scopeKey{sess.AppName, sess.UserID}
	if _, ok := m.records[key]; !ok {
		m.records[key] = make(map[string][]record)
	}
	m.records[key][sess.ID] = recs

	m.logger.Debug("session ingested",
		"app_name", sess.AppName, "user_id", sess.UserID,
		"session_id", sess.ID, "records", len(recs))
	return nil
}

// Search returns up to limit records of the (app, user) scope ranked by
// keyword overlap with the query. A limit <= 0 means no cap. Other scopes
// are invisible regardless of content.
func (m *InMemoryService) Search(ctx context.Context, appName, userID, query string, limit int) ([]core.MemoryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	words := tokenize(query)

	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions, ok := m.records[scopeKey{appName, userID}]
	if !ok {
		return []core.MemoryResult{}, nil
	}

	results := make([]core.MemoryResult, 0)
	for sessionID, recs := range sessions {
		for _, rec := range recs {
			score := overlapScore(words, rec.tokens)
			if score <= 0 {
				continue
			}
			results = append(results, core.MemoryResult{
				ID:        rec.id,
				SessionID: sessionID,
				Author:    rec.author,
				Content:   rec.content,
				Score:     score,
				Timestamp: rec.timestamp,
			})
		}
	}

	sortResults(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// snapshotRecords extracts the archivable turns of a session.
func snapshotRecords(sess *core.Session) []record {
	events := sess.Events()
	recs := make([]record, 0, len(events))
	for _, ev := range events {
		if ev.IsPartial() || ev.Content == nil {
			continue
		}
		text := ev.Content.Text()
		if text == "" {
			continue
		}
		recs = append(recs, record{
			id:        core.NewID(),
			sessionID: sess.ID,
			author:    ev.Author,
			content:   text,
			tokens:    tokenize(text),
			timestamp: ev.Timestamp,
		})
	}
	return recs
}

// tokenize lowercases and splits on non-letter, non-digit runes.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
}

// sortResults orders by descending score, then ascending timestamp for a
// stable ordering across backends.
func sortResults(results []core.MemoryResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Timestamp.Before(results[j].Timestamp)
	})
}

// overlapScore is the fraction of query words present in the content
// tokens. Empty queries match nothing.
func overlapScore(queryWords, contentTokens []string) float64 {
	if len(queryWords) == 0 {
		return 0
	}
	contentSet := make(map[string]struct{}, len(contentTokens))
	for _, t := range contentTokens {
		contentSet[t] = struct{}{}
	}
	hits := 0
	for _, w := range queryWords {
		if _, ok := contentSet[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(queryWords))
}
