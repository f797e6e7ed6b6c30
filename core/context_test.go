package core

import (
	"context"
	"errors"
	"testing"
)

func TestReadonlyContext_RejectsWrites(t *testing.T) {
	sess := NewSession("app", "alice", "s1")
	if _, err := sess.AppendEvent(NewStateEvent("inv-1", "agent", map[string]any{"k": "v"})); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	rc := NewReadonlyContext(sess, "inv-1")
	if v, ok := rc.GetState("k"); !ok || v.(string) != "v" {
		t.Error("read-only context should expose state reads")
	}
	if err := rc.SetState("k", "other"); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("SetState should fail with ErrReadOnly, got %v", err)
	}
	if v, _ := sess.GetState("k"); v.(string) != "v" {
		t.Error("rejected write must not change state")
	}
}

func TestReadonlyContext_AlignsInvocation(t *testing.T) {
	sess := NewSession("app", "alice", "s1")
	if _, err := sess.AppendEvent(NewStateEvent("inv-1", "agent", map[string]any{"temp:x": 1})); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	rc := NewReadonlyContext(sess, "inv-2")
	if _, ok := rc.GetState("temp:x"); ok {
		t.Error("stale temp entry visible through a new invocation's context")
	}
}

func TestCallbackContext_StagesWrites(t *testing.T) {
	sess := NewSession("app", "alice", "s1")
	cc := NewCallbackContext(sess, "inv-1", nil)

	if err := cc.SetState("count", 1); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	// staged write is visible through the context but not the session
	if v, ok := cc.GetState("count"); !ok || v.(int) != 1 {
		t.Error("context should read its own staged writes")
	}
	if _, ok := sess.GetState("count"); ok {
		t.Error("staged write leaked into the session before commit")
	}

	// unserializable values fail at the write site
	if err := cc.SetState("bad", func() {}); err == nil {
		t.Error("SetState should validate serializability immediately")
	}

	ev := cc.BuildEvent("callback")
	if ev.Actions.StateDelta["count"].(int) != 1 {
		t.Fatalf("built event missing staged delta: %+v", ev.Actions)
	}
	if len(cc.Actions().StateDelta) != 0 {
		t.Error("BuildEvent should reset the staged delta")
	}

	if _, err := sess.AppendEvent(ev); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if v, _ := sess.GetState("count"); v.(int) != 1 {
		t.Error("appending the built event should commit the staged write")
	}
}

// fakeMemory records the scope of the last search.
type fakeMemory struct {
	lastApp  string
	lastUser string
}

func (f *fakeMemory) AddSession(context.Context, *Session) error { return nil }

func (f *fakeMemory) Search(_ context.Context, appName, userID, query string, limit int) ([]MemoryResult, error) {
	f.lastApp, f.lastUser = appName, userID
	return []MemoryResult{{Content: "hit"}}, nil
}

// fakeArtifacts is a minimal ArtifactStore capturing saved ids.
type fakeArtifacts struct {
	saved map[string][]byte
}

func (f *fakeArtifacts) Save(_ context.Context, _, _, _, artifactID string, data []byte) error {
	if f.saved == nil {
		f.saved = map[string][]byte{}
	}
	f.saved[artifactID] = data
	return nil
}

func (f *fakeArtifacts) Get(_ context.Context, _, _, _, artifactID string) ([]byte, error) {
	d, ok := f.saved[artifactID]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (f *fakeArtifacts) List(context.Context, string, string, string) ([]string, error) {
	ids := make([]string, 0, len(f.saved))
	for id := range f.saved {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeArtifacts) Delete(context.Context, string, string, string, string) error { return nil }

func TestToolContext_ScopesAndDeltas(t *testing.T) {
	sess := NewSession("app", "alice", "s1")
	mem := &fakeMemory{}
	arts := &fakeArtifacts{}
	tc := NewToolContext(sess, "inv-1", "call-1", mem, arts, nil)

	if tc.FunctionCallID() != "call-1" {
		t.Error("function call id lost")
	}

	hits, err := tc.SearchMemory(context.Background(), "query", 3)
	if err != nil || len(hits) != 1 {
		t.Fatalf("search failed: hits=%v err=%v", hits, err)
	}
	if mem.lastApp != "app" || mem.lastUser != "alice" {
		t.Errorf("search not scoped to the owning pair: %s/%s", mem.lastApp, mem.lastUser)
	}

	if err := tc.SaveArtifact(context.Background(), "report.txt", []byte("data")); err != nil {
		t.Fatalf("save artifact failed: %v", err)
	}
	if tc.Actions().ArtifactDelta["report.txt"] != 4 {
		t.Error("artifact delta should record the saved size")
	}
	got, err := tc.LoadArtifact(context.Background(), "report.txt")
	if err != nil || string(got) != "data" {
		t.Fatalf("load artifact failed: %q %v", got, err)
	}
}

func TestToolContext_UnconfiguredServicesFailCleanly(t *testing.T) {
	sess := NewSession("app", "alice", "s1")
	tc := NewToolContext(sess, "inv-1", "call-1", nil, nil, nil)

	if _, err := tc.SearchMemory(context.Background(), "q", 1); err == nil {
		t.Error("search without a memory service should fail")
	}
	if err := tc.SaveArtifact(context.Background(), "a", nil); err == nil {
		t.Error("save without an artifact store should fail")
	}
}
