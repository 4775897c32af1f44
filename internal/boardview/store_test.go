package boardview

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"collabflow/api/internal/realtime"
	"collabflow/api/internal/store"
)

type fakeLoader struct {
	mu      sync.Mutex
	boards  map[string]store.Board
	columns map[string][]store.Column
	tasks   map[string][]store.Task
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		boards:  make(map[string]store.Board),
		columns: make(map[string][]store.Column),
		tasks:   make(map[string][]store.Task),
	}
}

func (f *fakeLoader) GetBoard(_ context.Context, id string) (store.Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	board, ok := f.boards[id]
	if !ok {
		return store.Board{}, sql.ErrNoRows
	}
	return board, nil
}

func (f *fakeLoader) ListColumnsByBoard(_ context.Context, boardID string) ([]store.Column, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Column(nil), f.columns[boardID]...), nil
}

func (f *fakeLoader) ListTasksByBoard(_ context.Context, boardID string) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Task(nil), f.tasks[boardID]...), nil
}

func (f *fakeLoader) setColumns(boardID string, columns ...store.Column) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.columns[boardID] = columns
}

type memPrefs struct {
	mu   sync.Mutex
	last map[string]string
}

func newMemPrefs() *memPrefs { return &memPrefs{last: make(map[string]string)} }

func (p *memPrefs) LastBoard(userID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last[userID]
}

func (p *memPrefs) SetLastBoard(userID, boardID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if boardID == "" {
		delete(p.last, userID)
	} else {
		p.last[userID] = boardID
	}
	return nil
}

func waitFor(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestView(t *testing.T) (*Store, *fakeLoader, *realtime.MemoryBus, *memPrefs) {
	t.Helper()
	loader := newFakeLoader()
	bus := realtime.NewMemoryBus()
	prefs := newMemPrefs()
	view := New(loader, bus, prefs, zap.NewNop(), "user-1")
	t.Cleanup(view.Close)
	return view, loader, bus, prefs
}

func TestSelectBoardLoadsSnapshot(t *testing.T) {
	view, loader, _, prefs := newTestView(t)
	loader.boards["board-1"] = store.Board{ID: "board-1", Name: "Sprint"}
	loader.setColumns("board-1",
		store.Column{ID: "c1", BoardID: "board-1", Name: "To Do", Order: 0},
		store.Column{ID: "c2", BoardID: "board-1", Name: "Done", Order: 1},
	)
	loader.tasks["board-1"] = []store.Task{{ID: "t1", BoardID: "board-1", ColumnID: "c1"}}

	if err := view.SelectBoard(context.Background(), "board-1"); err != nil {
		t.Fatalf("SelectBoard failed: %v", err)
	}

	snap := view.Snapshot()
	if snap.State != StateLoaded {
		t.Fatalf("state = %s, want %s", snap.State, StateLoaded)
	}
	if snap.Board.Name != "Sprint" {
		t.Errorf("board name = %q", snap.Board.Name)
	}
	if len(snap.Columns) != 2 || len(snap.Tasks) != 1 {
		t.Errorf("unexpected snapshot sizes: %d columns, %d tasks", len(snap.Columns), len(snap.Tasks))
	}
	if prefs.LastBoard("user-1") != "board-1" {
		t.Error("selection was not persisted")
	}
}

func TestSelectMissingBoard(t *testing.T) {
	view, _, _, _ := newTestView(t)

	if err := view.SelectBoard(context.Background(), "nope"); err != nil {
		t.Fatalf("SelectBoard failed: %v", err)
	}
	if snap := view.Snapshot(); snap.State != StateMissing {
		t.Errorf("state = %s, want %s", snap.State, StateMissing)
	}
}

func TestColumnEventRefreshesView(t *testing.T) {
	view, loader, bus, _ := newTestView(t)
	loader.boards["board-1"] = store.Board{ID: "board-1", Name: "Sprint"}
	loader.setColumns("board-1", store.Column{ID: "c1", BoardID: "board-1", Name: "To Do"})

	if err := view.SelectBoard(context.Background(), "board-1"); err != nil {
		t.Fatalf("SelectBoard failed: %v", err)
	}
	waitFor(t, "initial load", func() bool { return view.Snapshot().State == StateLoaded })

	loader.setColumns("board-1",
		store.Column{ID: "c1", BoardID: "board-1", Name: "To Do"},
		store.Column{ID: "c2", BoardID: "board-1", Name: "Review"},
	)
	_ = bus.Publish(context.Background(), realtime.Event{
		Entity: realtime.EntityColumn, Op: realtime.OpCreated, BoardID: "board-1",
	})

	waitFor(t, "column refresh", func() bool { return len(view.Snapshot().Columns) == 2 })
}

func TestBoardDeletedEventMarksMissing(t *testing.T) {
	view, loader, bus, _ := newTestView(t)
	loader.boards["board-1"] = store.Board{ID: "board-1"}

	if err := view.SelectBoard(context.Background(), "board-1"); err != nil {
		t.Fatalf("SelectBoard failed: %v", err)
	}
	waitFor(t, "initial load", func() bool { return view.Snapshot().State == StateLoaded })

	_ = bus.Publish(context.Background(), realtime.Event{
		Entity: realtime.EntityBoard, Op: realtime.OpDeleted, BoardID: "board-1",
	})

	waitFor(t, "missing state", func() bool { return view.Snapshot().State == StateMissing })
}

func TestSwitchingBoardsDropsOldStreams(t *testing.T) {
	view, loader, bus, _ := newTestView(t)
	loader.boards["board-1"] = store.Board{ID: "board-1"}
	loader.boards["board-2"] = store.Board{ID: "board-2"}

	if err := view.SelectBoard(context.Background(), "board-1"); err != nil {
		t.Fatalf("SelectBoard failed: %v", err)
	}
	if err := view.SelectBoard(context.Background(), "board-2"); err != nil {
		t.Fatalf("SelectBoard failed: %v", err)
	}
	waitFor(t, "second load", func() bool {
		snap := view.Snapshot()
		return snap.State == StateLoaded && snap.BoardID == "board-2"
	})

	// Events for the old board must not touch the view anymore.
	loader.setColumns("board-1", store.Column{ID: "c1", BoardID: "board-1"})
	_ = bus.Publish(context.Background(), realtime.Event{
		Entity: realtime.EntityColumn, Op: realtime.OpCreated, BoardID: "board-1",
	})

	time.Sleep(50 * time.Millisecond)
	if snap := view.Snapshot(); len(snap.Columns) != 0 {
		t.Errorf("stale board-1 event leaked into board-2 view: %+v", snap.Columns)
	}
}

func TestClearSelectionForgetsPrefs(t *testing.T) {
	view, loader, _, prefs := newTestView(t)
	loader.boards["board-1"] = store.Board{ID: "board-1"}

	if err := view.SelectBoard(context.Background(), "board-1"); err != nil {
		t.Fatalf("SelectBoard failed: %v", err)
	}
	if err := view.ClearSelection(); err != nil {
		t.Fatalf("ClearSelection failed: %v", err)
	}

	if snap := view.Snapshot(); snap.State != StateNone || snap.BoardID != "" {
		t.Errorf("unexpected cleared snapshot: %+v", snap)
	}
	if prefs.LastBoard("user-1") != "" {
		t.Error("prefs should be cleared")
	}
}

func TestRestorePicksUpLastBoard(t *testing.T) {
	view, loader, _, prefs := newTestView(t)
	loader.boards["board-9"] = store.Board{ID: "board-9", Name: "Saved"}
	_ = prefs.SetLastBoard("user-1", "board-9")

	if err := view.Restore(context.Background()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	snap := view.Snapshot()
	if snap.State != StateLoaded || snap.Board.Name != "Saved" {
		t.Errorf("unexpected restored snapshot: %+v", snap)
	}
}
