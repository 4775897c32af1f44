// Package boardview maintains one user's live view of a board: the board
// document, its columns, and its tasks, each kept fresh by its own event
// stream. Selecting a different board cancels every stream of the old one
// before the new streams start.
package boardview

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"go.uber.org/zap"

	"collabflow/api/internal/realtime"
	"collabflow/api/internal/store"
)

type State string

const (
	// StateNone means no board is selected.
	StateNone State = "none"
	// StateLoading means a board was selected and the first load is in flight.
	StateLoading State = "loading"
	StateLoaded  State = "loaded"
	// StateMissing means the selected board does not exist or was deleted.
	StateMissing State = "missing"
)

// Loader reads the current board aggregate. Column and task lists come back
// in display order.
type Loader interface {
	GetBoard(ctx context.Context, id string) (store.Board, error)
	ListColumnsByBoard(ctx context.Context, boardID string) ([]store.Column, error)
	ListTasksByBoard(ctx context.Context, boardID string) ([]store.Task, error)
}

// Prefs persists the last selected board per user.
type Prefs interface {
	LastBoard(userID string) string
	SetLastBoard(userID, boardID string) error
}

// Snapshot is a point-in-time copy of the view state.
type Snapshot struct {
	State   State
	BoardID string
	Board   store.Board
	Columns []store.Column
	Tasks   []store.Task
}

// Store is one user's board view. All exported methods are safe for
// concurrent use.
type Store struct {
	loader Loader
	bus    realtime.Bus
	prefs  Prefs
	logger *zap.Logger
	userID string

	mu      sync.Mutex
	state   State
	boardID string
	board   store.Board
	columns []store.Column
	tasks   []store.Task
	subs    []*realtime.Subscription
	// generation invalidates in-flight loads and stream goroutines from a
	// previous selection.
	generation int
}

func New(loader Loader, bus realtime.Bus, prefs Prefs, logger *zap.Logger, userID string) *Store {
	return &Store{
		loader: loader,
		bus:    bus,
		prefs:  prefs,
		logger: logger,
		userID: userID,
		state:  StateNone,
	}
}

// Restore selects the board remembered from the user's previous session, if
// any.
func (s *Store) Restore(ctx context.Context) error {
	last := s.prefs.LastBoard(s.userID)
	if last == "" {
		return nil
	}
	return s.SelectBoard(ctx, last)
}

// SelectBoard switches the view to the given board. The previous board's
// streams are cancelled first, the selection is persisted, and three streams
// start for the new board: one for the board document, one for columns, one
// for tasks. An empty id clears the selection.
func (s *Store) SelectBoard(ctx context.Context, boardID string) error {
	if boardID == "" {
		return s.ClearSelection()
	}

	s.mu.Lock()
	s.cancelLocked()
	s.generation++
	gen := s.generation
	s.state = StateLoading
	s.boardID = boardID
	s.board = store.Board{}
	s.columns = nil
	s.tasks = nil
	s.mu.Unlock()

	if err := s.prefs.SetLastBoard(s.userID, boardID); err != nil {
		s.logger.Warn("persist board selection failed",
			zap.String("user_id", s.userID), zap.Error(err))
	}

	var subs []*realtime.Subscription
	for i := 0; i < 3; i++ {
		sub, err := s.bus.Subscribe(ctx, boardID)
		if err != nil {
			for _, opened := range subs {
				opened.Cancel()
			}
			return err
		}
		subs = append(subs, sub)
	}

	s.mu.Lock()
	if gen != s.generation {
		// A newer selection won the race; these streams belong to nobody.
		s.mu.Unlock()
		for _, sub := range subs {
			sub.Cancel()
		}
		return nil
	}
	s.subs = subs
	s.mu.Unlock()

	go s.watchBoard(gen, boardID, subs[0])
	go s.watchColumns(gen, boardID, subs[1])
	go s.watchTasks(gen, boardID, subs[2])

	s.refreshBoard(ctx, gen, boardID)
	s.refreshColumns(ctx, gen, boardID)
	s.refreshTasks(ctx, gen, boardID)
	return nil
}

// ClearSelection cancels all streams, forgets the persisted selection and
// returns the view to its initial state.
func (s *Store) ClearSelection() error {
	s.mu.Lock()
	s.cancelLocked()
	s.generation++
	s.state = StateNone
	s.boardID = ""
	s.board = store.Board{}
	s.columns = nil
	s.tasks = nil
	s.mu.Unlock()

	return s.prefs.SetLastBoard(s.userID, "")
}

// Close cancels all streams. The persisted selection is kept so the next
// session can restore it.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.generation++
}

func (s *Store) cancelLocked() {
	for _, sub := range s.subs {
		sub.Cancel()
	}
	s.subs = nil
}

// Snapshot returns a copy of the current view.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:   s.state,
		BoardID: s.boardID,
		Board:   s.board,
		Columns: make([]store.Column, len(s.columns)),
		Tasks:   make([]store.Task, len(s.tasks)),
	}
	copy(snap.Columns, s.columns)
	copy(snap.Tasks, s.tasks)
	return snap
}

func (s *Store) watchBoard(gen int, boardID string, sub *realtime.Subscription) {
	for event := range sub.Events() {
		if event.Entity != realtime.EntityBoard {
			continue
		}
		if event.Op == realtime.OpDeleted {
			s.markMissing(gen)
			return
		}
		s.refreshBoard(context.Background(), gen, boardID)
	}
}

func (s *Store) watchColumns(gen int, boardID string, sub *realtime.Subscription) {
	for event := range sub.Events() {
		if event.Entity != realtime.EntityColumn {
			continue
		}
		s.refreshColumns(context.Background(), gen, boardID)
	}
}

func (s *Store) watchTasks(gen int, boardID string, sub *realtime.Subscription) {
	for event := range sub.Events() {
		if event.Entity != realtime.EntityTask {
			continue
		}
		s.refreshTasks(context.Background(), gen, boardID)
	}
}

func (s *Store) refreshBoard(ctx context.Context, gen int, boardID string) {
	board, err := s.loader.GetBoard(ctx, boardID)
	if errors.Is(err, sql.ErrNoRows) {
		s.markMissing(gen)
		return
	}
	if err != nil {
		// Stream errors are logged, never surfaced to the user.
		s.logger.Warn("load board failed", zap.String("board_id", boardID), zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	s.board = board
	s.state = StateLoaded
}

func (s *Store) refreshColumns(ctx context.Context, gen int, boardID string) {
	columns, err := s.loader.ListColumnsByBoard(ctx, boardID)
	if err != nil {
		s.logger.Warn("load columns failed", zap.String("board_id", boardID), zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	s.columns = columns
}

func (s *Store) refreshTasks(ctx context.Context, gen int, boardID string) {
	tasks, err := s.loader.ListTasksByBoard(ctx, boardID)
	if err != nil {
		s.logger.Warn("load tasks failed", zap.String("board_id", boardID), zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	s.tasks = tasks
}

func (s *Store) markMissing(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	s.state = StateMissing
	s.board = store.Board{}
	s.columns = nil
	s.tasks = nil
	s.cancelLocked()
}
