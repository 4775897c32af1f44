// Package notify emits user-facing success and failure notices for mutations.
// Every mutation produces exactly one notice.
package notify

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"collabflow/api/internal/realtime"
)

type Notifier interface {
	Success(ctx context.Context, userID, boardID, message string)
	Failure(ctx context.Context, userID, boardID, message string)
}

// BusNotifier logs each notice and, when the notice belongs to a board,
// publishes it on that board's stream.
type BusNotifier struct {
	bus    realtime.Bus
	logger *zap.Logger
}

func NewBusNotifier(bus realtime.Bus, logger *zap.Logger) *BusNotifier {
	return &BusNotifier{bus: bus, logger: logger}
}

func (n *BusNotifier) Success(ctx context.Context, userID, boardID, message string) {
	n.emit(ctx, userID, boardID, "success", message)
}

func (n *BusNotifier) Failure(ctx context.Context, userID, boardID, message string) {
	n.emit(ctx, userID, boardID, "error", message)
}

func (n *BusNotifier) emit(ctx context.Context, userID, boardID, level, message string) {
	n.logger.Info("notice",
		zap.String("level", level),
		zap.String("user_id", userID),
		zap.String("board_id", boardID),
		zap.String("message", message))

	if boardID == "" {
		return
	}
	payload, err := json.Marshal(realtime.Notice{UserID: userID, Level: level, Message: message})
	if err != nil {
		n.logger.Warn("encode notice failed", zap.Error(err))
		return
	}
	event := realtime.Event{
		Entity:  realtime.EntityNotice,
		Op:      realtime.OpCreated,
		BoardID: boardID,
		Payload: payload,
	}
	if err := n.bus.Publish(ctx, event); err != nil {
		n.logger.Warn("publish notice failed", zap.Error(err))
	}
}

// Recorded is one captured notice.
type Recorded struct {
	UserID  string
	BoardID string
	Level   string
	Message string
}

// Recorder captures notices in memory for tests.
type Recorder struct {
	mu      sync.Mutex
	notices []Recorded
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Success(_ context.Context, userID, boardID, message string) {
	r.record(userID, boardID, "success", message)
}

func (r *Recorder) Failure(_ context.Context, userID, boardID, message string) {
	r.record(userID, boardID, "error", message)
}

func (r *Recorder) record(userID, boardID, level, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, Recorded{UserID: userID, BoardID: boardID, Level: level, Message: message})
}

func (r *Recorder) Notices() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recorded, len(r.notices))
	copy(out, r.notices)
	return out
}
