// Package notify produces guardian notifications. Delivery (push, SMS, e-mail)
// belongs to another service; this package only records that a notification
// exists, via the queue and the notifications table.
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"busattendance/internal/attendance"
	"busattendance/internal/queue"
)

// KindScanMismatch is sent when a scan fails identity verification.
const KindScanMismatch = "scan_mismatch"

// Notification is one message addressed to a guardian.
type Notification struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	RecipientID string    `json:"recipient_id"`
	StudentID   string    `json:"student_id"`
	EventID     string    `json:"event_id"`
	Confidence  float64   `json:"confidence"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"created_at"`
}

// FromMismatch builds the guardian notification for a failed verification.
func FromMismatch(m attendance.Mismatch) Notification {
	return Notification{
		ID:          uuid.NewString(),
		Kind:        KindScanMismatch,
		RecipientID: m.GuardianID,
		StudentID:   m.StudentID,
		EventID:     m.EventID,
		Confidence:  m.Confidence,
		Message:     fmt.Sprintf("Identity check failed for student %s on the bus (confidence %.2f).", m.StudentID, m.Confidence),
		CreatedAt:   m.At.UTC(),
	}
}

// QueueNotifier publishes notifications for the worker to persist.
type QueueNotifier struct {
	q queue.Queue
}

// NewQueueNotifier creates a notifier on top of q.
func NewQueueNotifier(q queue.Queue) *QueueNotifier {
	return &QueueNotifier{q: q}
}

var _ attendance.Notifier = (*QueueNotifier)(nil)

// NotifyMismatch enqueues a scan_mismatch notification.
func (n *QueueNotifier) NotifyMismatch(ctx context.Context, m attendance.Mismatch) error {
	msg, err := queue.NewMessage(queue.TypeNotification, FromMismatch(m))
	if err != nil {
		return err
	}
	return n.q.Publish(ctx, msg)
}

// Sink stores notifications.
type Sink interface {
	Save(ctx context.Context, n Notification) error
}

// PostgresSink writes notifications into the notifications table.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink creates a sink on db.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// Save inserts n. Replays of the same notification id are ignored.
func (s *PostgresSink) Save(ctx context.Context, n Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, kind, recipient_id, student_id, event_id, confidence, message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING
	`, n.ID, n.Kind, n.RecipientID, n.StudentID, n.EventID, n.Confidence, n.Message, n.CreatedAt)
	return err
}

// LogSink only logs. Used with STORE_BACKEND=memory.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Save(_ context.Context, n Notification) error {
	s.Logger.Info("notification",
		zap.String("id", n.ID),
		zap.String("kind", n.Kind),
		zap.String("recipient_id", n.RecipientID),
		zap.String("student_id", n.StudentID),
		zap.Float64("confidence", n.Confidence),
	)
	return nil
}

// Consume drains notification messages from q into sink until ctx is done.
func Consume(ctx context.Context, q queue.Queue, sink Sink, logger *zap.Logger) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init failed: %w", err)
	}
	for msg := range messages {
		if msg.Type != queue.TypeNotification {
			continue
		}
		var n Notification
		if err := json.Unmarshal(msg.Body, &n); err != nil {
			logger.Warn("dropping undecodable notification", zap.Error(err))
			continue
		}
		if err := sink.Save(ctx, n); err != nil {
			logger.Error("notification save failed", zap.String("id", n.ID), zap.Error(err))
			continue
		}
		logger.Debug("notification stored", zap.String("id", n.ID), zap.String("kind", n.Kind))
	}
	return nil
}
