package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/vantage-api/vantage/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSecurityEvent is the task type for guard-layer security events.
	TaskTypeSecurityEvent = "security:event"

	// SecurityEventTokenReplay marks reuse of a rotated refresh token.
	SecurityEventTokenReplay = "token_replay_detected"
)

// SecurityEventPayload describes a security event raised on the request path.
type SecurityEventPayload struct {
	Kind       string    `json:"kind"`
	UserID     int64     `json:"user_id"`
	SessionID  string    `json:"session_id"`
	FamilyID   string    `json:"family_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewSecurityEventTask constructs an Asynq task.
func NewSecurityEventTask(payload SecurityEventPayload) (*asynq.Task, error) {
	if payload.OccurredAt.IsZero() {
		payload.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSecurityEvent, data), nil
}

// SecurityEventHandler persists security events for later review.
type SecurityEventHandler struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewSecurityEventHandler constructs the handler.
func NewSecurityEventHandler(pool *pgxpool.Pool, logger *slog.Logger) *SecurityEventHandler {
	return &SecurityEventHandler{pool: pool, logger: logger, metrics: jobmetrics.NewMetrics(nil)}
}

// Handle processes TaskTypeSecurityEvent tasks.
func (h *SecurityEventHandler) Handle(ctx context.Context, t *asynq.Task) (err error) {
	tracker := h.metrics.Track(TaskTypeSecurityEvent)
	defer func() { err = tracker.End(err) }()

	var payload SecurityEventPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	h.metrics.AddEvent(payload.Kind)
	if h.logger != nil {
		h.logger.Warn("security event processed",
			slog.String("kind", payload.Kind),
			slog.Int64("user_id", payload.UserID),
			slog.String("session_id", payload.SessionID))
	}
	if h.pool == nil {
		return nil
	}
	_, err = h.pool.Exec(ctx,
		`INSERT INTO security_events (kind, user_id, session_id, family_id, occurred_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		payload.Kind, payload.UserID, payload.SessionID, payload.FamilyID, payload.OccurredAt)
	return err
}
