// Package security records security-relevant events raised by the guard layer.
package security

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/vantage-api/vantage/jobs"
)

// Enqueuer is the subset of asynq.Client the recorder needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Recorder forwards security events to the background queue and logs them.
// Event recording must never fail the request that raised it; enqueue errors
// are logged and dropped.
type Recorder struct {
	logger   *slog.Logger
	enqueuer Enqueuer
}

// NewRecorder constructs a Recorder. enqueuer may be nil, in which case events
// are only logged.
func NewRecorder(logger *slog.Logger, enqueuer Enqueuer) *Recorder {
	return &Recorder{logger: logger, enqueuer: enqueuer}
}

// TokenReplayDetected records reuse of a rotated refresh token. The caller has
// already revoked the session family; this is the observability side.
func (r *Recorder) TokenReplayDetected(ctx context.Context, userID int64, sessionID, familyID string) {
	r.record(ctx, jobs.SecurityEventPayload{
		Kind:      jobs.SecurityEventTokenReplay,
		UserID:    userID,
		SessionID: sessionID,
		FamilyID:  familyID,
	})
}

func (r *Recorder) record(ctx context.Context, payload jobs.SecurityEventPayload) {
	if r.logger != nil {
		r.logger.Warn("security event",
			slog.String("kind", payload.Kind),
			slog.Int64("user_id", payload.UserID),
			slog.String("session_id", payload.SessionID),
			slog.String("family_id", payload.FamilyID))
	}
	if r.enqueuer == nil {
		return
	}
	task, err := jobs.NewSecurityEventTask(payload)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("build security event task", slog.Any("error", err))
		}
		return
	}
	if _, err := r.enqueuer.EnqueueContext(ctx, task, asynq.Queue(jobs.QueueDefault)); err != nil {
		if r.logger != nil {
			r.logger.Error("enqueue security event", slog.Any("error", err))
		}
	}
}
