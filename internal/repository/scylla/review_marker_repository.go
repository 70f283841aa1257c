package scylla

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"realtime-gateway/internal/model"
	"realtime-gateway/internal/util"
)

// ReviewMarkerRepository persists needs-review markers for escalated
// sessions so support can audit them after the fact.
type ReviewMarkerRepository struct {
	client *ScyllaClient
}

func NewReviewMarkerRepository(client *ScyllaClient) *ReviewMarkerRepository {
	return &ReviewMarkerRepository{client: client}
}

func (r *ReviewMarkerRepository) Put(ctx context.Context, marker model.ReviewMarker) error {
	query := r.client.Session.Query(`
        INSERT INTO review_markers (session_id, escalation_id, identity, reason, created_at)
        VALUES (?, ?, ?, ?, ?)`,
		marker.SessionID,
		marker.EscalationID,
		marker.Identity,
		marker.Reason,
		marker.CreatedAt,
	).WithContext(ctx)

	if err := query.Exec(); err != nil {
		util.Error("failed to insert review marker",
			zap.String("session_id", marker.SessionID),
			zap.Error(err))
		return fmt.Errorf("failed to insert review marker: %w", err)
	}

	util.Debug("review marker persisted",
		zap.String("session_id", marker.SessionID),
		zap.String("escalation_id", marker.EscalationID))
	return nil
}

// Get retrieves the latest review marker for a session.
func (r *ReviewMarkerRepository) Get(ctx context.Context, sessionID string) (*model.ReviewMarker, error) {
	var marker model.ReviewMarker
	query := r.client.Session.Query(`
        SELECT session_id, escalation_id, identity, reason, created_at
        FROM review_markers WHERE session_id = ? LIMIT 1`,
		sessionID,
	).WithContext(ctx)

	if err := query.Scan(
		&marker.SessionID,
		&marker.EscalationID,
		&marker.Identity,
		&marker.Reason,
		&marker.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to get review marker: %w", err)
	}
	return &marker, nil
}
