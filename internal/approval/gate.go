package approval

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"helixgate/internal/apperrors"
	"helixgate/internal/models"

	"github.com/google/uuid"
)

// Event types published on the approvals topic
const (
	Topic             = "approvals"
	EventRequested    = "approval_requested"
	EventResolved     = "approval_resolved"
	expiredResolution = "expired"
)

// Alerter delivers requests to the external review channel (best effort)
type Alerter interface {
	Alert(ctx context.Context, alertType, severity, message string, details map[string]any)
}

// Publisher fans approval events out to waiting jobs and subscribers
type Publisher interface {
	Publish(ctx context.Context, topic, eventType string, payload map[string]any) error
}

// Checker is the read side the router depends on
type Checker interface {
	CheckApproval(ctx context.Context, operationID string) (bool, error)
}

// RequestOptions carries the optional fields of a new request
type RequestOptions struct {
	RequestedBy    string
	CurrentConfig  *models.OperationRoute
	ProposedConfig *models.OperationRoute
}

// Gate runs the PENDING -> APPROVED | REJECTED workflow
type Gate struct {
	store     Store
	alerter   Alerter
	publisher Publisher
	now       func() time.Time
}

// NewGate creates an approval gate. alerter and publisher may be nil.
func NewGate(store Store, alerter Alerter, publisher Publisher) *Gate {
	return &Gate{store: store, alerter: alerter, publisher: publisher, now: time.Now}
}

// SetClock overrides the time source
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

// RequestApproval always creates a new PENDING record, even when an older
// request for the operation exists
func (g *Gate) RequestApproval(ctx context.Context, operationID, changeDescription string, opts RequestOptions) (*models.ApprovalRequest, error) {
	if strings.TrimSpace(operationID) == "" {
		return nil, apperrors.New(apperrors.KindInvalidInput, "operation_id is required")
	}

	req := &models.ApprovalRequest{
		ID:                uuid.New().String(),
		OperationID:       operationID,
		ChangeDescription: changeDescription,
		CurrentConfig:     opts.CurrentConfig,
		ProposedConfig:    opts.ProposedConfig,
		Status:            models.ApprovalStatusPending,
		RequestedBy:       opts.RequestedBy,
		CreatedAt:         g.now().UTC(),
	}
	if err := g.store.Insert(ctx, req); err != nil {
		return nil, err
	}

	log.Printf("📝 [APPROVAL] Request %s created for %s", req.ID, operationID)

	if g.alerter != nil {
		g.alerter.Alert(ctx, EventRequested, "info",
			fmt.Sprintf("Approval requested for %s: %s", operationID, changeDescription),
			map[string]any{"request_id": req.ID, "operation_id": operationID, "requested_by": opts.RequestedBy})
	}
	g.publish(ctx, EventRequested, req)
	return req, nil
}

// CheckApproval is true iff the most recently created request for the
// operation is APPROVED
func (g *Gate) CheckApproval(ctx context.Context, operationID string) (bool, error) {
	latest, err := g.store.Latest(ctx, operationID)
	if err != nil {
		return false, err
	}
	return latest != nil && latest.Status == models.ApprovalStatusApproved, nil
}

// Resolve moves a PENDING request to APPROVED or REJECTED
func (g *Gate) Resolve(ctx context.Context, requestID string, status models.ApprovalStatus, resolver, note string) (*models.ApprovalRequest, error) {
	if !status.IsTerminal() {
		return nil, apperrors.New(apperrors.KindInvalidInput, "resolution must be APPROVED or REJECTED, got %q", status)
	}

	req, err := g.store.Resolve(ctx, requestID, status, resolver, note, g.now().UTC())
	if err != nil {
		return nil, err
	}

	log.Printf("✅ [APPROVAL] Request %s for %s resolved %s by %s", req.ID, req.OperationID, status, resolver)
	g.publish(ctx, EventResolved, req)
	return req, nil
}

// Get returns a request by id
func (g *Gate) Get(ctx context.Context, requestID string) (*models.ApprovalRequest, error) {
	req, err := g.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "approval request %s not found", requestID)
	}
	return req, nil
}

// Latest returns the most recent request for an operation, or NotFound
func (g *Gate) Latest(ctx context.Context, operationID string) (*models.ApprovalRequest, error) {
	req, err := g.store.Latest(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "no approval requests for %s", operationID)
	}
	return req, nil
}

// History returns requests for an operation, newest first
func (g *Gate) History(ctx context.Context, operationID string, limit int) ([]models.ApprovalRequest, error) {
	return g.store.History(ctx, operationID, limit)
}

// ListPending returns every unresolved request, oldest first
func (g *Gate) ListPending(ctx context.Context) ([]models.ApprovalRequest, error) {
	return g.store.ListPending(ctx)
}

// ExpireStale rejects PENDING requests older than maxAge
func (g *Gate) ExpireStale(ctx context.Context, maxAge time.Duration) (int, error) {
	pending, err := g.store.ListPending(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := g.now().Add(-maxAge)
	expired := 0
	for _, p := range pending {
		if p.CreatedAt.After(cutoff) {
			continue
		}
		_, err := g.Resolve(ctx, p.ID, models.ApprovalStatusRejected, "system", expiredResolution)
		if apperrors.KindOf(err) == apperrors.KindInvalidTransition {
			// Resolved by a human in the meantime
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
	}

	if expired > 0 {
		log.Printf("⏰ [APPROVAL] Expired %d stale approval requests", expired)
	}
	return expired, nil
}

func (g *Gate) publish(ctx context.Context, eventType string, req *models.ApprovalRequest) {
	if g.publisher == nil {
		return
	}
	err := g.publisher.Publish(ctx, Topic, eventType, map[string]any{
		"request_id":   req.ID,
		"operation_id": req.OperationID,
		"status":       string(req.Status),
	})
	if err != nil {
		log.Printf("⚠️  [APPROVAL] Failed to publish %s for %s: %v", eventType, req.ID, err)
	}
}
