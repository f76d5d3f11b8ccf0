package sync

import (
	"context"

	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/logging"
	"github.com/kimhsiao/catalogsync/internal/models"
)

// WebhookEvent is a remote change notification that has already passed
// signature verification.
type WebhookEvent struct {
	ID                string            `json:"id,omitempty"`
	Type              string            `json:"type"`
	Kind              models.EntityKind `json:"kind"`
	RemoteObjectID    string            `json:"remote_object_id"`
	RemoteSubObjectID string            `json:"remote_sub_object_id,omitempty"`
}

// HandleWebhook enqueues a download of the object named by event and
// records the notification in the audit log. The download runs with the
// next batch. Webhooks never write local records directly.
func (e *SyncEngine) HandleWebhook(ctx context.Context, event WebhookEvent) (*models.QueuedOperation, error) {
	if _, _, err := e.configured(); err != nil {
		return nil, err
	}
	if !event.Kind.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown entity kind %q", event.Kind)
	}

	var op *models.QueuedOperation
	err := e.inTx(ctx, func(t *txn) error {
		var err error
		op, err = t.queue.Enqueue(ctx, models.DownloadOpFor(event.Kind), &models.OperationPayload{
			Kind:              event.Kind,
			RemoteObjectID:    event.RemoteObjectID,
			RemoteSubObjectID: event.RemoteSubObjectID,
		}, event.ID)
		if err != nil {
			return err
		}
		return t.audit.Record(ctx, &models.AuditEntry{
			Operation:      models.AuditWebhookReceived,
			RemoteObjectID: event.RemoteObjectID,
			Outcome:        models.SyncStatePending,
			Summary:        event.Type,
		})
	})
	if err != nil {
		return nil, err
	}

	logging.Info("Webhook received", map[string]interface{}{
		"event_id":         event.ID,
		"event_type":       event.Type,
		"kind":             event.Kind,
		"remote_object_id": event.RemoteObjectID,
		"op_id":            op.ID,
	})
	e.emitEvent(SyncEvent{Type: SyncEventWebhookReceived, Message: event.Type + " " + event.RemoteObjectID})
	return op, nil
}
