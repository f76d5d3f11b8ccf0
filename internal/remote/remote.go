package remote

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	apperrors "github.com/kimhsiao/catalogsync/internal/errors"
	"github.com/kimhsiao/catalogsync/internal/models"
)

// writeBody is the payload of create and update calls.
type writeBody struct {
	SubID           string        `json:"sub_id,omitempty"`
	Fields          models.Fields `json:"fields"`
	ExpectedVersion *int64        `json:"expected_version,omitempty"`
}

func kindPath(kind models.EntityKind) string {
	return "/v1/" + url.PathEscape(string(kind))
}

func objectPath(kind models.EntityKind, id string) string {
	return kindPath(kind) + "/" + url.PathEscape(id)
}

// FetchChanges returns one page of the change feed for kind after cursor.
func (c *Client) FetchChanges(ctx context.Context, kind models.EntityKind, cursor string) (*models.ChangePage, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(c.cfg.PageSize))
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	resp, err := c.do(ctx, &request{method: http.MethodGet, path: kindPath(kind) + "/changes", query: query})
	if err != nil {
		return nil, mapStatus(err)
	}

	var page models.ChangePage
	if err := resp.decode(&page); err != nil {
		return nil, err
	}
	if page.HasMore && page.NextCursor == "" {
		return nil, apperrors.New(apperrors.ErrInvalidRemoteResponse, "change page has more records but no cursor")
	}
	for _, rec := range page.Records {
		if rec == nil || rec.ID == "" {
			return nil, apperrors.New(apperrors.ErrInvalidRemoteResponse, "change page contains a record without id")
		}
		if rec.Kind == "" {
			rec.Kind = kind
		}
	}
	return &page, nil
}

// CreateOrUpdate creates rec when rec.ID is empty, otherwise updates it with
// rec.Version as the expected version.
func (c *Client) CreateOrUpdate(ctx context.Context, rec *models.RemoteRecord, idempotencyKey string) (*models.RemoteRecord, error) {
	if rec == nil || !rec.Kind.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, "record with a valid kind is required")
	}
	body := writeBody{SubID: rec.SubID, Fields: rec.Fields}
	req := &request{
		method:         http.MethodPost,
		path:           kindPath(rec.Kind),
		body:           &body,
		idempotencyKey: idempotencyKey,
	}
	if rec.ID != "" {
		version := rec.Version
		body.ExpectedVersion = &version
		req.method = http.MethodPut
		req.path = objectPath(rec.Kind, rec.ID)
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, mapStatus(err)
	}
	var out models.RemoteRecord
	if err := resp.decode(&out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, apperrors.New(apperrors.ErrInvalidRemoteResponse, "write response has no id")
	}
	if out.Kind == "" {
		out.Kind = rec.Kind
	}
	return &out, nil
}

// Delete removes a remote object. An object that is already gone counts as
// deleted.
func (c *Client) Delete(ctx context.Context, kind models.EntityKind, remoteID, idempotencyKey string) error {
	_, err := c.do(ctx, &request{
		method:         http.MethodDelete,
		path:           objectPath(kind, remoteID),
		idempotencyKey: idempotencyKey,
	})
	if err != nil && !isNotFound(err) {
		return mapStatus(err)
	}
	return nil
}

// FetchByRemoteID returns the current remote record, or nil if it does not
// exist.
func (c *Client) FetchByRemoteID(ctx context.Context, kind models.EntityKind, remoteID string) (*models.RemoteRecord, error) {
	resp, err := c.do(ctx, &request{method: http.MethodGet, path: objectPath(kind, remoteID)})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, mapStatus(err)
	}
	var out models.RemoteRecord
	if err := resp.decode(&out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, apperrors.New(apperrors.ErrInvalidRemoteResponse, "record response has no id")
	}
	if out.Kind == "" {
		out.Kind = kind
	}
	return &out, nil
}
