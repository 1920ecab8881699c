package feed

import (
	"context"
	"net/http"

	"canary-pipeline/internal/domain"
)

// ChangeClient implements ports.ChangeExecutor against the live system's
// change endpoint.
type ChangeClient struct {
	c *client
}

// NewChangeClient creates a client for the executor at endpoint.
func NewChangeClient(endpoint string, opts ...ClientOption) *ChangeClient {
	return &ChangeClient{c: newClient("change_executor", endpoint, opts...)}
}

// Apply pushes change to the live system.
func (e *ChangeClient) Apply(ctx context.Context, change domain.Change) error {
	return e.c.do(ctx, http.MethodPost, "/v1/changes/apply", change, nil)
}

// Revert undoes change. The executor answers 404 or 409 for a change that
// is not (or no longer) live; both count as reverted.
func (e *ChangeClient) Revert(ctx context.Context, change domain.Change) error {
	err := e.c.do(ctx, http.MethodPost, "/v1/changes/revert", change, nil)
	switch statusCode(err) {
	case http.StatusNotFound, http.StatusConflict:
		e.c.log.Debug().Str("change_id", change.ChangeID).Msg("change already reverted")
		return nil
	}
	return err
}
