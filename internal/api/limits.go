package api

import (
	"context"
	"net/http"

	"github.com/harmonia-app/chatcore/internal/entitlement"
)

// GetLimits fetches the authoritative entitlement snapshot.
func (c *Client) GetLimits(ctx context.Context) (*entitlement.Record, error) {
	var rec entitlement.Record
	if err := c.do(ctx, http.MethodGet, "/users/limits", nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateLimits persists a full snapshot. Last writer wins at the field
// level; only one device session is assumed active.
func (c *Client) UpdateLimits(ctx context.Context, rec *entitlement.Record) error {
	return c.do(ctx, http.MethodPost, "/users/limits", rec, nil)
}
