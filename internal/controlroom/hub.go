// Package controlroom publishes workflow lifecycle updates to the external
// observer. Delivery is fire-and-forget: a slow or absent observer never
// stalls execution.
package controlroom

import (
	"context"

	"github.com/opsen/sequent/pkg/schema"
)

// Filter specifies which updates a subscriber wants to receive.
type Filter struct {
	WorkflowID string              `json:"workflow_id,omitempty"`
	Types      []schema.UpdateType `json:"types,omitempty"`
}

// Hub provides pub/sub for control room updates.
type Hub interface {
	Publish(ctx context.Context, update schema.ControlRoomUpdate) error
	Subscribe(ctx context.Context, filter Filter) (<-chan schema.ControlRoomUpdate, func(), error)
}
