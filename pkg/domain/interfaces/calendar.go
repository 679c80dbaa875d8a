package interfaces

import (
	"context"

	"github.com/secmon-lab/onboarder/pkg/domain/model"
)

// Calendar is the external calendar collaborator behind the tool registry
type Calendar interface {
	ListEvents(ctx context.Context, r model.TimeRange, limit int) ([]*model.Event, error)
	CreateEvent(ctx context.Context, event *model.Event) (*model.Event, error)
}
