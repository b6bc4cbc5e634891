package pubsubapi

import (
	"context"
	"time"

	"github.com/jake-scott/controlsd/internal/pkg/sdmapi"
)

// SdmEvent is one device resource update delivered through the pub/sub
// subscription.  Traits carries only what changed.
type SdmEvent struct {
	AckID     string
	DeviceID  string
	Timestamp time.Time
	Traits    sdmapi.Traits
}

type PubSub interface {
	Pull(ctx context.Context) ([]SdmEvent, error)
	AckMessages(ctx context.Context, ackIDs []string) error
}
