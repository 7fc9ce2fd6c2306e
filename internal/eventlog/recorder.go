package eventlog

import (
	"context"
	"fmt"

	"github.com/ent0n29/mediacore/internal/eventbus"
)

// Recorder is an eventbus.Publisher that archives what it receives.
type Recorder struct {
	store Store
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) Publish(ctx context.Context, msg eventbus.Message) error {
	if err := r.store.Append(ctx, FromMessage(msg)); err != nil {
		return fmt.Errorf("archive %s/%s: %w", msg.ObjectID, msg.Type, err)
	}
	return nil
}
