package notify

import (
	"time"

	"github.com/hashfleet/hashfleet/internal/models"
	"github.com/hashfleet/hashfleet/pkg/debug"
	"github.com/google/uuid"
)

// Notifier receives change triggers. Delivery is best-effort and
// at-most-once; consumers re-fetch authoritative state and must never
// trust trigger content beyond identity.
type Notifier interface {
	Notify(trigger models.Trigger)
}

// Emitter fans triggers out to the configured sinks. Emission never
// blocks the caller: each sink gets the trigger on its own goroutine
// and failures are logged, not returned.
type Emitter struct {
	sinks []Notifier
}

// NewEmitter creates an emitter over the given sinks.
func NewEmitter(sinks ...Notifier) *Emitter {
	return &Emitter{sinks: sinks}
}

// Emit builds a trigger and delivers it to every sink.
func (e *Emitter) Emit(kind string, projectID uuid.UUID, entityID string) {
	trigger := models.Trigger{
		Kind:      kind,
		ProjectID: projectID,
		EntityID:  entityID,
		EmittedAt: time.Now(),
	}

	debug.Debug("Emitting trigger %s for %s in project %s", kind, entityID, projectID)

	for _, sink := range e.sinks {
		go func(s Notifier) {
			defer func() {
				if p := recover(); p != nil {
					debug.Error("Notifier sink panicked: %v", p)
				}
			}()
			s.Notify(trigger)
		}(sink)
	}
}
