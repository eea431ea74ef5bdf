package interfaces

import "github.com/m-mizutani/hearken/pkg/model"

// EventSink receives agent events. Emit must not block for long; transports queue writes.
type EventSink interface {
	Emit(ev *model.Event)
}

type EventSinkFunc func(ev *model.Event)

func (f EventSinkFunc) Emit(ev *model.Event) { f(ev) }
