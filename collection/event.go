package collection

import (
	"github.com/hb9tf/meshsurvey/survey"
)

type EventType string

const (
	// EventHello is the first event after Attach.
	EventHello EventType = "hello"
	// EventAck confirms a command that changed the session state.
	EventAck EventType = "ack"
	// EventResult reports the outcome of a collection or a rejected command.
	EventResult EventType = "result"
)

// Event is emitted by a Controller in the order the session observes it.
type Event struct {
	Type      EventType
	RequestID string
	State     string
	Mode      survey.Mode
	// Err is a *survey.Error when the attempt or command failed.
	Err    error
	Count  int
	Missed int

	Measurement *survey.Measurement
	// Point is the surface point added by Measurement, if coverage is tracked.
	Point *survey.Point
}

func (e Event) OK() bool {
	return e.Err == nil
}

// Deliverer receives events on the controller goroutine and must not block
// for long.
type Deliverer func(Event)
