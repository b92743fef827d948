package chat

import "strings"

// Event is a readiness interest mask.
type Event uint8

const (
	EventInput Event = 1 << iota
	EventOutput
)

// String returns the string representation of Event
func (e Event) String() string {
	if e == 0 {
		return "NONE"
	}
	var parts []string
	if e&EventInput != 0 {
		parts = append(parts, "INPUT")
	}
	if e&EventOutput != 0 {
		parts = append(parts, "OUTPUT")
	}
	if e&^(EventInput|EventOutput) != 0 {
		parts = append(parts, "UNKNOWN")
	}
	return strings.Join(parts, "|")
}
