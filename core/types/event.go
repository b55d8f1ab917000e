package types

import "strings"

// Event is the wire form of a state change: a type name plus flat string
// attributes. Streams and relayers only ever see this shape.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Attr returns the trimmed attribute value, or "" when the event or key is
// absent.
func (e *Event) Attr(key string) string {
	if e == nil {
		return ""
	}
	return strings.TrimSpace(e.Attributes[key])
}
