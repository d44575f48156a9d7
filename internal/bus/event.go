package bus

import (
	"strings"
	"time"
)

// Event is one item on the bus. Kind is a dot-namespaced name such as
// "wa.message" or "outbox.send_ack"; Payload carries whatever typed
// value the publisher documented for that kind.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// In reports whether the event falls under the given namespace prefix.
// The empty namespace matches every event.
func (e Event) In(namespace string) bool {
	return strings.HasPrefix(e.Kind, namespace)
}
