package invalidation

import (
	"time"
)

// Type classifies what an invalidation action targeted.
type Type string

const (
	TypeKey     Type = "key"
	TypePattern Type = "pattern"
	TypeTag     Type = "tag"
	TypeUser    Type = "user"
	TypeTenant  Type = "tenant"
	TypeCustom  Type = "custom"
)

// Event is the immutable record of one invalidation action. Exactly
// one event is published per action, after its deletes have run.
// Events are always JSON on the wire so heterogeneous subscribers can
// decode them regardless of how cached values are serialized.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`
	// Type classifies the action.
	Type Type `json:"type"`
	// Target is what was invalidated: the keys, the pattern, the tag
	// list, or the user/tenant id.
	Target string `json:"target"`
	// Reason is the caller-supplied explanation for the invalidation.
	Reason string `json:"reason,omitempty"`
	// Source names the component or service that requested it.
	Source string `json:"source,omitempty"`
	// Sender is the instance that published the event.
	Sender string `json:"sender,omitempty"`
	// Timestamp is when the action completed.
	Timestamp time.Time `json:"timestamp"`
	// Metadata carries action details such as the deleted key count.
	Metadata map[string]string `json:"metadata,omitempty"`
}
