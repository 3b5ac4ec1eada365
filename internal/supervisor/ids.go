package supervisor

import "github.com/google/uuid"

// newID mints an opaque identifier by stamping a fresh uuid.New() onto a
// prefix identifying the entity kind.
func newID(prefix string) string {
	return prefix + "-" + uuid.New().String()
}

func newJobID() string       { return newID("job") }
func newSignalID() string    { return newID("signal") }
func newActivityID() string  { return newID("activity") }
func newChatID(role string) string { return newID("chat-" + role) }
