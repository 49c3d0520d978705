package lifecycle

import (
	"context"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Hasher computes digests for checkpoint integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Publisher pushes lifecycle notifications to the external feedback
// collaborator (Pub/Sub or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// IDGenerator produces run and checkpoint ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Registrar is the registration surface exposed to host components that own
// resources. The coordinator implements it.
type Registrar interface {
	RegisterCleanup(task CleanupTask) error
	UnregisterCleanup(resourceID string) bool
}

// CriticalGate marks in-flight host operations that the CriticalOpsDrain
// phase gives bounded extra time to finish.
type CriticalGate interface {
	EnterCriticalOperation(name string)
	ExitCriticalOperation(name string)
}
