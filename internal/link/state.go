package link

import "github.com/smazurov/visionlink/internal/system"

// State is the lifecycle state of a link.
type State string

// Link states.
const (
	StateIdle    State = "idle"    // Not created, owns no buffers
	StateReady   State = "ready"   // Created, buffers allocated
	StateRunning State = "running" // Processing NEW_DATA
)

// Info describes a link task for diagnostics.
type Info struct {
	ID      system.LinkID
	Name    string
	Type    string
	State   State
	Mailbox int
	Ignored uint64
}
