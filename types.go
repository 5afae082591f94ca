package perceptr

import (
	"fmt"

	"github.com/perceptr/perceptr-go/internal/api"
	"github.com/perceptr/perceptr-go/internal/model"
	"github.com/perceptr/perceptr-go/internal/recorder"
)

// Environment selects the control plane host.
type Environment = api.Environment

const (
	EnvLocal = api.EnvLocal
	EnvDev   = api.EnvDev
	EnvStg   = api.EnvStg
	EnvProd  = api.EnvProd
)

// Event types re-exported for recording-engine implementations and consumers
// that dispatch on the stream.
type (
	Event         = model.Event
	DomEvent      = model.DomEvent
	NetworkRecord = model.NetworkRecord
	UserIdentity  = model.UserIdentity
)

// BlockRule pauses recording while the page URL matches the pattern.
type BlockRule = recorder.BlockRule

// Visibility mirrors the host surface's visibility state. The embedding
// application reports transitions through Agent.SetVisibility.
type Visibility int

const (
	VisibilityVisible Visibility = iota
	VisibilityHidden
)

// FailureKind classifies errors surfaced on the agent's error channel.
type FailureKind int

const (
	// FailureInitialization — invalid project id or fatal construction error;
	// fatal to the instance.
	FailureInitialization FailureKind = iota
	// FailureRecording — a sub-component could not start; the component is
	// skipped when non-critical.
	FailureRecording
	// FailureUpload — network or server error during batch send; recovered by
	// backoff, never fatal.
	FailureUpload
	// FailureMemoryLimit — heap usage crossed the configured limit; the
	// pipeline pauses itself.
	FailureMemoryLimit
	// FailureExport — the terminal flush failed (its events are then persisted
	// for the next load), the hidden-visibility snapshot could not be saved, or
	// replaying persisted buffers failed.
	FailureExport
)

func (k FailureKind) String() string {
	switch k {
	case FailureInitialization:
		return "initialization"
	case FailureRecording:
		return "recording"
	case FailureUpload:
		return "upload"
	case FailureMemoryLimit:
		return "memory_limit"
	default:
		return "export"
	}
}

// AgentError pairs a failure kind with its cause.
type AgentError struct {
	Kind FailureKind
	Err  error
}

func (e AgentError) Error() string {
	return fmt.Sprintf("perceptr: %s failure: %v", e.Kind, e.Err)
}

func (e AgentError) Unwrap() error { return e.Err }
