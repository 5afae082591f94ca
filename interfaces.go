package perceptr

import (
	"github.com/perceptr/perceptr-go/internal/recorder"
	"github.com/perceptr/perceptr-go/internal/session"
)

// RecordingEngine is the external DOM-recording primitive the agent wraps.
// Implementations stream full snapshots, incremental mutations, meta events,
// and plugin records through the Emit callback, and return a stop function.
type RecordingEngine = recorder.Primitive

// Snapshotter is implemented by engines that can force a full snapshot; the
// mutation rate limiter uses it to resync throttled subtrees.
type Snapshotter = recorder.Snapshotter

// RecordOptions configures one recording run of the engine.
type RecordOptions = recorder.RecordOptions

// RecordPlugin names an engine add-on, e.g. console capture.
type RecordPlugin = recorder.Plugin

// StopFunc halts a recording run.
type StopFunc = recorder.StopFunc

// Broadcaster posts advisory cross-tab session notifications. A nil
// broadcaster is tolerated; delivery is lossy.
type Broadcaster = session.Broadcaster

// BroadcastMessage is one advisory notification.
type BroadcastMessage = session.Message
