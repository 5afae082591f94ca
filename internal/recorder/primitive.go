// Package recorder wraps the external recording primitive: it gates the raw
// event stream on idle and URL-blocklist state, rate-limits mutation floods,
// and delivers surviving events to a single subscriber.
package recorder

import "github.com/perceptr/perceptr-go/internal/model"

// EmitFunc receives each raw event produced by the primitive.
type EmitFunc func(model.DomEvent)

// Plugin names an add-on the primitive should load (e.g. console capture).
type Plugin struct {
	Name    string
	Options map[string]any
}

// Sampling holds the primitive's sampling knobs, passed through opaquely.
type Sampling map[string]any

// RecordOptions configures one recording run of the primitive.
type RecordOptions struct {
	Emit     EmitFunc
	Plugins  []Plugin
	Sampling Sampling
}

// StopFunc halts a recording run started with Record.
type StopFunc func()

// Primitive is the external DOM-recording engine. Implementations produce
// full snapshots, incremental mutations, meta events, and plugin records
// through the Emit callback.
type Primitive interface {
	Record(opts RecordOptions) (StopFunc, error)
}

// Snapshotter is implemented by primitives that can force a full snapshot.
// The mutation rate limiter uses it to recover after throttling a node.
type Snapshotter interface {
	TakeFullSnapshot()
}
