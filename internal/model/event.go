// Package model defines the event stream types shared by the capture pipeline:
// the recorder/network event sum type, the upload batch, and session state.
package model

import (
	"encoding/json"
	"fmt"
)

// EventType is the numeric tag of an event record. Recorder events occupy the
// 0–6 range; network records use 7 so both can share one ordered stream.
type EventType int

const (
	EventDOMContentLoaded    EventType = 0
	EventLoad                EventType = 1
	EventFullSnapshot        EventType = 2
	EventIncrementalSnapshot EventType = 3
	EventMeta                EventType = 4
	EventCustom              EventType = 5
	EventPlugin              EventType = 6
	EventNetwork             EventType = 7
)

// Incremental snapshot source codes, following the recorder's numbering.
const (
	SourceMutation         = 0
	SourceMouseMove        = 1
	SourceMouseInteraction = 2
	SourceScroll           = 3
	SourceViewportResize   = 4
	SourceInput            = 5
	SourceTouchMove        = 6
	SourceMediaInteraction = 7
	SourceDrag             = 12
)

// activeSources are the incremental sources that count as user activity and
// keep a session alive.
var activeSources = map[int]bool{
	SourceMouseMove:        true,
	SourceScroll:           true,
	SourceInput:            true,
	SourceTouchMove:        true,
	SourceMediaInteraction: true,
	SourceDrag:             true,
}

// ConsolePluginName is the recorder plugin that carries console records.
const ConsolePluginName = "console"

// Event is one record in the capture stream: either a recorder event or a
// network record. Consumers dispatch on the numeric tag.
type Event interface {
	Tag() EventType
	Time() int64
}

// DomEvent is a raw event produced by the external recording primitive.
// The payload shape is owned by the primitive; this package only inspects the
// handful of fields the pipeline dispatches on (source, href, plugin).
type DomEvent struct {
	Type      EventType      `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

func (e DomEvent) Tag() EventType { return e.Type }
func (e DomEvent) Time() int64    { return e.Timestamp }

// Source returns the incremental snapshot source code, if present.
func (e DomEvent) Source() (int, bool) {
	if e.Type != EventIncrementalSnapshot || e.Data == nil {
		return 0, false
	}
	return intField(e.Data, "source")
}

// IsInteractive reports whether the event is an incremental snapshot whose
// source is one of the whitelisted user-interaction sources.
func (e DomEvent) IsInteractive() bool {
	src, ok := e.Source()
	return ok && activeSources[src]
}

// Href returns the page URL carried by a meta event.
func (e DomEvent) Href() (string, bool) {
	if e.Type != EventMeta || e.Data == nil {
		return "", false
	}
	href, ok := e.Data["href"].(string)
	return href, ok
}

// PluginName returns the plugin name of a plugin event.
func (e DomEvent) PluginName() (string, bool) {
	if e.Type != EventPlugin || e.Data == nil {
		return "", false
	}
	name, ok := e.Data["plugin"].(string)
	return name, ok
}

// FirstPayloadArg returns the first element of a plugin event's payload
// argument array, when it is a string. Console records carry their formatted
// message there.
func (e DomEvent) FirstPayloadArg() (string, bool) {
	if e.Data == nil {
		return "", false
	}
	payload, ok := e.Data["payload"].(map[string]any)
	if !ok {
		return "", false
	}
	args, ok := payload["payload"].([]any)
	if !ok || len(args) == 0 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok
}

// NetworkRecord is a uniform record of one intercepted HTTP request.
// Field names follow the upload wire format.
type NetworkRecord struct {
	Type            EventType         `json:"type"` // always EventNetwork
	ID              string            `json:"id"`
	Timestamp       int64             `json:"timestamp"`
	Duration        int64             `json:"duration"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Status          int               `json:"status,omitempty"`
	StatusText      string            `json:"statusText,omitempty"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	RequestBody     any               `json:"requestBody,omitempty"`
	ResponseBody    any               `json:"responseBody,omitempty"`
	Error           string            `json:"error,omitempty"`
}

func (r NetworkRecord) Tag() EventType { return r.Type }
func (r NetworkRecord) Time() int64    { return r.Timestamp }

// EventList is an ordered, heterogeneous event slice. Marshalling preserves
// order; unmarshalling dispatches each element on its numeric type tag.
type EventList []Event

// UnmarshalJSON decodes a mixed array of recorder events and network records.
func (l *EventList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("model: decode event list: %w", err)
	}

	out := make(EventList, 0, len(raw))
	for i, msg := range raw {
		var probe struct {
			Type EventType `json:"type"`
		}
		if err := json.Unmarshal(msg, &probe); err != nil {
			return fmt.Errorf("model: decode event %d tag: %w", i, err)
		}
		switch probe.Type {
		case EventNetwork:
			var rec NetworkRecord
			if err := json.Unmarshal(msg, &rec); err != nil {
				return fmt.Errorf("model: decode network record %d: %w", i, err)
			}
			out = append(out, rec)
		default:
			var ev DomEvent
			if err := json.Unmarshal(msg, &ev); err != nil {
				return fmt.Errorf("model: decode recorder event %d: %w", i, err)
			}
			out = append(out, ev)
		}
	}
	*l = out
	return nil
}

// intField reads a numeric map field, tolerating the numeric types JSON
// decoding and in-process producers hand us.
func intField(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
