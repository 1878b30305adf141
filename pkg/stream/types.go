package stream

import "context"

const (
	TypeProgress   = "hpcdash.scan.progress.v1"
	TypeItem       = "hpcdash.scan.item.v1"
	TypeItemUpdate = "hpcdash.scan.item_update.v1"
	TypeError      = "hpcdash.scan.error.v1"
	TypeComplete   = "hpcdash.scan.complete.v1"
)

// Progress reports scan progress. Total and Current are family counts.
type Progress struct {
	Message string `json:"message,omitempty"`
	Total   int    `json:"total"`
	Current int    `json:"current"`
}

// Item carries one record. Key is the record's natural key.
type Item struct {
	Key    string `json:"key"`
	Record any    `json:"record"`
}

// ItemUpdate patches a previously emitted Item, matched by Key.
type ItemUpdate struct {
	Key   string `json:"key"`
	Patch any    `json:"patch"`
}

type Error struct {
	Message string `json:"message"`
}

type Complete struct {
	Summary any `json:"summary"`
}

// Event is one message of a scan stream. Data holds one of the payload
// types above.
type Event struct {
	Type string
	Data any
}

// Key returns the natural key for item and item_update events.
func (e Event) Key() string {
	switch d := e.Data.(type) {
	case Item:
		return d.Key
	case ItemUpdate:
		return d.Key
	}
	return ""
}

// Name is the short SSE event name ("progress", "item", ...).
func (e Event) Name() string {
	switch e.Type {
	case TypeProgress:
		return "progress"
	case TypeItem:
		return "item"
	case TypeItemUpdate:
		return "item_update"
	case TypeError:
		return "error"
	case TypeComplete:
		return "complete"
	}
	return "message"
}

func ProgressEvent(message string, total, current int) Event {
	return Event{Type: TypeProgress, Data: Progress{Message: message, Total: total, Current: current}}
}

func ItemEvent(key string, record any) Event {
	return Event{Type: TypeItem, Data: Item{Key: key, Record: record}}
}

func ItemUpdateEvent(key string, patch any) Event {
	return Event{Type: TypeItemUpdate, Data: ItemUpdate{Key: key, Patch: patch}}
}

func ErrorEvent(message string) Event {
	return Event{Type: TypeError, Data: Error{Message: message}}
}

func CompleteEvent(summary any) Event {
	return Event{Type: TypeComplete, Data: Complete{Summary: summary}}
}

// Terminal reports whether no further events follow e.
func (e Event) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}

// Emitter receives scan events. Implementations must be safe for concurrent
// use.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev Event) error

func (f EmitterFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(context.Context, Event) error { return nil })
