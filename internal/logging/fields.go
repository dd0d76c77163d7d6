package logging

import (
	"time"

	"github.com/felixgeelhaar/bolt/v3"
)

// Field is a function that applies structured data to a log event.
type Field func(*bolt.Event) *bolt.Event

// Component adds a component field for categorization.
func Component(name string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("component", name)
	}
}

// RunID adds a materialization or ingest run ID.
func RunID(id string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("run_id", id)
	}
}

// View adds a view name field.
func View(name string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("view", name)
	}
}

// Seq adds an event sequence number.
func Seq(key string, seq uint64) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Int64(key, int64(seq))
	}
}

// Source adds a source kind and unit pair.
func Source(kind, unit string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("source_kind", kind).Str("unit_id", unit)
	}
}

// EventType adds an event type field.
func EventType(t string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str("event_type", t)
	}
}

// Count adds an integer counter with a custom key.
func Count(key string, n int) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Int(key, n)
	}
}

// Duration adds a duration field in milliseconds.
func Duration(d time.Duration) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Int64("duration_ms", d.Milliseconds())
	}
}

// Flag adds a boolean field with a custom key.
func Flag(key string, v bool) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Bool(key, v)
	}
}

// ErrorField adds an error field.
func ErrorField(err error) Field {
	return func(e *bolt.Event) *bolt.Event {
		if err == nil {
			return e
		}
		return e.Err(err)
	}
}

// Str adds a string field with custom key.
func Str(key, value string) Field {
	return func(e *bolt.Event) *bolt.Event {
		return e.Str(key, value)
	}
}
