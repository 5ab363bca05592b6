package logger

import "log/slog"

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// ParentUID records the parent account identifier.
func ParentUID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("parent_uid", id)
}

// ChildID records the child profile identifier.
func ChildID(id any) slog.Attr {
	if id == nil {
		return slog.Attr{}
	}
	return slog.Any("child_profile_id", id)
}

// EventID records a billing provider event identifier.
func EventID(id string) slog.Attr {
	return slog.String("event_id", id)
}

// EventType records a billing provider event type.
func EventType(t any) slog.Attr {
	return slog.Any("event_type", t)
}
