package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are attached to every record logged with a context carrying them.
type LogFields struct {
	RequestID *string
	SessionID *string
	Driver    *string
	Component string
}

// WithLogFields merges fields into ctx; newer non-empty values win.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := mergeFields(GetLogFields(ctx), fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

func GetLogFields(ctx context.Context) LogFields {
	if ctx == nil {
		return LogFields{}
	}
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing
	if next.RequestID != nil {
		result.RequestID = next.RequestID
	}
	if next.SessionID != nil {
		result.SessionID = next.SessionID
	}
	if next.Driver != nil {
		result.Driver = next.Driver
	}
	if next.Component != "" {
		result.Component = next.Component
	}
	return result
}

func Ptr[T any](v T) *T {
	return &v
}

// Truncate shortens s for log output.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
