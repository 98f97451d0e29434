package kit

import "context"

type contextKey string

const (
	RunIDKey     contextKey = "kit_run_id"
	CommandIDKey contextKey = "kit_command_id"
	TransportKey contextKey = "kit_transport" // "relay", "mcp", "http"
)

func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RunIDKey, id)
}
func GetRunID(ctx context.Context) string {
	v, _ := ctx.Value(RunIDKey).(string)
	return v
}

func WithCommandID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CommandIDKey, id)
}
func GetCommandID(ctx context.Context) string {
	v, _ := ctx.Value(CommandIDKey).(string)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}

// GetTransport returns the transport the request arrived on. Defaults to
// "relay", the agent's primary channel.
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "relay"
}
