package tools

import (
	"context"
)

// Tool is a capability the model can invoke. Execute reports expected
// failures through the returned ToolResult; the registry contains anything
// else.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *ToolResult
}

type originKey struct{}

// Origin identifies the chat a request came from, so background tools can
// report back to it.
type Origin struct {
	Channel string
	ChatID  string
}

func WithOrigin(ctx context.Context, channel, chatID string) context.Context {
	return context.WithValue(ctx, originKey{}, Origin{Channel: channel, ChatID: chatID})
}

func OriginFrom(ctx context.Context) (Origin, bool) {
	o, ok := ctx.Value(originKey{}).(Origin)
	return o, ok
}

func stringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
