package pub

import "context"

// Noop drops every notification. Used when NOTIFY_BACKEND=none.
type Noop struct{}

func (Noop) PublishRaw(ctx context.Context, topic string, payload []byte) error {
	return nil
}
