package ports

import "context"

// Publisher delivers an encoded notification to the bot. The topic is backend specific
// (SNS topic ARN, NATS subject, Redis channel); webhook publishers ignore it.
type Publisher interface {
	PublishRaw(ctx context.Context, topic string, payload []byte) error
}
