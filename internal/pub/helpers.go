package pub

import (
	"context"
	"guildsync/internal/backends"
	"guildsync/internal/ports"
	"guildsync/internal/types"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	redisbackend "guildsync/internal/backends/redis"
)

// EventType tags every published notification.
const EventType = "guildsync.config.changed"

const (
	NotifyBackendEnvKey = "NOTIFY_BACKEND"
	NotifyTopicKey      = "NOTIFY_TOPIC"
	WebhookURLKey       = "NOTIFY_WEBHOOK_URL"
	WebhookSecretKey    = "NOTIFY_WEBHOOK_SECRET"
	NATSURLKey          = "NATS_URL"
	SNSEndpointKey      = "SNS_ENDPOINT"

	BackendWebhook = "webhook"
	BackendSNS     = "sns"
	BackendNATS    = "nats"
	BackendRedis   = "redis"
	BackendNone    = "none"
)

// PublisherFromEnv builds the notification publisher selected by NOTIFY_BACKEND and returns
// it with the topic to publish on (NOTIFY_TOPIC: SNS topic ARN, NATS subject or Redis
// channel). Publishers that hold a connection implement io.Closer.
func PublisherFromEnv(ctx context.Context) (ports.Publisher, string, error) {
	backend := backends.Getenv(NotifyBackendEnvKey, BackendNone)
	topic := backends.Getenv(NotifyTopicKey, "guildsync.config")

	var (
		p   ports.Publisher
		err error
	)
	switch backend {
	case BackendWebhook:
		url := os.Getenv(WebhookURLKey)
		if url == "" {
			return nil, "", types.Err(types.ErrInvalidBackend, nil, "%s requires %s", backend, WebhookURLKey)
		}
		p = NewWebhook(url, os.Getenv(WebhookSecretKey))

	case BackendSNS:
		var awsCfg aws.Config
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, "", err
		}
		p = NewSNS(sns.NewFromConfig(awsCfg, func(o *sns.Options) {
			if ep := os.Getenv(SNSEndpointKey); ep != "" {
				o.BaseEndpoint = aws.String(ep)
			}
		}))

	case BackendNATS:
		p, err = NewNATSPublisher(backends.Getenv(NATSURLKey, nats.DefaultURL))

	case BackendRedis:
		cli, rerr := backends.RedisClientFromEnv(ctx)
		if rerr != nil {
			return nil, "", rerr
		}
		p = redisbackend.NewPublisher(cli)

	case BackendNone:
		p = Noop{}

	default:
		return nil, "", types.Err(types.ErrInvalidBackend, nil, "%s=%q", NotifyBackendEnvKey, backend)
	}
	if err != nil {
		return nil, "", err
	}
	log.WithFields(log.Fields{"backend": backend, "topic": topic}).Info("notification publisher ready")
	return p, topic, nil
}
