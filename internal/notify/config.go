package notify

import (
	"guildsync/internal/backends"
	"guildsync/internal/types"
	"time"
)

// Config configures delivery. Zero fields take the defaults of DefaultConfig.
type Config struct {
	// Topic is passed to the publisher with every event.
	Topic string
	// Lanes is the number of independent delivery queues.
	Lanes int
	// QueueSize bounds the pending events of one lane.
	QueueSize int
	// MaxAttempts is the maximum number of delivery attempts (including the first).
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Factor is the multiplier for exponential backoff.
	Factor float64
	// NoJitter disables randomization of delays.
	NoJitter bool
	// AttemptTimeout bounds a single publish call.
	AttemptTimeout time.Duration
	// OnFailure, when set, is called for every dropped event.
	OnFailure func(*types.NotificationDeliveryFailure)
}

func DefaultConfig() Config {
	return Config{
		Lanes:          8,
		QueueSize:      256,
		MaxAttempts:    5,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Factor:         2.0,
		AttemptTimeout: 10 * time.Second,
	}
}

// ConfigFromEnv reads NOTIFY_LANES, NOTIFY_QUEUE_SIZE, NOTIFY_MAX_ATTEMPTS,
// NOTIFY_INITIAL_DELAY, NOTIFY_MAX_DELAY and NOTIFY_ATTEMPT_TIMEOUT.
func ConfigFromEnv(topic string) Config {
	d := DefaultConfig()
	return Config{
		Topic:          topic,
		Lanes:          backends.GetenvInt("NOTIFY_LANES", d.Lanes),
		QueueSize:      backends.GetenvInt("NOTIFY_QUEUE_SIZE", d.QueueSize),
		MaxAttempts:    backends.GetenvInt("NOTIFY_MAX_ATTEMPTS", d.MaxAttempts),
		InitialDelay:   backends.GetenvDuration("NOTIFY_INITIAL_DELAY", d.InitialDelay),
		MaxDelay:       backends.GetenvDuration("NOTIFY_MAX_DELAY", d.MaxDelay),
		Factor:         d.Factor,
		AttemptTimeout: backends.GetenvDuration("NOTIFY_ATTEMPT_TIMEOUT", d.AttemptTimeout),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Lanes <= 0 {
		c.Lanes = d.Lanes
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Factor <= 0 {
		c.Factor = d.Factor
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	return c
}

func (c Config) backoff(delay time.Duration) time.Duration {
	if c.NoJitter {
		return delay
	}
	return jitter(delay)
}
