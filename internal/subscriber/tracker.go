package subscriber

import (
	"crypto/subtle"
	"fmt"
	"guildsync/internal/pub"
	"guildsync/internal/types"
	"io"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// Tracker is the receiving side of change notifications. Delivery is at least once and a
// retried event can arrive after a newer one, so the tracker keeps the last version applied
// per key and ignores anything not newer.
type Tracker struct {
	mu       sync.Mutex
	versions map[types.ConfigKey]int64
	onChange func(types.NotificationEvent)
}

// NewTracker calls onChange for every event that moves a key forward. Calls are serialized.
func NewTracker(onChange func(types.NotificationEvent)) *Tracker {
	return &Tracker{versions: make(map[types.ConfigKey]int64), onChange: onChange}
}

// Seed records the version already loaded for key, e.g. at bot start.
func (t *Tracker) Seed(key types.ConfigKey, version int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if version > t.versions[key] {
		t.versions[key] = version
	}
}

// Version is the last version applied for key, 0 if none.
func (t *Tracker) Version(key types.ConfigKey) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.versions[key]
}

// Apply reports whether ev was newer than the cached version and therefore applied.
func (t *Tracker) Apply(ev types.NotificationEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ev.NewVersion <= t.versions[ev.Key] {
		log.WithFields(log.Fields{
			"key":     ev.Key,
			"version": ev.NewVersion,
			"cached":  t.versions[ev.Key],
		}).Debug("stale notification ignored")
		return false
	}
	t.versions[ev.Key] = ev.NewVersion
	if t.onChange != nil {
		t.onChange(ev)
	}
	return true
}

// Handle decodes a published payload and applies it.
func (t *Tracker) Handle(payload []byte) (bool, error) {
	var ev types.NotificationEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return false, fmt.Errorf("decode notification: %w", err)
	}
	if err := ev.Key.Validate(); err != nil {
		return false, err
	}
	return t.Apply(ev), nil
}

// WebhookHandler receives notifications sent by the webhook publisher. When secret is set the
// request must carry it in the token header.
func (t *Tracker) WebhookHandler(secret string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(pub.TokenHeader)), []byte(secret)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read error", http.StatusBadRequest)
			return
		}
		if _, err := t.Handle(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// SubscribeNATS applies every notification published on subject.
func (t *Tracker) SubscribeNATS(nc *nats.Conn, subject string) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		if _, err := t.Handle(msg.Data); err != nil {
			log.WithError(err).WithField("subject", subject).Warn("bad notification")
		}
	})
}
