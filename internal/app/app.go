package app

import (
	"context"
	"errors"
	"guildsync/internal/backends"
	"guildsync/internal/coord"
	"guildsync/internal/metrics"
	"guildsync/internal/notify"
	"guildsync/internal/ports"
	"guildsync/internal/pub"
	"guildsync/internal/schema"
	"guildsync/internal/service"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

const (
	EnvFileKey         = "ENV_FILE"
	LogLevelKey        = "LOG_LEVEL"
	LogFormatKey       = "LOG_FORMAT"
	SchemaDirKey       = "SCHEMA_DIR"
	BotSettingsFileKey = "BOT_SETTINGS_FILE"
	LangsTTLKey        = "LANGS_TTL"
)

// LoadEnv loads ENV_FILE (default .env) into the environment, if it exists, and configures
// logging from LOG_LEVEL and LOG_FORMAT.
func LoadEnv() {
	envFile := os.Getenv(EnvFileKey)
	if envFile == "" {
		envFile = ".env"
	}
	err := godotenv.Load(envFile)
	if err != nil {
		log.Debug("The .env file not found.")
	}
	ConfigureLogging()
}

func ConfigureLogging() {
	if strings.EqualFold(os.Getenv(LogFormatKey), "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	lvl, err := log.ParseLevel(backends.Getenv(LogLevelKey, "info"))
	if err != nil {
		log.WithError(err).Warn("invalid LOG_LEVEL, using info")
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

// App is the wired service with the resources it owns.
type App struct {
	Store    ports.DocumentStore
	Schemas  *schema.Registry
	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
	Coord    *coord.Coordinator
	Service  *service.Service

	publisher ports.Publisher
}

// FromEnv builds the App from the store, publisher and schema selected by the environment.
func FromEnv(ctx context.Context) (*App, error) {
	schemas, err := SchemasFromEnv()
	if err != nil {
		return nil, err
	}
	store, err := backends.StoreFromEnv(ctx)
	if err != nil {
		return nil, err
	}
	p, topic, err := pub.PublisherFromEnv(ctx)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return New(store, schemas, p, notify.ConfigFromEnv(topic)), nil
}

// New wires the components around store and publisher.
func New(store ports.DocumentStore, schemas *schema.Registry, p ports.Publisher, cfg notify.Config) *App {
	m := metrics.New()
	n := notify.New(p, cfg, m)
	c := coord.New(store, schemas, n, coord.WithMetrics(m))

	var opts []service.Option
	if path := os.Getenv(BotSettingsFileKey); path != "" {
		ttl := backends.GetenvDuration(LangsTTLKey, service.DefaultLangsTTL)
		opts = append(opts, service.WithLanguages(service.NewLanguages(path, ttl, nil)))
	}
	return &App{
		Store:     store,
		Schemas:   schemas,
		Notifier:  n,
		Metrics:   m,
		Coord:     c,
		Service:   service.New(c, store, schemas, opts...),
		publisher: p,
	}
}

// SchemasFromEnv loads SCHEMA_DIR when set, else the built-in schema.
func SchemasFromEnv() (*schema.Registry, error) {
	if dir := os.Getenv(SchemaDirKey); dir != "" {
		log.WithField("dir", dir).Info("loading schema definitions")
		return schema.LoadDir(dir)
	}
	return schema.Builtin()
}

// Close delivers the queued notifications until ctx ends, then releases the publisher and
// the store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Notifier.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if c, ok := a.publisher.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
