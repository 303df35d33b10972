package app

import (
	"context"
	"guildsync/internal/types"
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

type AppTestSuite struct {
	suite.Suite
}

func TestAppTestSuite(t *testing.T) {
	suite.Run(t, new(AppTestSuite))
}

func (s *AppTestSuite) TestFromEnvDefaults() {
	dir := s.T().TempDir()
	s.T().Setenv("STORE_BACKEND", "fs")
	s.T().Setenv("STORE_DIR", filepath.Join(dir, "guilds"))
	s.T().Setenv("NOTIFY_BACKEND", "none")
	s.T().Setenv(SchemaDirKey, "")
	settings := filepath.Join(dir, "settings.py")
	s.Require().NoError(os.WriteFile(settings, []byte(`ALLOWED_LANGS = ["en"]`), 0o644))
	s.T().Setenv(BotSettingsFileKey, settings)

	ctx := context.Background()
	a, err := FromEnv(ctx)
	s.Require().NoError(err)

	doc, err := a.Service.Patch(ctx, "g", nil, types.Payload{"prefix": "?"})
	s.Require().NoError(err)
	s.Equal(int64(1), doc.Version)
	langs, err := a.Service.Languages(ctx)
	s.Require().NoError(err)
	s.Equal([]string{"en"}, langs)

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.NoError(a.Close(cctx))
}

func (s *AppTestSuite) TestFromEnvErrors() {
	s.T().Setenv(SchemaDirKey, filepath.Join(s.T().TempDir(), "missing"))
	_, err := FromEnv(context.Background())
	s.Error(err)

	s.T().Setenv(SchemaDirKey, "")
	s.T().Setenv("STORE_BACKEND", "fs")
	s.T().Setenv("STORE_DIR", s.T().TempDir())
	s.T().Setenv("NOTIFY_BACKEND", "carrier-pigeon")
	_, err = FromEnv(context.Background())
	s.ErrorIs(err, types.ErrInvalidBackend)
}

func (s *AppTestSuite) TestConfigureLogging() {
	defer log.SetLevel(log.InfoLevel)
	defer log.SetFormatter(&log.TextFormatter{})

	s.T().Setenv(LogLevelKey, "debug")
	s.T().Setenv(LogFormatKey, "json")
	ConfigureLogging()
	s.Equal(log.DebugLevel, log.GetLevel())
	s.IsType(&log.JSONFormatter{}, log.StandardLogger().Formatter)

	s.T().Setenv(LogLevelKey, "chatty")
	ConfigureLogging()
	s.Equal(log.InfoLevel, log.GetLevel())
}
