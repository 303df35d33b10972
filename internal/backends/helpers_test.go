package backends

import (
	"context"
	"guildsync/internal/backends/fs"
	"guildsync/internal/backends/sqlite"
	"guildsync/internal/types"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type HelpersTestSuite struct {
	suite.Suite
}

func TestHelpersTestSuite(t *testing.T) {
	suite.Run(t, new(HelpersTestSuite))
}

func (s *HelpersTestSuite) TestStoreFromEnvDefaultsToFS() {
	dir := s.T().TempDir()
	s.T().Setenv(StoreBackendEnvKey, "")
	s.T().Setenv(StoreDirKey, dir)

	st, err := StoreFromEnv(context.Background())
	s.Require().NoError(err)
	defer st.Close()
	fsStore, ok := st.(*fs.Store)
	s.Require().True(ok)
	s.Equal(dir, fsStore.Dir())
}

func (s *HelpersTestSuite) TestStoreFromEnvSQLite() {
	s.T().Setenv(StoreBackendEnvKey, BackendSQLite)
	s.T().Setenv(SQLitePathKey, filepath.Join(s.T().TempDir(), "db", "g.db"))

	st, err := StoreFromEnv(context.Background())
	s.Require().NoError(err)
	defer st.Close()
	s.IsType(&sqlite.Store{}, st)
}

func (s *HelpersTestSuite) TestStoreFromEnvUnknown() {
	s.T().Setenv(StoreBackendEnvKey, "mongo")
	_, err := StoreFromEnv(context.Background())
	s.ErrorIs(err, types.ErrInvalidBackend)
}

func (s *HelpersTestSuite) TestTypedGetenv() {
	s.T().Setenv("GS_TEST_INT", "12")
	s.T().Setenv("GS_TEST_BAD_INT", "twelve")
	s.T().Setenv("GS_TEST_DUR", "250ms")
	s.Equal(12, GetenvInt("GS_TEST_INT", 1))
	s.Equal(1, GetenvInt("GS_TEST_BAD_INT", 1))
	s.Equal(7, GetenvInt("GS_TEST_UNSET", 7))
	s.Equal(250*time.Millisecond, GetenvDuration("GS_TEST_DUR", time.Second))
	s.Equal(time.Second, GetenvDuration("GS_TEST_UNSET", time.Second))
	s.Equal("x", Getenv("GS_TEST_UNSET", "x"))
}
