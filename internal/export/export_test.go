package export

import (
	"bytes"
	"context"
	"errors"
	"guildsync/internal/types"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/suite"
)

type ExportTestSuite struct {
	suite.Suite
}

func TestExportTestSuite(t *testing.T) {
	suite.Run(t, new(ExportTestSuite))
}

type sliceSource struct {
	docs []*types.Document
	err  error
}

func (s sliceSource) Documents(ctx context.Context) iter.Seq2[*types.Document, error] {
	return func(yield func(*types.Document, error) bool) {
		for _, d := range s.docs {
			if !yield(d, nil) {
				return
			}
		}
		if s.err != nil {
			yield(nil, s.err)
		}
	}
}

type fakeS3 struct {
	mu   sync.Mutex
	puts []*s3.PutObjectInput
	body [][]byte
	err  error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, in)
	f.body = append(f.body, b)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts)
}

func sample() sliceSource {
	return sliceSource{docs: []*types.Document{
		{Key: "a", SchemaVersion: 2, Version: 3, Payload: types.Payload{"prefix": "!"}},
		{Key: "b", SchemaVersion: 2, Version: 1, Payload: types.Payload{"prefix": "?", "locale": "fr"}},
	}}
}

var at = time.Date(2026, 7, 4, 9, 30, 0, 0, time.UTC)

func (s *ExportTestSuite) TestBuildRoundTrip() {
	snap, err := Build(context.Background(), sample(), at)
	s.Require().NoError(err)
	s.Equal("guildsync-20260704T093000Z.jsonl.zst", snap.Name)
	s.Equal(2, snap.Documents)

	docs, err := ReadJSONL(bytes.NewReader(snap.Data))
	s.Require().NoError(err)
	s.Require().Len(docs, 2)
	s.Equal(types.ConfigKey("b"), docs[1].Key)
	s.Equal("fr", docs[1].Payload["locale"])
	s.Equal(int64(3), docs[0].Version)
}

func (s *ExportTestSuite) TestBuildStopsOnSourceError() {
	src := sample()
	src.err = types.Err(types.ErrIOFailure, nil, "store down")
	_, err := Build(context.Background(), src, at)
	s.ErrorIs(err, types.ErrIOFailure)
}

func (s *ExportTestSuite) TestS3Destination() {
	cli := &fakeS3{}
	d := NewS3Destination(cli, "bucket", "snapshots")
	s.Require().NoError(d.Write(context.Background(), "x.jsonl.zst", []byte("data")))
	s.Require().Len(cli.puts, 1)
	s.Equal("bucket", aws.ToString(cli.puts[0].Bucket))
	s.Equal("snapshots/x.jsonl.zst", aws.ToString(cli.puts[0].Key))
	s.Equal("application/zstd", aws.ToString(cli.puts[0].ContentType))
	s.Equal([]byte("data"), cli.body[0])

	cli.err = errors.New("access denied")
	s.ErrorContains(d.Write(context.Background(), "y", nil), "access denied")
}

func (s *ExportTestSuite) TestFileDestination() {
	dir := filepath.Join(s.T().TempDir(), "exports")
	d, err := NewFileDestination(dir)
	s.Require().NoError(err)
	s.Require().NoError(d.Write(context.Background(), "snap.zst", []byte("abc")))

	b, err := os.ReadFile(filepath.Join(dir, "snap.zst"))
	s.Require().NoError(err)
	s.Equal([]byte("abc"), b)
	entries, err := os.ReadDir(dir)
	s.Require().NoError(err)
	s.Len(entries, 1)
}

func (s *ExportTestSuite) TestOnceWritesEveryDestination() {
	good := &fakeS3{}
	bad := &fakeS3{err: errors.New("boom")}
	sch := NewScheduler(sample(), []Destination{
		NewS3Destination(bad, "b", ""),
		NewS3Destination(good, "b", ""),
	}, time.Hour)
	sch.now = func() time.Time { return at }

	snap, err := sch.Once(context.Background())
	s.ErrorContains(err, "boom")
	s.Require().NotNil(snap)
	s.Equal(1, good.count())
}

func (s *ExportTestSuite) TestSchedulerRunsUntilStopped() {
	cli := &fakeS3{}
	sch := NewScheduler(sample(), []Destination{NewS3Destination(cli, "b", "")}, 10*time.Millisecond)
	sch.Start()
	s.Eventually(func() bool { return cli.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	sch.Stop()
	n := cli.count()
	time.Sleep(30 * time.Millisecond)
	s.Equal(n, cli.count())
}

func (s *ExportTestSuite) TestDestinationsFromEnv() {
	s.T().Setenv(ExportDestinationsKey, "")
	ds, err := DestinationsFromEnv(context.Background())
	s.NoError(err)
	s.Empty(ds)

	s.T().Setenv(ExportDestinationsKey, "file")
	s.T().Setenv(ExportDirKey, s.T().TempDir())
	ds, err = DestinationsFromEnv(context.Background())
	s.NoError(err)
	s.Len(ds, 1)

	s.T().Setenv(ExportDestinationsKey, "s3")
	s.T().Setenv(ExportBucketKey, "")
	_, err = DestinationsFromEnv(context.Background())
	s.ErrorIs(err, types.ErrInvalidBackend)

	s.T().Setenv(ExportDestinationsKey, "ftp")
	_, err = DestinationsFromEnv(context.Background())
	s.ErrorIs(err, types.ErrInvalidBackend)

	s.T().Setenv(ExportIntervalKey, "5m")
	s.Equal(5*time.Minute, IntervalFromEnv())
}
