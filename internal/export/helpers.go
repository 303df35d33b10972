package export

import (
	"context"
	"guildsync/internal/backends"
	"guildsync/internal/types"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	log "github.com/sirupsen/logrus"
)

const (
	ExportDestinationsKey = "EXPORT_DESTINATIONS"
	ExportIntervalKey     = "EXPORT_INTERVAL"
	ExportDirKey          = "EXPORT_DIR"
	ExportBucketKey       = "EXPORT_BUCKET"
	ExportPrefixKey       = "EXPORT_PREFIX"
	S3EndpointKey         = "S3_ENDPOINT"

	DestinationFile = "file"
	DestinationS3   = "s3"
)

// DestinationsFromEnv builds the destinations listed, comma separated, in
// EXPORT_DESTINATIONS. An empty list disables exports.
func DestinationsFromEnv(ctx context.Context) ([]Destination, error) {
	var out []Destination
	for _, name := range strings.Split(os.Getenv(ExportDestinationsKey), ",") {
		switch strings.TrimSpace(name) {
		case "":
		case DestinationFile:
			d, err := NewFileDestination(backends.Getenv(ExportDirKey, "data/exports"))
			if err != nil {
				return nil, types.Err(types.ErrIOFailure, err, "export dir")
			}
			out = append(out, d)
		case DestinationS3:
			bucket := os.Getenv(ExportBucketKey)
			if bucket == "" {
				return nil, types.Err(types.ErrInvalidBackend, nil, "s3 export requires %s", ExportBucketKey)
			}
			awsCfg, err := config.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, err
			}
			cli := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
				if ep := os.Getenv(S3EndpointKey); ep != "" {
					o.BaseEndpoint = aws.String(ep)
					o.UsePathStyle = true
				}
			})
			out = append(out, NewS3Destination(cli, bucket, backends.Getenv(ExportPrefixKey, "guildsync")))
		default:
			return nil, types.Err(types.ErrInvalidBackend, nil, "%s=%q", ExportDestinationsKey, name)
		}
	}
	return out, nil
}

// IntervalFromEnv is EXPORT_INTERVAL, one hour by default.
func IntervalFromEnv() time.Duration {
	d := backends.GetenvDuration(ExportIntervalKey, time.Hour)
	if d <= 0 {
		log.WithField("interval", d).Warn("export interval must be positive, using 1h")
		return time.Hour
	}
	return d
}
