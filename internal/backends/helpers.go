package backends

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"guildsync/internal/backends/ddb"
	fsbackend "guildsync/internal/backends/fs"
	"guildsync/internal/backends/sqlite"
	"guildsync/internal/ports"
	"guildsync/internal/types"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	redisbackend "guildsync/internal/backends/redis"
)

const (
	StoreBackendEnvKey = "STORE_BACKEND"
	BackendFS          = "fs"
	BackendSQLite      = "sqlite"
	BackendDDB         = "ddb"
	BackendRedis       = "redis"

	StoreDirKey   = "STORE_DIR"
	SQLitePathKey = "SQLITE_PATH"

	DDBEndpointKey = "DDB_ENDPOINT"
	DDBTableKey    = "DDB_TABLE"

	RedisHost      = "REDIS_HOST"
	RedisPort      = "REDIS_PORT"
	RedisUser      = "REDIS_USER"
	RedisPass      = "REDIS_PASS"
	RedisTLS       = "REDIS_SSL"
	RedisDBNum     = "REDIS_DB_NUM"
	RedisNamespace = "REDIS_NAMESPACE"
)
const AmazonRootCA1PEM = `-----BEGIN CERTIFICATE-----
MIIDQTCCAimgAwIBAgITBmyfz5m/jAo54vB4ikPmljZbyjANBgkqhkiG9w0BAQsF
ADA5MQswCQYDVQQGEwJVUzEPMA0GA1UEChMGQW1hem9uMRkwFwYDVQQDExBBbWF6
b24gUm9vdCBDQSAxMB4XDTE1MDUyNjAwMDAwMFoXDTM4MDExNzAwMDAwMFowOTEL
MAkGA1UEBhMCVVMxDzANBgNVBAoTBkFtYXpvbjEZMBcGA1UEAxMQQW1hem9uIFJv
b3QgQ0EgMTCCASIwDQYJKoZIhvcNAQEBBQADggEPADCCAQoCggEBALJ4gHHKeNXj
ca9HgFB0fW7Y14h29Jlo91ghYPl0hAEvrAIthtOgQ3pOsqTQNroBvo3bSMgHFzZM
9O6II8c+6zf1tRn4SWiw3te5djgdYZ6k/oI2peVKVuRF4fn9tBb6dNqcmzU5L/qw
IFAGbHrQgLKm+a/sRxmPUDgH3KKHOVj4utWp+UhnMJbulHheb4mjUcAwhmahRWa6
VOujw5H5SNz/0egwLX0tdHA114gk957EWW67c4cX8jJGKLhD+rcdqsq08p8kDi1L
93FcXmn/6pUCyziKrlA4b9v7LWIbxcceVOF34GfID5yHI9Y/QCB/IIDEgEw+OyQm
jgSubJrIqg0CAwEAAaNCMEAwDwYDVR0TAQH/BAUwAwEB/zAOBgNVHQ8BAf8EBAMC
AYYwHQYDVR0OBBYEFIQYzIU07LwMlJQuCFmcx7IQTgoIMA0GCSqGSIb3DQEBCwUA
A4IBAQCY8jdaQZChGsV2USggNiMOruYou6r4lK5IpDB/G/wkjUu0yKGX9rbxenDI
U5PMCCjjmCXPI6T53iHTfIUJrU6adTrCC2qJeHZERxhlbI1Bjjt/msv0tadQ1wUs
N+gDS63pYaACbvXy8MWy7Vu33PqUXHeeE6V/Uq2V8viTO96LXFvKWlJbYK8U90vv
o/ufQJVtMVT8QtPHRh8jrdkPSHCa2XV4cdFyQzR1bldZwgJcJmApzyMZFo6IQ6XU
5MsI+yMRQ+hDKXJioaldXgjUkK642M4UwtBV8ob2xJNDd2ZhwLnoQdeXeGADbkpy
rqXRfboQnoZsG4q5WTP468SQvvG5
-----END CERTIFICATE-----`

// StoreFromEnv constructs a DocumentStore based on environment variables.
// Supported backends are "fs" (one JSON file per guild, the default), "sqlite", "ddb"
// (DynamoDB) and "redis". It first checks the "STORE_BACKEND" env var to determine which
// backend to use, then reads the backend's own env vars.
func StoreFromEnv(ctx context.Context) (store ports.DocumentStore, err error) {
	backend := getenv(StoreBackendEnvKey, BackendFS)
	switch backend {
	case BackendFS:
		store, err = fsbackend.New(getenv(StoreDirKey, "data/guilds"))

	case BackendSQLite:
		store, err = sqlite.New(getenv(SQLitePathKey, "data/guildsync.db"))

	case BackendRedis:
		var redisClient *redis.Client
		redisClient, err = RedisClientFromEnv(ctx)
		if err != nil {
			return nil, err
		}
		store = redisbackend.NewStoreWithNamespace(redisClient, getenv(RedisNamespace, redisbackend.DefaultNamespace))

	case BackendDDB:
		var ddbClient *dynamodb.Client
		ddbClient, err = DDBClientFromEnv(ctx)
		if err != nil {
			return nil, err
		}
		store, err = ddb.NewStore(ctx, getenv(DDBTableKey, "guildsync"), ddbClient)

	default:
		return nil, types.Err(types.ErrInvalidBackend, nil, "%s=%q", StoreBackendEnvKey, backend)
	}
	if err != nil {
		return nil, err
	}
	log.WithField("backend", backend).Info("document store ready")
	return store, nil
}

// DDBClientFromEnv creates a DynamoDB client from environment variables, if any.
func DDBClientFromEnv(ctx context.Context) (*dynamodb.Client, error) {
	var ddbEndpoint *string
	de := os.Getenv(DDBEndpointKey)
	if de != "" {
		ddbEndpoint = aws.String(de)
	}

	awsCfg, err := config.LoadDefaultConfig(ctx)

	if err != nil {
		return nil, err
	}

	ddbClient := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if ddbEndpoint != nil {
			// This is used for testing only locally
			o.BaseEndpoint = ddbEndpoint
			o.Region = getenv("AWS_REGION", "us-east-1")
			credProvider := credentials.NewStaticCredentialsProvider(
				getenv("AWS_ACCESS_KEY_ID", "x"),
				getenv("AWS_SECRET_ACCESS_KEY", "x"),
				"",
			)
			o.Credentials = credProvider
		}
	})
	return ddbClient, nil
}

// RedisClientFromEnv creates a Redis client from environment variables, if any.
func RedisClientFromEnv(ctx context.Context) (*redis.Client, error) {
	host := getenv(RedisHost, "localhost")
	port := getenv(RedisPort, "6379")
	user := os.Getenv(RedisUser)
	pass := os.Getenv(RedisPass)
	tlsEnabled := parseBoolean(getenv(RedisTLS, "false"))
	dbNumStr := getenv(RedisDBNum, "0")
	dbNum, err := strconv.Atoi(dbNumStr)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis DB number: %w", err)
	}

	var tlsConfig *tls.Config
	if tlsEnabled {
		// Create a CA certificate pool and add our CA certificate
		caCerts := x509.NewCertPool()
		if !caCerts.AppendCertsFromPEM([]byte(AmazonRootCA1PEM)) {
			return nil, fmt.Errorf("failed to retrieve CA certificate")
		}
		tlsConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    caCerts,
		}
	}

	redisConfig := redis.Options{
		Addr:      fmt.Sprintf("%s:%s", host, port),
		Username:  user,
		Password:  pass,
		DB:        dbNum,
		TLSConfig: tlsConfig,
	}
	redisClient := redis.NewClient(&redisConfig)
	_, err = redisClient.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return redisClient, nil
}

// Getenv is getenv for the other configuration packages.
func Getenv(key, def string) string { return getenv(key, def) }

// GetenvInt reads an integer env var, falling back to def when unset or malformed.
func GetenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.WithError(err).WithField("key", key).Warn("ignoring malformed integer setting")
		return def
	}
	return n
}

// GetenvDuration reads a duration env var ("250ms", "1m"), falling back to def when unset or
// malformed.
func GetenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.WithError(err).WithField("key", key).Warn("ignoring malformed duration setting")
		return def
	}
	return d
}

// getenv retrieves the value of the environment variable named by the key.
func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func parseBoolean(s string) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false
	}
	return b
}
