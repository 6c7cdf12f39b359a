package app

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/health"
	"github.com/MrWong99/callbridge/internal/voicemail/postgres"
)

// initStorage connects the transcript store and the SMS job queue, or keeps
// injected ones. Without a DSN transcripts are not persisted.
func (a *App) initStorage(ctx context.Context) error {
	if a.store != nil {
		return nil // injected
	}

	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		a.log.Info("transcript persistence disabled: storage.postgres_dsn is empty")
		return nil
	}

	opts := []postgres.Option{postgres.WithLogger(a.log)}
	if sc := a.cfg.Storage.S3; sc != nil {
		client, err := NewS3Client(ctx, *sc)
		if err != nil {
			return err
		}
		opts = append(opts, postgres.WithBlobWriter(
			postgres.NewS3Blobs(client, sc.Bucket, sc.Prefix, sc.PublicBaseURL),
		))
		a.log.Info("transcript documents enabled", "bucket", sc.Bucket, "prefix", sc.Prefix)
	}

	store, err := postgres.NewStore(ctx, dsn, opts...)
	if err != nil {
		return err
	}
	a.store = store
	a.checkers = append(a.checkers, health.PingChecker("postgres", store))
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})

	if a.cfg.Notifications.Enabled && a.queue == nil {
		a.queue = postgres.NewJobQueue(store.Pool())
		a.log.Info("sms notifications enabled")
	}
	return nil
}

// NewS3Client builds an S3 client from the bucket configuration. Static
// keys take precedence over the default AWS credential chain; a custom
// endpoint targets S3-compatible stores.
func NewS3Client(ctx context.Context, sc config.S3Config) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if sc.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(sc.Region))
	}
	if sc.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(sc.AccessKeyID, sc.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if sc.Endpoint != "" {
			o.BaseEndpoint = aws.String(sc.Endpoint)
		}
		o.UsePathStyle = sc.UsePathStyle
	}), nil
}
