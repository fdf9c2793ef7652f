// Package backup writes the degraded-mode read projection: a single
// JSON blob of recent events that static clients fall back to when the
// primary service is unreachable.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/canaria-project/canaria/internal/config"
	"github.com/canaria-project/canaria/internal/event"
	"github.com/canaria-project/canaria/internal/storage"
)

const (
	objectName      = "events.json"
	projectionLimit = 1000
	uploadTimeout   = 30 * time.Second
	cacheControl    = "public, max-age=60"
	contentType     = "application/json"
)

// projection is the blob's wire shape.
type projection struct {
	LastUpdated string        `json:"lastUpdated"`
	Events      []event.Event `json:"events"`
}

// Uploader coalesces upload requests: Trigger marks work pending, the
// Run goroutine performs at most one upload at a time. Triggers while an
// upload is in flight collapse into one follow-up.
type Uploader struct {
	client *s3.Client
	bucket string
	key    string
	store  *storage.Store
	clock  clockwork.Clock
	log    zerolog.Logger

	pending chan struct{}
}

// New builds the uploader. An empty bucket disables it cleanly: Trigger
// becomes a no-op and Run returns immediately.
func New(ctx context.Context, cfg config.BackupConfig, store *storage.Store, clock clockwork.Clock, log zerolog.Logger) (*Uploader, error) {
	u := &Uploader{
		bucket:  cfg.S3Bucket,
		key:     path.Join(cfg.S3Prefix, objectName),
		store:   store,
		clock:   clock,
		log:     log.With().Str("component", "backup").Logger(),
		pending: make(chan struct{}, 1),
	}
	if cfg.S3Bucket == "" {
		u.log.Info().Msg("no backup bucket configured, projection disabled")
		return u, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3Region)}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	u.client = s3.NewFromConfig(awsCfg)
	return u, nil
}

// Enabled reports whether a bucket is configured.
func (u *Uploader) Enabled() bool { return u.client != nil }

// Trigger schedules an upload. Fire-and-forget; never blocks.
func (u *Uploader) Trigger() {
	if !u.Enabled() {
		return
	}
	select {
	case u.pending <- struct{}{}:
	default:
	}
}

// Run services pending triggers until ctx is canceled. In-flight uploads
// at shutdown may be dropped.
func (u *Uploader) Run(ctx context.Context) {
	if !u.Enabled() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-u.pending:
			if err := u.upload(ctx); err != nil {
				u.log.Error().Err(err).Msg("projection upload failed")
			}
		}
	}
}

func (u *Uploader) upload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	events, err := u.store.List(ctx, storage.ListQuery{Limit: projectionLimit})
	if err != nil {
		return fmt.Errorf("load projection events: %w", err)
	}
	if events == nil {
		events = []event.Event{}
	}
	body, err := json.Marshal(projection{
		LastUpdated: event.FormatTime(u.clock.Now()),
		Events:      events,
	})
	if err != nil {
		return fmt.Errorf("marshal projection: %w", err)
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(u.bucket),
		Key:          aws.String(u.key),
		Body:         bytes.NewReader(body),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String(cacheControl),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", u.key, err)
	}
	u.log.Debug().Int("events", len(events)).Msg("projection uploaded")
	return nil
}
