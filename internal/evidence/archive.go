package evidence

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// ArchiveConfig holds S3 archival settings.
type ArchiveConfig struct {
	Region string `yaml:"region"`
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`

	// Endpoint is an optional custom endpoint (for S3-compatible storage).
	Endpoint string `yaml:"endpoint,omitempty"`

	// Static credentials; IAM is used when unset.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`

	// UsePathStyle forces path-style addressing (for MinIO, etc.).
	UsePathStyle bool `yaml:"use_path_style"`

	// SweepInterval is how often the retention sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	Timeout time.Duration `yaml:"timeout"`
}

// DefaultArchiveConfig returns sensible defaults.
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Region:        "us-east-1",
		Bucket:        "remedyd-evidence-archive",
		Prefix:        "evidence/",
		SweepInterval: 24 * time.Hour,
		Timeout:       10 * time.Minute,
	}
}

// Validate checks if the configuration is usable.
func (c *ArchiveConfig) Validate() error {
	if c.Region == "" {
		return errors.New("archive: region is required")
	}
	if c.Bucket == "" {
		return errors.New("archive: bucket is required")
	}
	return nil
}

// objectPutter is the slice of the S3 API the archiver needs.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver exports retention-expired ledger rows to S3 before they are
// purged. Archival always precedes purge; a failed upload leaves the rows
// in place for the next sweep.
type Archiver struct {
	store  Store
	client objectPutter
	config ArchiveConfig
	logger *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewArchiver creates an archiver backed by the AWS SDK.
func NewArchiver(ctx context.Context, store Store, cfg ArchiveConfig, logger *slog.Logger) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 24 * time.Hour
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return newArchiver(store, client, cfg, logger), nil
}

func newArchiver(store Store, client objectPutter, cfg ArchiveConfig, logger *slog.Logger) *Archiver {
	return &Archiver{
		store:  store,
		client: client,
		config: cfg,
		logger: logger.With("component", "evidence-archive"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the periodic retention sweep.
func (a *Archiver) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		ticker := time.NewTicker(a.config.SweepInterval)
		defer ticker.Stop()

		a.logger.Info("retention sweep started", "interval", a.config.SweepInterval)

		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stopCh:
				return
			case <-ticker.C:
				if _, err := a.SweepOnce(ctx); err != nil {
					a.logger.Error("retention sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the sweep loop.
func (a *Archiver) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

// SweepOnce archives and purges rows past retention. Returns the number of
// rows purged.
func (a *Archiver) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC()

	expired, err := a.store.ListExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive: list expired rows: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	if err := a.upload(ctx, expired, cutoff); err != nil {
		return 0, err
	}

	purged, err := a.store.PurgeExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive: purge expired rows: %w", err)
	}

	a.logger.Info("retention sweep complete", "archived", len(expired), "purged", purged)
	return purged, nil
}

// upload writes the batch as gzip-compressed JSONL to S3.
func (a *Archiver) upload(ctx context.Context, rows []*Entry, cutoff time.Time) error {
	buf := &bytes.Buffer{}
	gz := gzip.NewWriter(buf)
	enc := json.NewEncoder(gz)
	for _, e := range rows {
		if err := enc.Encode(e); err != nil {
			gz.Close()
			return fmt.Errorf("archive: encode row: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("archive: compress batch: %w", err)
	}

	key := path.Join(a.config.Prefix,
		cutoff.Format("2006/01/02"),
		fmt.Sprintf("evidence-%s.jsonl.gz", uuid.NewString()))

	opCtx := ctx
	if a.config.Timeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
	}

	_, err := a.client.PutObject(opCtx, &s3.PutObjectInput{
		Bucket:          aws.String(a.config.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/gzip"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("archive: upload %s: %w", key, err)
	}

	a.logger.Info("archived evidence batch", "key", key, "rows", len(rows))
	return nil
}
