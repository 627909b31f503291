package filestage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/me/gowe/internal/credcache"
)

// S3Store is a JobStore backed by an S3 bucket: each file is stored once
// under a content-addressed key, and ImportFile/ExportFile additionally
// accept arbitrary s3:// URLs, not just the bucket's own content-addressed
// layout.
type S3Store struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	prefix     string
	logger     *slog.Logger
}

// S3StoreOption configures an S3Store at construction time.
type S3StoreOption func(*s3StoreConfig)

type s3StoreConfig struct {
	credCache *credcache.Cache
}

// WithCredentialCache layers cache in front of the default AWS credential
// chain: a cached, unexpired set of credentials is reused as-is, and any
// freshly resolved (e.g. STS-assumed-role) credentials are persisted to the
// cache for the next process to pick up, avoiding a redundant AssumeRole
// call per invocation.
func WithCredentialCache(cache *credcache.Cache) S3StoreOption {
	return func(c *s3StoreConfig) { c.credCache = cache }
}

// NewS3Store constructs an S3Store against bucket, loading AWS credentials
// and region from the default credential chain (environment, shared config,
// EC2/ECS instance role). WithCredentialCache wraps that chain with a
// persisted cache.
func NewS3Store(ctx context.Context, bucket, keyPrefix string, logger *slog.Logger, opts ...S3StoreOption) (*S3Store, error) {
	var cfg s3StoreConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	var loadOpts []func(*config.LoadOptions) error
	if cfg.credCache != nil {
		baseCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("filestage: load AWS config: %w", err)
		}
		loadOpts = append(loadOpts, config.WithCredentialsProvider(cachedCredentialsProvider{
			cache:    cfg.credCache,
			delegate: baseCfg.Credentials,
			logger:   logger,
		}))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("filestage: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &S3Store{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     bucket,
		prefix:     strings.TrimSuffix(keyPrefix, "/"),
		logger:     logger.With("component", "s3-store", "bucket", bucket),
	}, nil
}

// cachedCredentialsProvider satisfies aws.CredentialsProvider, checking a
// credcache.Cache before falling back to delegate and persisting whatever
// delegate resolves for next time.
type cachedCredentialsProvider struct {
	cache    *credcache.Cache
	delegate aws.CredentialsProvider
	logger   *slog.Logger
}

func (p cachedCredentialsProvider) Retrieve(ctx context.Context) (aws.Credentials, error) {
	if creds, ok, err := p.cache.Load(); err == nil && ok {
		return creds, nil
	}

	creds, err := p.delegate.Retrieve(ctx)
	if err != nil {
		return aws.Credentials{}, err
	}
	if creds.CanExpire {
		if serr := p.cache.Store(creds); serr != nil {
			p.logger.Warn("failed to persist credential cache", "error", serr)
		}
	}
	return creds, nil
}

func (s *S3Store) keyFor(id FileID) string {
	idStr := string(id)
	if s.prefix == "" {
		return idStr
	}
	return s.prefix + "/" + idStr
}

func (s *S3Store) existsKey(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return false, nil
	}
	return false, err
}

// WriteGlobalFile reads localPath, computes its FileID, and uploads it under
// the content-addressed key, skipping the upload if an object with that key
// already exists (same dedup behavior as LocalStore).
func (s *S3Store) WriteGlobalFile(ctx context.Context, localPath string) (FileID, error) {
	f, err := openForHashThenRewind(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	id, err := PackFileID(f)
	if err != nil {
		return "", err
	}
	key := s.keyFor(id)
	exists, err := s.existsKey(ctx, key)
	if err != nil {
		return "", fmt.Errorf("filestage: head %s: %w", key, err)
	}
	if exists {
		return id, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("filestage: rewind %s: %w", localPath, err)
	}
	if _, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return "", fmt.Errorf("filestage: upload %s: %w", key, err)
	}
	s.logger.Debug("wrote global file", "id", id, "key", key)
	return id, nil
}

// ReadGlobalFile downloads id to localPath. symlink is ignored: S3 objects
// have no local inode to link against.
func (s *S3Store) ReadGlobalFile(ctx context.Context, id FileID, localPath string, _ bool) error {
	out, err := createForDownload(localPath)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := s.downloader.Download(ctx, out, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.keyFor(id)),
	}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s: %v", ErrMissingInput, id, err)
		}
		return fmt.Errorf("filestage: download %s: %w", id, err)
	}
	return nil
}

// ReadGlobalFileStream opens id for streaming reads.
func (s *S3Store) ReadGlobalFileStream(ctx context.Context, id FileID) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.keyFor(id))})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrMissingInput, id, err)
		}
		return nil, fmt.Errorf("filestage: get object %s: %w", id, err)
	}
	return out.Body, nil
}

func (s *S3Store) GetLocalTempDir(ctx context.Context) (string, error) {
	return localTempDir()
}

func (s *S3Store) GetLocalTempFileName(ctx context.Context) (string, error) {
	return localTempFile()
}

func (s *S3Store) GetGlobalFileSize(ctx context.Context, id FileID) (int64, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.keyFor(id))})
	if err != nil {
		if isNotFound(err) {
			return 0, fmt.Errorf("%w: %s: %v", ErrMissingInput, id, err)
		}
		return 0, fmt.Errorf("filestage: head %s: %w", id, err)
	}
	return aws.ToInt64(head.ContentLength), nil
}

// ImportFile imports an s3:// URL (any bucket/key, not just this store's
// own content-addressed layout) by downloading the object to a local temp
// file and uploading that into this store's bucket under the resulting
// content digest; no server-side copy is used.
func (s *S3Store) ImportFile(ctx context.Context, url string, _ bool) (FileID, error) {
	bucket, key, err := parseS3URL(url)
	if err != nil {
		return "", err
	}
	obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return "", fmt.Errorf("filestage: get object %s: %w", url, err)
	}
	defer obj.Body.Close()

	tmp, err := localTempFile()
	if err != nil {
		return "", err
	}
	f, err := openForWrite(tmp)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, obj.Body); err != nil {
		f.Close()
		return "", fmt.Errorf("filestage: buffer %s: %w", url, err)
	}
	f.Close()
	return s.WriteGlobalFile(ctx, tmp)
}

// ExportFile writes id out to an arbitrary s3:// URL.
func (s *S3Store) ExportFile(ctx context.Context, id FileID, url string) error {
	bucket, key, err := parseS3URL(url)
	if err != nil {
		return err
	}
	body, err := s.ReadGlobalFileStream(ctx, id)
	if err != nil {
		return err
	}
	defer body.Close()
	if _, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	}); err != nil {
		return fmt.Errorf("filestage: export upload %s: %w", url, err)
	}
	return nil
}

func (s *S3Store) URLExists(ctx context.Context, url string) (bool, error) {
	bucket, key, err := parseS3URL(url)
	if err != nil {
		return false, err
	}
	return s.existsKeyIn(ctx, bucket, key)
}

func (s *S3Store) existsKeyIn(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

func (s *S3Store) GetSize(ctx context.Context, url string) (int64, error) {
	bucket, key, err := parseS3URL(url)
	if err != nil {
		return 0, err
	}
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return 0, fmt.Errorf("filestage: head %s: %w", url, err)
	}
	return aws.ToInt64(head.ContentLength), nil
}

// GetIsDirectory reports whether url names an S3 "directory" — a key prefix
// with at least one object under it and no object at the exact key.
func (s *S3Store) GetIsDirectory(ctx context.Context, url string) (bool, error) {
	bucket, key, err := parseS3URL(url)
	if err != nil {
		return false, err
	}
	if ok, err := s.existsKeyIn(ctx, bucket, key); err == nil && ok {
		return false, nil
	}
	prefix := strings.TrimSuffix(key, "/") + "/"
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("filestage: list %s: %w", url, err)
	}
	return len(out.Contents) > 0, nil
}

func (s *S3Store) ListURL(ctx context.Context, url string) ([]string, error) {
	bucket, key, err := parseS3URL(url)
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(key, "/") + "/"
	var names []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("filestage: list %s: %w", url, err)
		}
		for _, obj := range page.Contents {
			names = append(names, strings.TrimPrefix(aws.ToString(obj.Key), prefix))
		}
	}
	return names, nil
}

func (s *S3Store) ReadFromURL(ctx context.Context, url string, w io.Writer) error {
	r, err := s.OpenURL(ctx, url)
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.Copy(w, r)
	return err
}

func (s *S3Store) OpenURL(ctx context.Context, url string) (io.ReadCloser, error) {
	bucket, key, err := parseS3URL(url)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("filestage: open %s: %w", url, err)
	}
	return obj.Body, nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

func openForHashThenRewind(localPath string) (*os.File, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("filestage: open %s: %w", localPath, err)
	}
	return f, nil
}

func createForDownload(localPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return nil, fmt.Errorf("filestage: mkdir: %w", err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return nil, fmt.Errorf("filestage: create %s: %w", localPath, err)
	}
	return f, nil
}

func openForWrite(localPath string) (*os.File, error) {
	f, err := os.Create(localPath)
	if err != nil {
		return nil, fmt.Errorf("filestage: create %s: %w", localPath, err)
	}
	return f, nil
}

func localTempDir() (string, error) {
	return os.MkdirTemp("", "gowe-filestage-")
}

func localTempFile() (string, error) {
	f, err := os.CreateTemp("", "gowe-filestage-")
	if err != nil {
		return "", fmt.Errorf("filestage: create temp file: %w", err)
	}
	name := f.Name()
	f.Close()
	return name, nil
}

// parseS3URL splits an "s3://bucket/key" URL into its bucket and key.
func parseS3URL(url string) (bucket, key string, err error) {
	const schemePrefix = "s3://"
	if !strings.HasPrefix(url, schemePrefix) {
		return "", "", fmt.Errorf("%w: not an s3:// URL: %s", ErrMissingInput, url)
	}
	rest := strings.TrimPrefix(url, schemePrefix)
	idx := strings.Index(rest, "/")
	if idx < 0 {
		return rest, "", nil
	}
	return rest[:idx], rest[idx+1:], nil
}
