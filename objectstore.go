package s3directory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"
)

// ObjectInfo is one entry of a List() result.
type ObjectInfo struct {
	Name string
	Size int64
}

// UploadItem and DownloadItem describe one half of a bulk transfer: the
// logical name in the store paired with the local path to read from / write
// to.
type UploadItem struct {
	Name      string
	LocalPath string
}

type DownloadItem struct {
	Name      string
	LocalPath string
}

// ObjectStore is the remote-object-store contract S3Directory is built
// against. The aws-sdk-go-v2-backed S3ObjectStore below is the only
// production implementation; tests substitute an in-memory fake.
type ObjectStore interface {
	List(ctx context.Context) ([]ObjectInfo, error)
	Head(ctx context.Context, name string) (int64, error)
	GetRange(ctx context.Context, name string, offset, length int64) ([]byte, error)
	Get(ctx context.Context, name string) (io.ReadCloser, error)
	Put(ctx context.Context, name, localPath string) error
	Copy(ctx context.Context, from, to string) error
	Delete(ctx context.Context, name string) error
	BulkUpload(ctx context.Context, items []UploadItem) error
	BulkDownload(ctx context.Context, items []DownloadItem) error
	Close() error
}

// s3API is the subset of *s3.Client the store calls through, narrowed so
// tests can substitute a fake without standing up a real client.
type s3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectVersions(ctx context.Context, in *s3.ListObjectVersionsInput, opts ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error)
}

// S3ObjectStore is the production ObjectStore: each single-object operation
// makes at most one S3 API round trip (plus, on a read that races a rename,
// one ListObjectVersions call and a retry against the newest version id).
// List pages through ListObjectsV2, and the bulk operations fan out one
// Put or Get per item.
type S3ObjectStore struct {
	client      s3API
	bucket      string
	prefix      string
	concurrency int
	logger      *slog.Logger

	metaMu sync.RWMutex
	meta   map[string]int64
}

func newS3ObjectStoreFromConfig(ctx context.Context, cfg Config, concurrency int) (*S3ObjectStore, error) {
	var awsCfg aws.Config
	if cfg.AWSConfig != nil {
		awsCfg = *cfg.AWSConfig
	} else {
		var err error
		opts := []func(*awsconfig.LoadOptions) error{}
		if cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Region))
		}
		if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
			creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
			opts = append(opts, awsconfig.WithCredentialsProvider(creds))
		}
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, wrapErr("New", "", KindTransport, err)
		}
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3ObjectStore{
		client:      client,
		bucket:      cfg.Bucket,
		prefix:      normalizePrefix(cfg.Prefix),
		concurrency: concurrency,
		logger:      cfg.Logger,
		meta:        make(map[string]int64),
	}, nil
}

func normalizePrefix(p string) string {
	if p == "" {
		return ""
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

func (s *S3ObjectStore) key(name string) string { return s.prefix + name }

func (s *S3ObjectStore) List(ctx context.Context) ([]ObjectInfo, error) {
	var out []ObjectInfo
	newMeta := make(map[string]int64)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapErr("List", "", KindTransport, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			if name == "" {
				continue // the bare prefix "directory marker" entry, not a logical file
			}
			var size int64
			if obj.Size != nil {
				size = *obj.Size
			}
			out = append(out, ObjectInfo{Name: name, Size: size})
			newMeta[name] = size
		}
	}
	s.metaMu.Lock()
	s.meta = newMeta
	s.metaMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return utf16Less(out[i].Name, out[j].Name) })
	return out, nil
}

func (s *S3ObjectStore) Head(ctx context.Context, name string) (int64, error) {
	s.metaMu.RLock()
	if sz, ok := s.meta[name]; ok {
		s.metaMu.RUnlock()
		return sz, nil
	}
	s.metaMu.RUnlock()

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, wrapErr("Head", name, KindNotFound, err)
		}
		return 0, wrapErr("Head", name, KindTransport, err)
	}
	var size int64
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	s.metaMu.Lock()
	s.meta[name] = size
	s.metaMu.Unlock()
	return size, nil
}

// GetRange fetches [offset, offset+length) of name. On a "not found" it
// lists object versions and retries against the most recently modified one,
// masking the window where a copy+delete rename has propagated the copy but
// not yet the delete of the old key (or vice versa from a reader's view).
func (s *S3ObjectStore) GetRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	data, err := s.getRangeVersion(ctx, name, offset, length, "")
	if err != nil && isNotFound(err) {
		if vid, verr := s.latestVersion(ctx, name); verr == nil && vid != "" {
			if s.logger != nil {
				s.logger.Info("retrying range read against latest version", "name", name, "version", vid)
			}
			data, err = s.getRangeVersion(ctx, name, offset, length, vid)
		}
	}
	return data, err
}

func (s *S3ObjectStore) getRangeVersion(ctx context.Context, name string, offset, length int64, versionID string) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	}
	if versionID != "" {
		input.VersionId = aws.String(versionID)
	}
	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		if isNotFound(err) {
			return nil, wrapErr("GetRange", name, KindNotFound, err)
		}
		return nil, wrapErr("GetRange", name, KindTransport, err)
	}
	defer out.Body.Close()
	buf := make([]byte, length)
	n, err := io.ReadFull(out.Body, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, wrapErr("GetRange", name, KindTransport, err)
	}
	return buf[:n], nil
}

func (s *S3ObjectStore) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	rc, err := s.getVersion(ctx, name, "")
	if err != nil && isNotFound(err) {
		if vid, verr := s.latestVersion(ctx, name); verr == nil && vid != "" {
			rc, err = s.getVersion(ctx, name, vid)
		}
	}
	return rc, err
}

func (s *S3ObjectStore) getVersion(ctx context.Context, name, versionID string) (io.ReadCloser, error) {
	input := &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.key(name))}
	if versionID != "" {
		input.VersionId = aws.String(versionID)
	}
	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		if isNotFound(err) {
			return nil, wrapErr("Get", name, KindNotFound, err)
		}
		return nil, wrapErr("Get", name, KindTransport, err)
	}
	return out.Body, nil
}

func (s *S3ObjectStore) latestVersion(ctx context.Context, name string) (string, error) {
	out, err := s.client.ListObjectVersions(ctx, &s3.ListObjectVersionsInput{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(name)),
	})
	if err != nil {
		return "", wrapErr("ListObjectVersions", name, KindTransport, err)
	}
	var best string
	var bestTime time.Time
	for _, v := range out.Versions {
		if aws.ToString(v.Key) != s.key(name) || v.LastModified == nil {
			continue
		}
		if best == "" || v.LastModified.After(bestTime) {
			best = aws.ToString(v.VersionId)
			bestTime = *v.LastModified
		}
	}
	return best, nil
}

func (s *S3ObjectStore) Put(ctx context.Context, name, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return wrapErr("Put", name, KindLocalIO, err)
	}
	defer f.Close()
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
		Body:   f,
	})
	if err != nil {
		return wrapErr("Put", name, KindTransport, err)
	}
	if fi, statErr := f.Stat(); statErr == nil {
		s.metaMu.Lock()
		s.meta[name] = fi.Size()
		s.metaMu.Unlock()
	}
	return nil
}

func (s *S3ObjectStore) Copy(ctx context.Context, from, to string) error {
	src := url.PathEscape(s.bucket + "/" + s.key(from))
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(src),
		Key:        aws.String(s.key(to)),
	})
	if err != nil {
		return wrapErr("Copy", from, KindTransport, err)
	}
	s.metaMu.Lock()
	if sz, ok := s.meta[from]; ok {
		s.meta[to] = sz
	}
	s.metaMu.Unlock()
	return nil
}

func (s *S3ObjectStore) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil && !isNotFound(err) {
		return wrapErr("Delete", name, KindTransport, err)
	}
	s.metaMu.Lock()
	delete(s.meta, name)
	s.metaMu.Unlock()
	return nil
}

func (s *S3ObjectStore) BulkUpload(ctx context.Context, items []UploadItem) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, it := range items {
		it := it
		g.Go(func() error { return s.Put(gctx, it.Name, it.LocalPath) })
	}
	return g.Wait()
}

func (s *S3ObjectStore) BulkDownload(ctx context.Context, items []DownloadItem) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, it := range items {
		it := it
		g.Go(func() error {
			rc, err := s.Get(gctx, it.Name)
			if err != nil {
				return err
			}
			defer rc.Close()
			f, err := os.Create(it.LocalPath)
			if err != nil {
				return wrapErr("BulkDownload", it.Name, KindLocalIO, err)
			}
			defer f.Close()
			if _, err := io.Copy(f, rc); err != nil {
				return wrapErr("BulkDownload", it.Name, KindLocalIO, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *S3ObjectStore) Close() error { return nil }

// isNotFound inspects the smithy API error code, the idiomatic aws-sdk-go-v2
// way to detect a missing key; an error with no matching code still counts
// as not found when its message text contains "NoSuchKey".
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return strings.Contains(err.Error(), "NoSuchKey")
}
