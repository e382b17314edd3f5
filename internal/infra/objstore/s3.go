package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"acquire/internal/domain"
	"acquire/internal/infra/encoding"
)

// S3Config selects the physical bucket and credentials. Logical buckets
// become key prefixes inside the physical bucket so one deployment can host
// several services.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3 adapts an S3-compatible store. PARs are presigned URLs; bucket-wide
// read PARs are refused to match the stricter object-store backends.
type S3 struct {
	cfg      S3Config
	client   *s3.Client
	presign  *s3.PresignClient
	uploader *manager.Uploader
}

func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3{
		cfg:      cfg,
		client:   client,
		presign:  s3.NewPresignClient(client),
		uploader: manager.NewUploader(client),
	}, nil
}

func (s *S3) objectKey(bucket, key string) string {
	parts := make([]string, 0, 3)
	if s.cfg.Prefix != "" {
		parts = append(parts, strings.TrimSuffix(s.cfg.Prefix, "/"))
	}
	parts = append(parts, bucket, key)
	return strings.Join(parts, "/")
}

func (s *S3) CreateBucket(_ context.Context, _ string) error {
	// logical buckets are key prefixes; the physical bucket already exists
	return nil
}

func isNoSuchKey(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func (s *S3) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.objectKey(bucket, key)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: %s/%s", domain.ErrObjectNotFound, bucket, key)
		}
		return nil, fmt.Errorf("s3 get %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (s *S3) SetObject(ctx context.Context, bucket, key string, data []byte) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.objectKey(bucket, key)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *S3) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.objectKey(bucket, key)),
	})
	if err != nil {
		return fmt.Errorf("s3 delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *S3) ListObjectNames(ctx context.Context, bucket, prefix string) ([]string, error) {
	full := s.objectKey(bucket, prefix)
	strip := s.objectKey(bucket, "")
	var names []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(full),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %s: %w", full, err)
		}
		for _, obj := range page.Contents {
			names = append(names, strings.TrimPrefix(aws.ToString(obj.Key), strip))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *S3) SetObjectIfAbsent(ctx context.Context, bucket, key string, data []byte) ([]byte, bool, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(s.objectKey(bucket, key)),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
	})
	if err == nil {
		return data, true, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
		existing, getErr := s.GetObject(ctx, bucket, key)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	return nil, false, fmt.Errorf("s3 conditional put %s/%s: %w", bucket, key, err)
}

func (s *S3) SizeAndChecksum(ctx context.Context, bucket, key string) (int64, string, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.objectKey(bucket, key)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return 0, "", fmt.Errorf("%w: %s/%s", domain.ErrObjectNotFound, bucket, key)
		}
		return 0, "", fmt.Errorf("s3 head %s/%s: %w", bucket, key, err)
	}
	checksum := strings.Trim(aws.ToString(out.ETag), `"`)
	return aws.ToInt64(out.ContentLength), checksum, nil
}

func (s *S3) CreatePAR(ctx context.Context, req PARRequest) (*domain.PAR, error) {
	if req.Key == "" && req.Readable {
		return nil, fmt.Errorf("%w: bucket-wide read pars are not permitted", domain.ErrPAR)
	}
	if req.Readable && req.Writeable {
		return nil, fmt.Errorf("%w: s3 pars are read or write, not both", domain.ErrPAR)
	}
	now := time.Now().UTC()
	par := &domain.PAR{
		UID:       encoding.CreateUUID(),
		Bucket:    req.Bucket,
		Key:       req.Key,
		Readable:  req.Readable,
		Writeable: req.Writeable,
		IssuedAt:  now,
		ExpiresAt: now.Add(req.Duration),
	}
	expires := s3.WithPresignExpires(req.Duration)
	switch {
	case req.Readable:
		signed, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(s.objectKey(req.Bucket, req.Key)),
		}, expires)
		if err != nil {
			return nil, fmt.Errorf("%w: presigning read: %v", domain.ErrPAR, err)
		}
		par.URL = signed.URL
	case req.Writeable:
		key := req.Key
		if key == "" {
			// bucket-scoped write pars target a caller-chosen object later;
			// presign the prefix marker the uploader rewrites
			key = "uploads/" + par.UID
		}
		signed, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(s.objectKey(req.Bucket, key)),
		}, expires)
		if err != nil {
			return nil, fmt.Errorf("%w: presigning write: %v", domain.ErrPAR, err)
		}
		par.URL = signed.URL
	default:
		return nil, fmt.Errorf("%w: par must be readable or writeable", domain.ErrPAR)
	}
	return par, nil
}

func (s *S3) ClosePAR(_ context.Context, _ *domain.PAR) error {
	// presigned urls cannot be revoked server-side; expiry bounds them and
	// the storage service's par registry refuses closed uids
	return nil
}

var _ Store = (*S3)(nil)
