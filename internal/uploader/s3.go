package uploader

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"qfit-chat/internal/domain"
	qfit_errors "qfit-chat/pkg/errors"
	"qfit-chat/pkg/logger"
)

type S3Config struct {
	Region     string
	Bucket     string
	AccessKey  string
	SecretKey  string
	Endpoint   string
	PublicBase string
}

// S3Uploader streams local files to object storage and resolves them to
// publicly fetchable URLs. Progress is reported through a callback;
// cancellation rides on the caller's context. Partial remote state may
// remain after a cancel.
type S3Uploader struct {
	cfg      S3Config
	uploader *manager.Uploader
	log      *logger.Logger
}

func NewS3Uploader(ctx context.Context, cfg S3Config, log *logger.Logger) (*S3Uploader, error) {
	if cfg.Region == "" || cfg.Bucket == "" {
		return nil, errors.New("s3 region and bucket are required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if parsed, err := url.Parse(endpoint); err == nil {
			endpoint = parsed.String()
		}
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(
			aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				if service == s3.ServiceID {
					return aws.Endpoint{URL: endpoint, SigningRegion: cfg.Region}, nil
				}
				return aws.Endpoint{}, &aws.EndpointNotFoundError{}
			}),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.UsePathStyle = true
		}
	})
	up := manager.NewUploader(s3Client, func(u *manager.Uploader) {
		// Single-part stream so byte counts stay in upload order and
		// the reported percentage never goes backwards.
		u.Concurrency = 1
	})

	return &S3Uploader{cfg: cfg, uploader: up, log: log}, nil
}

// Upload streams the file at localPath to the group's media prefix and
// returns the durable URL. A cancelled context yields ErrUploadCancelled;
// any other failure yields ErrUploadFailed. Callers must not retry
// automatically. progress receives a percentage in [0,100] that never
// decreases, fires with exactly 100 on success, and is never invoked
// after a failure or cancel.
func (u *S3Uploader) Upload(ctx context.Context, groupID, localPath, fileName string, progress func(pct int)) (string, error) {
	if groupID == "" || fileName == "" {
		return "", qfit_errors.ErrInvalidInput
	}
	key := MediaKey(groupID, fileName)
	return u.put(ctx, key, localPath, fileName, progress)
}

// UploadGroupProfile uploads a group avatar under the GroupProfile
// prefix, keyed the way the mobile client named them.
func (u *S3Uploader) UploadGroupProfile(ctx context.Context, groupName, userEmail, localPath string, progress func(pct int)) (string, error) {
	if groupName == "" || userEmail == "" {
		return "", qfit_errors.ErrInvalidInput
	}
	key := ProfileKey(groupName, userEmail, path.Base(localPath))
	return u.put(ctx, key, localPath, path.Base(localPath), progress)
}

func (u *S3Uploader) put(ctx context.Context, key, localPath, fileName string, progress func(pct int)) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", qfit_errors.ErrInvalidInput, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: %v", qfit_errors.ErrInvalidInput, err)
	}

	id := uuid.New()
	start := time.Now()
	u.log.Infof("upload %s started: key=%s size=%d", id, key, stat.Size())

	body := newProgressReader(f, stat.Size(), progress)
	_, err = u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentTypeFor(fileName)),
	})
	if err != nil {
		if ctx.Err() != nil {
			u.log.Infof("upload %s cancelled after %s", id, time.Since(start))
			return "", qfit_errors.ErrUploadCancelled
		}
		return "", fmt.Errorf("%w: %v", qfit_errors.ErrUploadFailed, err)
	}

	body.finish()
	u.log.Infof("upload %s completed in %s", id, time.Since(start))
	return u.fileURL(key), nil
}

func (u *S3Uploader) fileURL(key string) string {
	if u.cfg.PublicBase != "" {
		return u.cfg.PublicBase + "/" + key
	}
	escaped := url.PathEscape(key)
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.cfg.Bucket, u.cfg.Region, escaped)
}

// MediaKey builds the remote object key for a group attachment.
func MediaKey(groupID, fileName string) string {
	return fmt.Sprintf("Groups/media/group_%s/%s", groupID, fileName)
}

// ProfileKey builds the remote object key for a group profile image.
func ProfileKey(groupName, userEmail, baseName string) string {
	return fmt.Sprintf("GroupProfile/%s_%s_%s", groupName, userEmail, baseName)
}

func contentTypeFor(fileName string) string {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(fileName))); ct != "" {
		return ct
	}
	if domain.KindForFile(fileName) == domain.AttachmentImage {
		return "image/*"
	}
	return "application/octet-stream"
}
