package source

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	ignore "github.com/sabhiram/go-gitignore"
)

// S3Client is the subset of the S3 API the source needs
type S3Client interface {
	GetObject(input *s3.GetObjectInput) (*s3.GetObjectOutput, error)
	ListObjectsV2(input *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error)
}

// S3Config configures the default client
type S3Config struct {
	Region   string
	Endpoint string
}

// NewS3Client builds a client from the shared AWS configuration
func NewS3Client(cfg S3Config) (*s3.S3, error) {
	awsCfg := aws.Config{}
	if cfg.Region != "" {
		awsCfg.Region = aws.String(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            awsCfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return s3.New(sess), nil
}

// parseS3 splits s3://bucket/prefix
func parseS3(location string) (bucket, prefix string, err error) {
	rest := strings.TrimPrefix(location, s3Scheme)
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid S3 location %q", location)
	}
	return bucket, prefix, nil
}

// s3Files lists the dataset objects under a prefix in key order
func s3Files(ctx context.Context, svc S3Client, location string, exclude []string) ([]file, error) {
	bucket, prefix, err := parseS3(location)
	if err != nil {
		return nil, err
	}

	var ignored *ignore.GitIgnore
	if len(exclude) > 0 {
		ignored = ignore.CompileIgnoreLines(exclude...)
	}

	var (
		keys              []string
		continuationToken *string
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := svc.ListObjectsV2(&s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("listing s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range resp.Contents {
			key := aws.StringValue(obj.Key)
			if !supported(key) {
				continue
			}
			if ignored != nil && ignored.MatchesPath(strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")) {
				continue
			}
			keys = append(keys, key)
		}
		if !aws.BoolValue(resp.IsTruncated) {
			break
		}
		continuationToken = resp.NextContinuationToken
	}
	sort.Strings(keys)

	files := make([]file, len(keys))
	for i, key := range keys {
		key := key
		files[i] = file{
			name: s3Scheme + bucket + "/" + key,
			open: func() (io.ReadCloser, error) {
				out, err := svc.GetObject(&s3.GetObjectInput{
					Bucket: aws.String(bucket),
					Key:    aws.String(key),
				})
				if err != nil {
					return nil, err
				}
				return out.Body, nil
			},
		}
	}
	return files, nil
}
