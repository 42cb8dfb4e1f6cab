// Package objectstore uploads local artifacts to S3 under the fixed
// genome/protein key templates, with size-based single-PUT vs. multipart
// transfer and post-upload verification.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	multipartThreshold = 500 * 1024 * 1024 // 500 MiB
	partSize           = 64 * 1024 * 1024  // 64 MiB
	partConcurrency    = 4
	maxRetryAttempts   = 8
)

var gzipMagic = [2]byte{0x1f, 0x8b}

// ErrEmptyFile is returned when the local file to upload is missing or empty.
var ErrEmptyFile = errors.New("objectstore: local file is empty or missing")

// Client uploads local files to a single bucket under the bioetl key layout.
type Client struct {
	bucket         string
	finalPrefix    string
	proteinsPrefix string
	s3             *s3.Client
	uploader       *manager.Uploader
}

// New builds a Client from the AWS region and bucket/prefix configuration.
func New(ctx context.Context, region, bucket, finalPrefix, proteinsPrefix string) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithRetryMaxAttempts(maxRetryAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}
	cli := s3.NewFromConfig(cfg)
	return &Client{
		bucket:         bucket,
		finalPrefix:    finalPrefix,
		proteinsPrefix: proteinsPrefix,
		s3:             cli,
		uploader: manager.NewUploader(cli, func(u *manager.Uploader) {
			u.PartSize = partSize
			u.Concurrency = partConcurrency
		}),
	}, nil
}

// GenomeKey returns the deterministic key for a genome artifact.
func (c *Client) GenomeKey(source, accession, filename string) string {
	return fmt.Sprintf("%s/%s/genomes/%s/%s", c.finalPrefix, source, accession, filename)
}

// ProteinsKey returns the deterministic key for a protein artifact.
func (c *Client) ProteinsKey(source, accession, filename string) string {
	return fmt.Sprintf("%s/%s/%s/%s", c.proteinsPrefix, source, accession, filename)
}

// URI formats the opaque s3:// URI returned to callers on success.
func (c *Client) URI(key string) string {
	return fmt.Sprintf("s3://%s/%s", c.bucket, key)
}

// Upload uploads localPath to key, choosing single PUT or multipart by
// file size, then verifies the result with a HEAD and (for .gz keys) a
// magic-byte spot check. Returns the opaque URI on success.
func (c *Client) Upload(ctx context.Context, localPath, key string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrEmptyFile, localPath, err)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("%w: %s", ErrEmptyFile, localPath)
	}

	contentType := "application/octet-stream"
	if strings.HasSuffix(key, ".gz") {
		contentType = "application/gzip"
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("objectstore: open %s: %w", localPath, err)
	}
	defer f.Close()

	if info.Size() > multipartThreshold {
		err = c.uploadMultipart(ctx, f, key, contentType)
	} else {
		err = c.uploadSingle(ctx, f, key, contentType, info.Size())
	}
	if err != nil {
		return "", err
	}

	if err := c.verify(ctx, key, info.Size()); err != nil {
		return "", err
	}
	return c.URI(key), nil
}

func (c *Client) uploadSingle(ctx context.Context, body io.Reader, key, contentType string, size int64) error {
	buf, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("objectstore: read %s: %w", key, err)
	}
	_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, describeAPIErr(err))
	}
	return nil
}

func (c *Client) uploadMultipart(ctx context.Context, body io.Reader, key, contentType string) error {
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("objectstore: multipart upload %s: %w", key, describeAPIErr(err))
	}
	return nil
}

// verify performs the post-upload HEAD and, for gzip keys, a first-two-bytes
// magic check via a ranged GET. A magic mismatch is logged here as a
// warning, not treated as upload failure, per §4.2 point 4.
func (c *Client) verify(ctx context.Context, key string, wantSize int64) error {
	head, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("objectstore: verify head %s: %w", key, describeAPIErr(err))
	}
	if head.ContentLength == nil || *head.ContentLength != wantSize {
		return fmt.Errorf("objectstore: verify %s: size mismatch after upload", key)
	}

	if strings.HasSuffix(key, ".gz") {
		if ok, err := c.hasGzipMagic(ctx, key); err != nil {
			return fmt.Errorf("objectstore: magic check %s: %w", key, err)
		} else if !ok {
			slog.Warn("objectstore: gzip magic mismatch after upload", "key", key)
		}
	}
	return nil
}

func (c *Client) hasGzipMagic(ctx context.Context, key string) (bool, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Range:  aws.String("bytes=0-1"),
	})
	if err != nil {
		return false, describeAPIErr(err)
	}
	defer out.Body.Close()

	buf := make([]byte, 2)
	if _, err := io.ReadFull(out.Body, buf); err != nil {
		return false, err
	}
	return buf[0] == gzipMagic[0] && buf[1] == gzipMagic[1], nil
}

func describeAPIErr(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return err
}

// FilenameStem returns the base filename without its compression/format
// suffix chain, used to derive the `<stem>_proteins.faa.gz` protein name.
func FilenameStem(filename string) string {
	base := filepath.Base(filename)
	for _, suf := range []string{".fna.gz", ".fasta.gz", ".fna", ".fasta", ".gz"} {
		if strings.HasSuffix(base, suf) {
			return strings.TrimSuffix(base, suf)
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
