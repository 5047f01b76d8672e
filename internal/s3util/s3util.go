// Package s3util provides the S3 helpers shared by the Lambda handlers:
// presigned upload and download URLs plus object fetch for validation.
package s3util

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"

	"github.com/jteoh/virtual-tryon/internal/apperr"
)

const (
	// UploadURLExpiry bounds how long a presigned PUT stays usable.
	UploadURLExpiry = 15 * time.Minute

	// DownloadURLExpiry covers both the provider fetching inputs and
	// the client fetching results. Kept short; URLs are re-minted on
	// every status read.
	DownloadURLExpiry = 1 * time.Hour

	// maxObjectBytes guards Download against unexpectedly large
	// objects. Matches the advertised upload limit with headroom.
	maxObjectBytes = 12 << 20
)

// Media wraps the S3 client pair and the bucket all session media
// lives in.
type Media struct {
	Client  *s3.Client
	Presign *s3.PresignClient
	Bucket  string
}

// NewMedia creates a Media helper for the bucket.
func NewMedia(client *s3.Client, bucket string) *Media {
	return &Media{
		Client:  client,
		Presign: s3.NewPresignClient(client),
		Bucket:  bucket,
	}
}

// UploadURL creates a presigned PUT URL for a client-side upload.
func (m *Media) UploadURL(ctx context.Context, key, contentType string) (string, error) {
	result, err := m.Presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      &m.Bucket,
		Key:         &key,
		ContentType: &contentType,
	}, s3.WithPresignExpires(UploadURLExpiry))
	if err != nil {
		return "", apperr.Wrap(apperr.KindStorage, "presign PutObject", err)
	}
	log.Debug().Str("key", key).Str("contentType", contentType).Msg("Presigned upload URL created")
	return result.URL, nil
}

// DownloadURL creates a presigned GET URL for an object.
func (m *Media) DownloadURL(ctx context.Context, key string) (string, error) {
	result, err := m.Presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &m.Bucket,
		Key:    &key,
	}, s3.WithPresignExpires(DownloadURLExpiry))
	if err != nil {
		return "", apperr.Wrap(apperr.KindStorage, "presign GetObject", err)
	}
	return result.URL, nil
}

// Fetch downloads an object's bytes. A missing key surfaces as
// apperr.KindNotFound so callers can tell "never uploaded" apart from
// an S3 outage.
func (m *Media) Fetch(ctx context.Context, key string) ([]byte, error) {
	result, err := m.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &m.Bucket,
		Key:    &key,
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, apperr.Newf(apperr.KindNotFound, "object %s not found", key)
		}
		return nil, apperr.Wrap(apperr.KindStorage, "S3 GetObject", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(io.LimitReader(result.Body, maxObjectBytes+1))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "read object body", err)
	}
	if len(data) > maxObjectBytes {
		return nil, apperr.Newf(apperr.KindStorage, "object %s exceeds %d bytes", key, maxObjectBytes)
	}
	log.Debug().Str("key", key).Int("bytes", len(data)).Msg("Object downloaded")
	return data, nil
}
