// Package blobstore is the blob DAO over S3: named byte payloads
// stored as bucket objects, addressable by name or by the blob id
// minted on store, optionally sealed at rest.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/taskflow-core/taskflow/internal/platform/logger"
)

// ErrNotFound is returned when no blob exists under the given name or
// id.
var ErrNotFound = errors.New("blobstore: not found")

const blobIDMetadataKey = "blob-id"

// Store is a blob DAO over one bucket. The object key is the blob's
// name; the blob id minted on store rides along as object metadata so
// blobs stay addressable both ways.
type Store struct {
	client *s3.Client
	bucket string
	sealer *Sealer
	logger logger.Logger
}

// New creates a store over the given bucket. A nil sealer stores
// payloads unsealed.
func New(client *s3.Client, bucket string, sealer *Sealer, log logger.Logger) *Store {
	return &Store{client: client, bucket: bucket, sealer: sealer, logger: log}
}

// Store writes data under name and returns the minted blob id.
func (s *Store) Store(ctx context.Context, name string, data []byte) (uuid.UUID, error) {
	id := uuid.New()

	payload := data
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(data)
		if err != nil {
			return uuid.Nil, fmt.Errorf("blobstore: seal %q: %w", name, err)
		}
		payload = sealed
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(name),
		Body:     bytes.NewReader(payload),
		Metadata: map[string]string{blobIDMetadataKey: id.String()},
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("blobstore: put %q: %w", name, err)
	}
	return id, nil
}

// LoadByName reads the blob stored under name.
func (s *Store) LoadByName(ctx context.Context, name string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %q: %w", name, err)
	}
	defer out.Body.Close()

	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %q: %w", name, err)
	}
	if s.sealer != nil {
		return s.sealer.Unseal(payload)
	}
	return payload, nil
}

// LoadByID scans the bucket for the object whose metadata carries the
// given blob id. Listings at this scale are small; an id-to-name
// index would serve larger buckets.
func (s *Store) LoadByID(ctx context.Context, id uuid.UUID) ([]byte, error) {
	name, err := s.nameForID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.LoadByName(ctx, name)
}

func (s *Store) nameForID(ctx context.Context, id uuid.UUID) (string, error) {
	want := id.String()
	var token *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			ContinuationToken: token,
		})
		if err != nil {
			return "", fmt.Errorf("blobstore: list: %w", err)
		}
		for _, obj := range page.Contents {
			head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				continue
			}
			if head.Metadata[blobIDMetadataKey] == want {
				return aws.ToString(obj.Key), nil
			}
		}
		if page.IsTruncated == nil || !*page.IsTruncated {
			return "", ErrNotFound
		}
		token = page.NextContinuationToken
	}
}

// Delete removes the blob stored under name.
func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("blobstore: delete %q: %w", name, err)
	}
	return nil
}

// IterateFilenames walks every blob name in the bucket.
func (s *Store) IterateFilenames(ctx context.Context, fn func(name string) error) error {
	var token *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("blobstore: list: %w", err)
		}
		for _, obj := range page.Contents {
			if err := fn(aws.ToString(obj.Key)); err != nil {
				return err
			}
		}
		if page.IsTruncated == nil || !*page.IsTruncated {
			return nil
		}
		token = page.NextContinuationToken
	}
}

// Open returns a scoped byte stream over the blob stored under name.
// Sealed payloads are unsealed up front, so the returned reader
// always yields plaintext.
func (s *Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if s.sealer != nil {
		data, err := s.LoadByName(ctx, name)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: open %q: %w", name, err)
	}
	return out.Body, nil
}

// Create returns a write stream that stores the written bytes under
// name when closed, the writing half of the scoped open contract.
func (s *Store) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	return &blobWriter{ctx: ctx, store: s, name: name}, nil
}

type blobWriter struct {
	ctx   context.Context
	store *Store
	name  string
	buf   bytes.Buffer
}

func (w *blobWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *blobWriter) Close() error {
	_, err := w.store.Store(w.ctx, w.name, w.buf.Bytes())
	return err
}
