package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/bizmatters/contract-studio/internal/models"
)

const (
	objectPrefix = "conversations/"
	indexKey     = objectPrefix + "index.json"
)

// ObjectAPI is the subset of the S3 client the store uses
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps one JSON object per conversation plus an index object listing
// them, in any S3-compatible bucket
type S3Store struct {
	client ObjectAPI
	bucket string
	logger *slog.Logger

	// serializes index read-modify-write within this process
	indexMu sync.Mutex
}

// S3Options configures NewS3Client
type S3Options struct {
	Region   string
	Bucket   string
	Endpoint string
}

// NewS3Client builds an S3 client from the default AWS credential chain. A
// custom endpoint switches to path-style addressing for S3-compatible services.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// NewS3Store creates a store on bucket
func NewS3Store(client ObjectAPI, bucket string, logger *slog.Logger) *S3Store {
	return &S3Store{client: client, bucket: bucket, logger: logger}
}

func objectKey(id string) string {
	return objectPrefix + id + ".json"
}

// Load retrieves a conversation by id
func (s *S3Store) Load(ctx context.Context, id string) (*models.ConversationRecord, error) {
	data, err := s.get(ctx, objectKey(id))
	if err != nil {
		return nil, err
	}
	return models.DecodeRecord(data)
}

// Save writes the record object, then the index entry. An index failure is
// logged; the record itself is already durable.
func (s *S3Store) Save(ctx context.Context, req models.SaveConversationRequest) (*models.ConversationRecord, error) {
	var existing *models.ConversationRecord
	if req.ConversationID != "" {
		rec, err := s.Load(ctx, req.ConversationID)
		switch {
		case errors.Is(err, ErrNotFound):
		case errors.Is(err, models.ErrMalformedRecord):
			s.logger.Warn("replacing malformed conversation record", "id", req.ConversationID, "error", err)
		case err != nil:
			return nil, err
		default:
			existing = rec
		}
	}

	rec := merge(existing, req)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding conversation: %w", err)
	}
	if err := s.put(ctx, objectKey(rec.ID), data); err != nil {
		return nil, err
	}

	if err := s.updateIndex(ctx, func(idx map[string]models.ConversationSummary) {
		idx[rec.ID] = models.ConversationSummary{
			ID:        rec.ID,
			Title:     rec.Title,
			Preview:   rec.Preview,
			UpdatedAt: rec.UpdatedAt,
		}
	}); err != nil {
		s.logger.Warn("failed to update conversation index", "id", rec.ID, "error", err)
	}
	return rec, nil
}

// List loads every indexed conversation, newest first. Index entries whose
// object is gone are skipped.
func (s *S3Store) List(ctx context.Context) ([]models.ConversationSummary, error) {
	idx, err := s.loadIndex(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.ConversationSummary, 0, len(idx))
	for id := range idx {
		rec, err := s.Load(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.logger.Warn("skipping unreadable conversation", "id", id, "error", err)
			}
			continue
		}
		out = append(out, rec.Summary())
	}
	sortSummaries(out)
	return out, nil
}

// Delete removes the record object and its index entry
func (s *S3Store) Delete(ctx context.Context, id string) error {
	if _, err := s.get(ctx, objectKey(id)); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(id)),
	})
	if err != nil {
		return fmt.Errorf("s3 delete object: %w", err)
	}

	if err := s.updateIndex(ctx, func(idx map[string]models.ConversationSummary) {
		delete(idx, id)
	}); err != nil {
		s.logger.Warn("failed to update conversation index after delete", "id", id, "error", err)
	}
	return nil
}

func (s *S3Store) loadIndex(ctx context.Context) (map[string]models.ConversationSummary, error) {
	idx := map[string]models.ConversationSummary{}
	data, err := s.get(ctx, indexKey)
	if errors.Is(err, ErrNotFound) {
		return idx, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		s.logger.Warn("conversation index is malformed, starting over", "error", err)
		return map[string]models.ConversationSummary{}, nil
	}
	return idx, nil
}

func (s *S3Store) updateIndex(ctx context.Context, mutate func(map[string]models.ConversationSummary)) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	idx, err := s.loadIndex(ctx)
	if err != nil {
		return err
	}
	mutate(idx)
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return s.put(ctx, indexKey, data)
}

func (s *S3Store) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read object: %w", err)
	}
	return data, nil
}

func (s *S3Store) put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
