package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// s3CASAttempts bounds how often a conditional write is retried after
// losing a race.
const s3CASAttempts = 5

// errS3Contended is returned when every conditional write attempt lost.
var errS3Contended = errors.New("conditional write kept conflicting")

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Store keeps one JSON object per job, keyed by the job id under prefix.
//
// Terminal writes and requeues are compare-and-swap on the object's ETag
// (If-Match). Each pending job also has an empty marker object under
// prefix + "pending/", so the reconciler lists pending jobs without reading
// finished ones.
type S3Store struct {
	client S3API
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Store creates an S3Store writing to bucket. prefix may be empty.
func NewS3Store(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: slog.Default().With("component", "s3_store"),
	}
}

func (s *S3Store) key(id string) string { return s.prefix + id }

func (s *S3Store) markerPrefix() string { return s.prefix + "pending/" }

func (s *S3Store) markerKey(id string) string { return s.markerPrefix() + id }

func (s *S3Store) Put(ctx context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := s.write(ctx, r, nil); err != nil {
		return err
	}
	if r.Status == StatusPending {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.markerKey(r.ID)),
			Body:   bytes.NewReader(nil),
		})
		if err != nil {
			return unavailable("s3 mark job pending "+r.ID, err)
		}
		return nil
	}
	s.unmark(ctx, r.ID)
	return nil
}

func (s *S3Store) Get(ctx context.Context, id string) (*Record, error) {
	r, _, err := s.read(ctx, id)
	return r, err
}

// Finalize writes r if the stored record is pending, retrying when a
// concurrent writer changed the object between the read and the write. A
// record already holding r's terminal status counts as written and is left
// as is, so a finalize loses at most one race before it sees the outcome.
func (s *S3Store) Finalize(ctx context.Context, r *Record) (bool, error) {
	for range s3CASAttempts {
		cur, etag, err := s.read(ctx, r.ID)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if cur.Status == r.Status {
			return true, nil
		}
		if !cur.Status.CanTransition(r.Status) {
			return false, nil
		}

		err = s.write(ctx, r, etag)
		if isConditionFailed(err) {
			continue
		}
		if err != nil {
			return false, err
		}
		s.unmark(ctx, r.ID)
		return true, nil
	}
	return false, unavailable("s3 finalize job "+r.ID, errS3Contended)
}

// Requeue bumps the enqueue count of a pending record under the same
// compare-and-swap as Finalize.
func (s *S3Store) Requeue(ctx context.Context, id string, now time.Time) (bool, error) {
	for range s3CASAttempts {
		cur, etag, err := s.read(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if cur.Status != StatusPending {
			return false, nil
		}
		cur.Enqueues++
		cur.UpdatedAt = now.UTC()

		err = s.write(ctx, cur, etag)
		if isConditionFailed(err) {
			continue
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, unavailable("s3 requeue job "+id, errS3Contended)
}

// ListPending walks the pending markers, oldest record first. Markers whose
// record has finished or vanished are removed on the way.
func (s *S3Store) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	prefix := s.markerPrefix()
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var out []*Record
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, unavailable("s3 list pending jobs", err)
		}
		for _, obj := range page.Contents {
			id := aws.ToString(obj.Key)[len(prefix):]
			r, err := s.Get(ctx, id)
			if errors.Is(err, ErrNotFound) {
				s.unmark(ctx, id)
				continue
			}
			if err != nil {
				return nil, err
			}
			if r.Status != StatusPending {
				s.unmark(ctx, id)
				continue
			}
			if r.UpdatedAt.Before(olderThan) {
				out = append(out, r)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Health checks the bucket is reachable.
func (s *S3Store) Health(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}

// read returns the record and the ETag of the object it came from.
func (s *S3Store) read(ctx context.Context, id string) (*Record, *string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, unavailable("s3 get job "+id, err)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nil, unavailable("s3 read job "+id, err)
	}
	r, err := decodeRecord(b)
	if err != nil {
		return nil, nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return r, out.ETag, nil
}

// write stores r. A non-nil ifMatch makes the write conditional on the
// object still carrying that ETag.
func (s *S3Store) write(ctx context.Context, r *Record, ifMatch *string) error {
	b, err := encodeRecord(r)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", r.ID, err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(r.ID)),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/json"),
		IfMatch:     ifMatch,
	})
	if isConditionFailed(err) {
		return err
	}
	if err != nil {
		return unavailable("s3 put job "+r.ID, err)
	}
	return nil
}

// unmark drops the pending marker. A marker left behind is cleaned up by the
// next ListPending, so a failure is only logged.
func (s *S3Store) unmark(ctx context.Context, id string) {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.markerKey(id)),
	})
	if err != nil {
		s.logger.Warn("delete pending marker failed", "job_id", id, "error", err)
	}
}

// isConditionFailed reports whether err is S3 refusing an If-Match write:
// 412 PreconditionFailed, or 409 ConditionalRequestConflict when another
// conditional write to the key is in flight.
func isConditionFailed(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}
