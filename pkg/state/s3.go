package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	loomerrors "github.com/loomworks/loom/internal/errors"
)

// S3Backend persists stacks in an S3 bucket: one state object per stack,
// one object per audit entry (S3 has no append), and a lock object written
// with a conditional put so only one holder wins.
//
// Layout under the configured prefix:
//
//	<prefix><stack>/state.json
//	<prefix><stack>/lock.json
//	<prefix><stack>/audit/<timestamp>-<seq>.json
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string

	seq uint64
}

// NewS3Backend wraps an existing S3 client. The prefix may be empty; a
// non-empty prefix should end with "/".
func NewS3Backend(client *s3.Client, bucket, prefix string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket, prefix: prefix}
}

func (b *S3Backend) stateKey(stack string) string {
	return b.prefix + stack + "/state.json"
}

func (b *S3Backend) lockKey(stack string) string {
	return b.prefix + stack + "/lock.json"
}

func (b *S3Backend) auditPrefix(stack string) string {
	return b.prefix + stack + "/audit/"
}

// GetState implements Backend.
func (b *S3Backend) GetState(ctx context.Context, stack string) (*DeploymentState, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.stateKey(stack)),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	defer out.Body.Close()

	blob, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	var st DeploymentState
	if err := json.Unmarshal(blob, &st); err != nil {
		return nil, loomerrors.FromCode("E402").Wrap(err)
	}
	return &st, nil
}

// SaveState implements Backend. S3 object puts are atomic replaces.
func (b *S3Backend) SaveState(ctx context.Context, stack string, st *DeploymentState) error {
	blob, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.stateKey(stack)),
		Body:        bytes.NewReader(blob),
		ContentType: aws.String("application/json"),
	})
	return err
}

type s3Lock struct {
	Holder  string `json:"holder"`
	Expires int64  `json:"expires"`
}

// AcquireLock implements Locker using a conditional put: the lock object is
// created only if absent, and an expired lock is overwritten.
func (b *S3Backend) AcquireLock(ctx context.Context, stack, holder string, ttl time.Duration) (bool, error) {
	payload, err := json.Marshal(s3Lock{
		Holder:  holder,
		Expires: time.Now().Add(ttl).UnixMilli(),
	})
	if err != nil {
		return false, err
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.lockKey(stack)),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	})
	if err == nil {
		return true, nil
	}

	// Creation lost: inspect the current lock and steal it if expired or
	// re-entrant.
	out, getErr := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.lockKey(stack)),
	})
	if getErr != nil {
		return false, err
	}
	defer out.Body.Close()
	blob, readErr := io.ReadAll(out.Body)
	if readErr != nil {
		return false, readErr
	}
	var current s3Lock
	if json.Unmarshal(blob, &current) == nil {
		if current.Holder != holder && time.Now().UnixMilli() < current.Expires {
			return false, nil
		}
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.lockKey(stack)),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	return err == nil, err
}

// ReleaseLock implements Locker.
func (b *S3Backend) ReleaseLock(ctx context.Context, stack string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.lockKey(stack)),
	})
	return err
}

// AppendAuditLog implements AuditLogger: each entry is its own object so
// the log is append-only by construction.
func (b *S3Backend) AppendAuditLog(ctx context.Context, stack string, entry AuditEntry) error {
	blob, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	seq := atomic.AddUint64(&b.seq, 1)
	key := fmt.Sprintf("%s%013d-%06d.json", b.auditPrefix(stack), entry.Timestamp, seq)
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(blob),
		ContentType: aws.String("application/json"),
	})
	return err
}

// GetAuditLog implements AuditLogger by listing and reading entry objects.
// Keys embed a zero-padded timestamp, so lexical order is time order.
func (b *S3Backend) GetAuditLog(ctx context.Context, stack string, limit int) ([]AuditEntry, error) {
	var keys []string
	var token *string
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(b.auditPrefix(stack)),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}

	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}

	entries := make([]AuditEntry, 0, len(keys))
	for _, key := range keys {
		out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, err
		}
		blob, err := io.ReadAll(out.Body)
		out.Body.Close()
		if err != nil {
			return nil, err
		}
		var entry AuditEntry
		if err := json.Unmarshal(blob, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
