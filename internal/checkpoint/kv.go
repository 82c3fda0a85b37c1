package checkpoint

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// DefaultBucket is the JetStream key-value bucket holding checkpoints.
const DefaultBucket = "MAILWATCH_CHECKPOINTS"

// KVStore keeps checkpoints in a JetStream key-value bucket. Keys are the
// base64url user email since '@' is not a valid key character.
type KVStore struct {
	kv      jetstream.KeyValue
	timeout time.Duration
}

// OpenKV creates or updates the bucket and returns a store over it.
func OpenKV(ctx context.Context, js jetstream.JetStream, bucket string, callTimeout time.Duration) (*KVStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Last reconciled Gmail history id per user",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create bucket %s: %w", ErrStorageUnavailable, bucket, err)
	}
	return &KVStore{kv: kv, timeout: callTimeout}, nil
}

func kvKey(userEmail string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(userEmail))
}

// Get returns the stored checkpoint for userEmail.
func (s *KVStore) Get(ctx context.Context, userEmail string) (uint64, bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	entry, err := s.kv.Get(ctx, kvKey(userEmail))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: get %s: %w", ErrStorageUnavailable, userEmail, err)
	}
	id, err := strconv.ParseUint(string(entry.Value()), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: corrupt value for %s: %w", ErrStorageUnavailable, userEmail, err)
	}
	return id, true, nil
}

// maxCASAttempts bounds the compare-and-set loop in Advance.
const maxCASAttempts = 8

// Advance raises the checkpoint for userEmail. It reads the entry and writes
// against its revision, retrying when another writer got there first. A
// lower or equal value is ignored.
func (s *KVStore) Advance(ctx context.Context, userEmail string, checkpoint uint64) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	key := kvKey(userEmail)
	val := formatCheckpoint(checkpoint)
	for range maxCASAttempts {
		entry, err := s.kv.Get(ctx, key)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
			_, err = s.kv.Create(ctx, key, val)
		case err != nil:
			return fmt.Errorf("%w: advance %s: %w", ErrStorageUnavailable, userEmail, err)
		default:
			cur, perr := strconv.ParseUint(string(entry.Value()), 10, 64)
			if perr == nil && cur >= checkpoint {
				return nil
			}
			_, err = s.kv.Update(ctx, key, val, entry.Revision())
		}
		if errors.Is(err, jetstream.ErrKeyExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: advance %s: %w", ErrStorageUnavailable, userEmail, err)
		}
		return nil
	}
	return fmt.Errorf("%w: advance %s: too many concurrent writers", ErrStorageUnavailable, userEmail)
}

// Seed creates the entry only if userEmail has none.
func (s *KVStore) Seed(ctx context.Context, userEmail string, checkpoint uint64) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.kv.Create(ctx, kvKey(userEmail), formatCheckpoint(checkpoint))
	if errors.Is(err, jetstream.ErrKeyExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: seed %s: %w", ErrStorageUnavailable, userEmail, err)
	}
	return true, nil
}

// Put overwrites the checkpoint for userEmail.
func (s *KVStore) Put(ctx context.Context, userEmail string, checkpoint uint64) error {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.kv.Put(ctx, kvKey(userEmail), formatCheckpoint(checkpoint)); err != nil {
		return fmt.Errorf("%w: put %s: %w", ErrStorageUnavailable, userEmail, err)
	}
	return nil
}

func formatCheckpoint(checkpoint uint64) []byte {
	return []byte(strconv.FormatUint(checkpoint, 10))
}
