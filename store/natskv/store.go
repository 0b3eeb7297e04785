// Package natskv persists lifecycle records in a NATS JetStream Key-Value
// bucket, one key per record.
package natskv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/linesport/oddstream/errors"
	"github.com/linesport/oddstream/lifecycle"
	"github.com/linesport/oddstream/natsclient"
	"github.com/linesport/oddstream/retry"
)

const bucketName = "oddstream_lifecycle"

// writeRetry covers transient JetStream hiccups on the write path; the
// error classification keeps invalid and fatal failures from looping.
var writeRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     500 * time.Millisecond,
	Multiplier:   2.0,
	AddJitter:    true,
}

// Store implements lifecycle.Store over a JetStream KV bucket.
type Store struct {
	bucket  jetstream.KeyValue
	kvStore *natsclient.KVStore
}

// NewStore creates or opens the lifecycle bucket on an already connected
// client.
func NewStore(ctx context.Context, client *natsclient.Client) (*Store, error) {
	if client == nil {
		return nil, errors.WrapInvalid(nil, "natskvstore", "NewStore", "nats client cannot be nil")
	}
	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucketName,
		Description: "Lifecycle records for market metadata",
		History:     5,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "natskvstore", "NewStore", "create KV bucket")
	}
	return &Store{bucket: bucket, kvStore: client.NewKVStore(bucket)}, nil
}

// Save stores the record, last writer wins. The state machine serializes
// writers per record, so CAS is unnecessary here.
func (s *Store) Save(ctx context.Context, rec *lifecycle.Record) error {
	if rec == nil || rec.ID == "" {
		return errors.WrapInvalid(nil, "natskvstore", "Save", "record must have an ID")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapFatal(err, "natskvstore", "Save", "marshal record")
	}
	err = retry.Do(ctx, writeRetry, func() error {
		_, putErr := s.kvStore.Put(ctx, rec.ID, data)
		return putErr
	})
	if err != nil {
		return errors.WrapTransient(err, "natskvstore", "Save", "put to KV")
	}
	return nil
}

// Load retrieves one record by id.
func (s *Store) Load(ctx context.Context, id string) (*lifecycle.Record, error) {
	if id == "" {
		return nil, errors.WrapInvalid(nil, "natskvstore", "Load", "id cannot be empty")
	}
	entry, err := s.kvStore.Get(ctx, id)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.WrapNotFound("natskvstore", "Load", id)
		}
		return nil, errors.WrapTransient(err, "natskvstore", "Load", "get from KV")
	}
	var rec lifecycle.Record
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return nil, errors.WrapFatal(err, "natskvstore", "Load", "unmarshal record")
	}
	return &rec, nil
}

// Delete removes the record. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.WrapInvalid(nil, "natskvstore", "Delete", "id cannot be empty")
	}
	if err := s.kvStore.Delete(ctx, id); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil
		}
		return errors.WrapTransient(err, "natskvstore", "Delete", "delete from KV")
	}
	return nil
}

// LoadAll retrieves every record in the bucket.
func (s *Store) LoadAll(ctx context.Context) ([]*lifecycle.Record, error) {
	keys, err := s.kvStore.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "natskvstore", "LoadAll", "list KV keys")
	}
	recs := make([]*lifecycle.Record, 0, len(keys))
	for _, key := range keys {
		rec, err := s.Load(ctx, key)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return nil, errors.WrapTransient(err, "natskvstore", "LoadAll",
				fmt.Sprintf("load record %s", key))
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// UpdateMultiple persists the batch one record at a time, stopping at the
// first failure.
func (s *Store) UpdateMultiple(ctx context.Context, recs []*lifecycle.Record) error {
	for _, rec := range recs {
		if err := s.Save(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// The KV bucket has no secondary indexes, so the Find queries scan the
// bucket and filter. Record counts here are bounded by the live index,
// which keeps the scan cheap.

// FindByState returns every record in the given state.
func (s *Store) FindByState(ctx context.Context, state lifecycle.State) ([]*lifecycle.Record, error) {
	return s.filter(ctx, func(rec *lifecycle.Record) bool {
		return rec.CurrentState == state
	})
}

// FindExpired returns every record whose expiry has passed.
func (s *Store) FindExpired(ctx context.Context, now time.Time) ([]*lifecycle.Record, error) {
	return s.filter(ctx, func(rec *lifecycle.Record) bool {
		return rec.Expired(now)
	})
}

// FindArchivalCandidates returns every ACTIVE record created or last
// accessed before the cutoff.
func (s *Store) FindArchivalCandidates(ctx context.Context, cutoff time.Time) ([]*lifecycle.Record, error) {
	return s.filter(ctx, func(rec *lifecycle.Record) bool {
		return rec.ArchivalCandidate(cutoff)
	})
}

// GetStats counts stored records per state.
func (s *Store) GetStats(ctx context.Context) (lifecycle.StoreStats, error) {
	recs, err := s.LoadAll(ctx)
	if err != nil {
		return lifecycle.StoreStats{}, err
	}
	stats := lifecycle.StoreStats{ByState: make(map[lifecycle.State]int)}
	for _, rec := range recs {
		stats.Total++
		stats.ByState[rec.CurrentState]++
	}
	return stats, nil
}

func (s *Store) filter(ctx context.Context, keep func(*lifecycle.Record) bool) ([]*lifecycle.Record, error) {
	recs, err := s.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []*lifecycle.Record
	for _, rec := range recs {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}
