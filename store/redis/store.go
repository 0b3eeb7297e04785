// Package redis persists lifecycle records in Redis. Records live under
// lifecycle:<id> as JSON, with lifecycle:index as a set of known ids so
// LoadAll never depends on SCAN ordering.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/linesport/oddstream/errors"
	"github.com/linesport/oddstream/lifecycle"
)

const (
	keyPrefix = "lifecycle:"
	indexKey  = "lifecycle:index"
)

// Config holds Redis connection settings.
type Config struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// Store implements lifecycle.Store over a Redis client.
type Store struct {
	client *goredis.Client
}

// NewStore connects to Redis and verifies the connection with a ping.
func NewStore(cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.WrapTransient(err, "redisstore", "NewStore", "ping failed")
	}
	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing client without pinging it.
func NewStoreWithClient(client *goredis.Client) *Store {
	return &Store{client: client}
}

func recordKey(id string) string { return keyPrefix + id }

// Save stores the record and registers its id in the index set.
func (s *Store) Save(ctx context.Context, rec *lifecycle.Record) error {
	if rec == nil || rec.ID == "" {
		return errors.WrapInvalid(nil, "redisstore", "Save", "record must have an ID")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapFatal(err, "redisstore", "Save", "marshal record")
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, recordKey(rec.ID), data, 0)
	pipe.SAdd(ctx, indexKey, rec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WrapTransient(err, "redisstore", "Save", "pipeline exec")
	}
	return nil
}

// Load retrieves one record by id.
func (s *Store) Load(ctx context.Context, id string) (*lifecycle.Record, error) {
	if id == "" {
		return nil, errors.WrapInvalid(nil, "redisstore", "Load", "id cannot be empty")
	}
	data, err := s.client.Get(ctx, recordKey(id)).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, errors.WrapNotFound("redisstore", "Load", id)
		}
		return nil, errors.WrapTransient(err, "redisstore", "Load", "get failed")
	}
	var rec lifecycle.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.WrapFatal(err, "redisstore", "Load", "unmarshal record")
	}
	return &rec, nil
}

// Delete removes the record and its index entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.WrapInvalid(nil, "redisstore", "Delete", "id cannot be empty")
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, recordKey(id))
	pipe.SRem(ctx, indexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WrapTransient(err, "redisstore", "Delete", "pipeline exec")
	}
	return nil
}

// LoadAll retrieves every record named by the index set. Index entries whose
// record key has vanished are skipped and pruned.
func (s *Store) LoadAll(ctx context.Context) ([]*lifecycle.Record, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, errors.WrapTransient(err, "redisstore", "LoadAll", "read index")
	}
	recs := make([]*lifecycle.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Load(ctx, id)
		if err != nil {
			if errors.IsNotFound(err) {
				s.client.SRem(ctx, indexKey, id)
				continue
			}
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// UpdateMultiple persists the batch in one pipeline.
func (s *Store) UpdateMultiple(ctx context.Context, recs []*lifecycle.Record) error {
	if len(recs) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	for _, rec := range recs {
		if rec == nil || rec.ID == "" {
			return errors.WrapInvalid(nil, "redisstore", "UpdateMultiple", "record must have an ID")
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return errors.WrapFatal(err, "redisstore", "UpdateMultiple", "marshal record")
		}
		pipe.Set(ctx, recordKey(rec.ID), data, 0)
		pipe.SAdd(ctx, indexKey, rec.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.WrapTransient(err, "redisstore", "UpdateMultiple", "pipeline exec")
	}
	return nil
}

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

// filter walks the index set and keeps matching records. State lives inside
// the record JSON, so queries deserialize; a per-state secondary index is
// not worth the write-path bookkeeping at this record count.
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

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
