package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "envzilla:deployments:"

	// casRetries bounds optimistic-lock retries before giving up with
	// ErrStateConflict.
	casRetries = 5
)

// Store keeps deployment records in Redis, one JSON value per PR under
// envzilla:deployments:<pr>. Every successful write refreshes the record
// TTL; writes that would break the state machine are rejected.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger
}

// New creates a store. ttl bounds record lifetime absent status updates.
func New(rdb *redis.Client, ttl time.Duration, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{rdb: rdb, ttl: ttl, log: log}
}

// Get returns the record for a PR, or ErrNotFound.
func (s *Store) Get(ctx context.Context, pr int) (*DeploymentRecord, error) {
	data, err := s.rdb.Get(ctx, key(pr)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}

	var rec DeploymentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %d: %w", pr, err)
	}
	return &rec, nil
}

// List returns all live records, in no particular order.
func (s *Store) List(ctx context.Context) ([]*DeploymentRecord, error) {
	var records []*DeploymentRecord
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", iter.Val(), err)
		}
		var rec DeploymentRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			s.log.Warn("skipping undecodable record", "key", iter.Val(), "error", err)
			continue
		}
		records = append(records, &rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	return records, nil
}

// Transition moves a PR's record to next under optimistic locking. mutate,
// which may be nil, edits the record inside the transaction after the
// status check passes; it sees the freshly read record. A missing record
// counts as the empty predecessor state, so Transition to queued creates
// the record.
func (s *Store) Transition(ctx context.Context, pr int, next Status, mutate func(*DeploymentRecord)) (*DeploymentRecord, error) {
	var out *DeploymentRecord

	txn := func(tx *redis.Tx) error {
		rec := &DeploymentRecord{PRNumber: pr, CreatedAt: time.Now().UTC()}
		cur := Status("")

		data, err := tx.Get(ctx, key(pr)).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			// no record yet
		case err != nil:
			return fmt.Errorf("get record: %w", err)
		default:
			if err := json.Unmarshal(data, rec); err != nil {
				return fmt.Errorf("decode record %d: %w", pr, err)
			}
			cur = rec.Status
		}

		if !CanTransition(cur, next) {
			return fmt.Errorf("%w: %d cannot move %s -> %s", ErrStateConflict, pr, cur, next)
		}

		rec.Status = next
		rec.UpdatedAt = time.Now().UTC()
		if mutate != nil {
			mutate(rec)
		}
		if err := rec.validate(); err != nil {
			return err
		}

		encoded, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key(pr), encoded, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		out = rec
		return nil
	}

	for i := 0; i < casRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key(pr))
		if errors.Is(err, redis.TxFailedErr) {
			continue // concurrent writer, re-read
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %d lost optimistic lock %d times", ErrStateConflict, pr, casRetries)
}

// Update mutates a record in place without changing its status, under the
// same optimistic lock as Transition. Used for progress bookkeeping like
// build_started_at.
func (s *Store) Update(ctx context.Context, pr int, mutate func(*DeploymentRecord)) (*DeploymentRecord, error) {
	var out *DeploymentRecord

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key(pr)).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get record: %w", err)
		}
		rec := &DeploymentRecord{}
		if err := json.Unmarshal(data, rec); err != nil {
			return fmt.Errorf("decode record %d: %w", pr, err)
		}

		status := rec.Status
		mutate(rec)
		rec.Status = status
		rec.UpdatedAt = time.Now().UTC()
		if err := rec.validate(); err != nil {
			return err
		}

		encoded, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key(pr), encoded, s.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		out = rec
		return nil
	}

	for i := 0; i < casRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key(pr))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %d lost optimistic lock %d times", ErrStateConflict, pr, casRetries)
}

// SetError records last_error without touching status. Used for warnings
// that should surface on the record.
func (s *Store) SetError(ctx context.Context, pr int, msg string) error {
	rec, err := s.Get(ctx, pr)
	if err != nil {
		return err
	}
	rec.LastError = msg
	rec.UpdatedAt = time.Now().UTC()
	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key(pr), encoded, s.ttl).Err()
}

// Delete removes a record. Only the destroy path deletes records, and only
// from destroying; anything else is a state conflict.
func (s *Store) Delete(ctx context.Context, pr int) error {
	rec, err := s.Get(ctx, pr)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Status != StatusDestroying {
		return fmt.Errorf("%w: cannot delete record in %s", ErrStateConflict, rec.Status)
	}
	return s.rdb.Del(ctx, key(pr)).Err()
}

// CountByStatus returns live record counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	records, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[Status]int)
	for _, rec := range records {
		counts[rec.Status]++
	}
	return counts, nil
}

// UsedPorts returns the host ports of all running deployments. The port
// allocator skips these so no two running previews share a port.
func (s *Store) UsedPorts(ctx context.Context) (map[int]bool, error) {
	records, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	used := make(map[int]bool)
	for _, rec := range records {
		if rec.Status == StatusRunning && rec.HostPort != 0 {
			used[rec.HostPort] = true
		}
	}
	return used, nil
}

// validate enforces record invariants that are not pure status-machine
// checks: a running record must carry its container and port.
func (r *DeploymentRecord) validate() error {
	if r.PRNumber <= 0 {
		return fmt.Errorf("invalid pr_number %d", r.PRNumber)
	}
	if r.Status == StatusRunning && (r.ContainerID == "" || r.HostPort == 0) {
		return fmt.Errorf("%w: running record %d missing container or port", ErrStateConflict, r.PRNumber)
	}
	return nil
}

func key(pr int) string {
	return keyPrefix + strconv.Itoa(pr)
}
