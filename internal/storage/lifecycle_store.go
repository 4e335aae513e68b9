package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/devghori1264/mcpanel/internal/models"
	badger "github.com/dgraph-io/badger/v4"
)

// LifecycleStore is the durable home of lifecycle records. Records are never
// overwritten directly: every write is a compare-and-swap on Revision.
type LifecycleStore interface {
	// Load returns the record for serverID or ErrNotFound.
	Load(ctx context.Context, serverID string) (*models.LifecycleRecord, error)
	// CompareAndSwap stores next iff the stored record still has
	// expected.Revision. A nil expected means the record must not exist yet.
	// On success next.Revision is set to the stored revision.
	CompareAndSwap(ctx context.Context, expected, next *models.LifecycleRecord) (bool, error)

	// RenewLease marks the workflow running under token as alive for ttl.
	RenewLease(ctx context.Context, serverID, token string, ttl time.Duration) error
	// LeaseHeld reports whether token's workflow renewed its lease recently.
	LeaseHeld(ctx context.Context, serverID, token string) (bool, error)
	// ReleaseLease drops token's lease. Releasing a missing lease is not an error.
	ReleaseLease(ctx context.Context, serverID, token string) error
}

func lifecycleKey(serverID string) []byte {
	return []byte("lifecycle:" + serverID)
}

func leaseKey(serverID, token string) []byte {
	return []byte("lease:" + serverID + ":" + token)
}

// RenewLease stores the expiry as the value; the Badger TTL only lets
// compaction drop abandoned leases, since its granularity is one second.
func (s *BadgerStore) RenewLease(ctx context.Context, serverID, token string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	expires := time.Now().Add(ttl).UnixNano()
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(leaseKey(serverID, token), []byte(strconv.FormatInt(expires, 10))).
			WithTTL(ttl + time.Second)
		return txn.SetEntry(e)
	})
}

func (s *BadgerStore) LeaseHeld(ctx context.Context, serverID, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var expires int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(leaseKey(serverID, token))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			n, err := strconv.ParseInt(string(v), 10, 64)
			expires = n
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return time.Now().UnixNano() < expires, nil
}

func (s *BadgerStore) ReleaseLease(ctx context.Context, serverID, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(leaseKey(serverID, token))
	})
}

func (s *BadgerStore) Load(ctx context.Context, serverID string) (*models.LifecycleRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *models.LifecycleRecord
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, serverID)
		out = rec
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) CompareAndSwap(ctx context.Context, expected, next *models.LifecycleRecord) (bool, error) {
	if next == nil || next.ServerID == "" {
		return false, errors.New("storage: next record needs a server id")
	}
	if expected != nil && expected.ServerID != next.ServerID {
		return false, fmt.Errorf("storage: server id mismatch %q != %q", expected.ServerID, next.ServerID)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	revision := int64(1)
	if expected != nil {
		revision = expected.Revision + 1
	}

	swapped := false
	err := s.db.Update(func(txn *badger.Txn) error {
		cur, err := getRecord(txn, next.ServerID)
		switch {
		case errors.Is(err, ErrNotFound):
			if expected != nil {
				return nil
			}
		case err != nil:
			return err
		default:
			if expected == nil || cur.Revision != expected.Revision {
				return nil
			}
		}

		stored := next.Clone()
		stored.Revision = revision
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		if err := txn.Set(lifecycleKey(next.ServerID), data); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		// another writer committed between our read and write
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if swapped {
		next.Revision = revision
	}
	return swapped, nil
}

func getRecord(txn *badger.Txn, serverID string) (*models.LifecycleRecord, error) {
	item, err := txn.Get(lifecycleKey(serverID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var out models.LifecycleRecord
	if err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &out)
	}); err != nil {
		return nil, err
	}
	return &out, nil
}
