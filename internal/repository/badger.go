package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"welfare-agent/internal/domain"
)

const (
	badgerThreadPrefix  = "thread/"
	badgerTurnPrefix    = "turn/"
	badgerContextPrefix = "uctx/"
)

// BadgerStore is an embedded on-disk store for single-node deployments.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the database in dir. An empty dir keeps
// everything in memory.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("repository: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func threadKey(id string) []byte { return []byte(badgerThreadPrefix + id) }

func turnPrefix(threadID string) []byte { return []byte(badgerTurnPrefix + threadID + "/") }

func turnKey(t domain.Turn) []byte {
	return []byte(badgerTurnPrefix + t.ThreadID + "/" + t.CreatedAt.UTC().Format(sortableTime) + "/" + t.ID)
}

func userContextKey(threadID, userID string) []byte {
	return []byte(badgerContextPrefix + threadID + "/" + userID)
}

func (b *BadgerStore) CreateThread(_ context.Context, t domain.Thread) error {
	return b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(threadKey(t.ID))
		if err == nil {
			return ErrThreadExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("repository: CreateThread: %w", err)
		}
		return txn.Set(threadKey(t.ID), []byte(t.CreatedAt.UTC().Format(time.RFC3339Nano)))
	})
}

func (b *BadgerStore) ThreadExists(_ context.Context, threadID string) (bool, error) {
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(threadKey(threadID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("repository: ThreadExists: %w", err)
	}
	return found, nil
}

// turns returns every turn of a thread in key order, which is CreatedAt
// then id.
func (b *BadgerStore) turns(threadID string) ([]domain.Turn, error) {
	var out []domain.Turn
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = turnPrefix(threadID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var t domain.Turn
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &t)
			})
			if err != nil {
				return fmt.Errorf("decode turn %s: %w", it.Item().Key(), err)
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

func (b *BadgerStore) RecentTurns(_ context.Context, threadID string, limit int) ([]domain.Turn, error) {
	all, err := b.turns(threadID)
	if err != nil {
		return nil, fmt.Errorf("repository: RecentTurns: %w", err)
	}
	return tail(all, limit), nil
}

func (b *BadgerStore) ListTurns(_ context.Context, threadID string, limit, offset int) ([]domain.Turn, int, error) {
	all, err := b.turns(threadID)
	if err != nil {
		return nil, 0, fmt.Errorf("repository: ListTurns: %w", err)
	}
	return page(all, limit, offset), len(all), nil
}

func (b *BadgerStore) AppendTurns(_ context.Context, turns ...domain.Turn) error {
	if err := validTurns(turns); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		for _, t := range turns {
			if _, err := txn.Get(threadKey(t.ThreadID)); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return fmt.Errorf("repository: append to unknown thread %q", t.ThreadID)
				}
				return err
			}
			t.CreatedAt = t.CreatedAt.UTC()
			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("repository: encode turn: %w", err)
			}
			if err := txn.Set(turnKey(t), data); err != nil {
				return fmt.Errorf("repository: AppendTurns: %w", err)
			}
		}
		return nil
	})
}

func (b *BadgerStore) GetUserContext(_ context.Context, threadID, userID string) (*domain.UserContext, error) {
	var uc *domain.UserContext
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userContextKey(threadID, userID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decoded domain.UserContext
			if err := json.Unmarshal(val, &decoded); err != nil {
				return fmt.Errorf("decode user context: %w", err)
			}
			uc = &decoded
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetUserContext: %w", err)
	}
	return uc, nil
}

func (b *BadgerStore) UpsertUserContext(_ context.Context, uc domain.UserContext) error {
	data, err := json.Marshal(uc)
	if err != nil {
		return fmt.Errorf("repository: encode user context: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(userContextKey(uc.ThreadID, uc.UserID), data)
	})
}

// Sweep deletes turns and contexts older than the given cutoffs. A zero
// cutoff skips that kind.
func (b *BadgerStore) Sweep(_ context.Context, turnsBefore, contextsBefore time.Time) (SweepResult, error) {
	var res SweepResult
	if !turnsBefore.IsZero() {
		n, err := b.sweepPrefix(badgerTurnPrefix, func(val []byte) (bool, error) {
			var t domain.Turn
			if err := json.Unmarshal(val, &t); err != nil {
				return false, err
			}
			return t.CreatedAt.Before(turnsBefore), nil
		})
		if err != nil {
			return res, fmt.Errorf("repository: sweep turns: %w", err)
		}
		res.Turns = n
	}
	if !contextsBefore.IsZero() {
		n, err := b.sweepPrefix(badgerContextPrefix, func(val []byte) (bool, error) {
			var uc domain.UserContext
			if err := json.Unmarshal(val, &uc); err != nil {
				return false, err
			}
			return uc.FetchedAt.Before(contextsBefore), nil
		})
		if err != nil {
			return res, fmt.Errorf("repository: sweep user contexts: %w", err)
		}
		res.Contexts = n
	}
	return res, nil
}

func (b *BadgerStore) sweepPrefix(prefix string, expired func(val []byte) (bool, error)) (int, error) {
	var keys [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var old bool
			err := item.Value(func(val []byte) error {
				var err error
				old, err = expired(val)
				return err
			})
			if err != nil {
				return err
			}
			if old {
				keys = append(keys, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (b *BadgerStore) Ping(context.Context) error {
	if b.db.IsClosed() {
		return errors.New("repository: badger is closed")
	}
	return nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

var _ Store = (*BadgerStore)(nil)
