// Package lock provides named mutual exclusion scoped to an arbitrary key.
// The admission sequence serializes per access code through one of these:
// without it, two concurrent logins on a code at its limit could both observe
// "room available" and overshoot the concurrency cap.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrLockTimeout means the lock could not be acquired within the wait window.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// Locker runs fn while holding the named lock. The lock scope must cover
// everything fn does, including transaction commits.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func() error) error
	// TryWithLock runs fn only if the lock is free, reporting whether it ran.
	// Used by background passes that are safe to skip when another process
	// holds the lock.
	TryWithLock(ctx context.Context, key string, fn func() error) (bool, error)
}

// MySQLLocker implements Locker on MySQL's GET_LOCK/RELEASE_LOCK, giving
// cross-process mutual exclusion through the shared database. Both calls are
// pinned to one pooled connection; the protected work may run on any
// connection since the lock is held by name server-wide.
type MySQLLocker struct {
	db   *gorm.DB
	wait time.Duration
}

func NewMySQLLocker(db *gorm.DB, wait time.Duration) *MySQLLocker {
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return &MySQLLocker{db: db, wait: wait}
}

func (l *MySQLLocker) WithLock(ctx context.Context, key string, fn func() error) error {
	return l.withLock(ctx, key, int(l.wait.Seconds()), func(acquired bool) error {
		if !acquired {
			return ErrLockTimeout
		}
		return fn()
	})
}

func (l *MySQLLocker) TryWithLock(ctx context.Context, key string, fn func() error) (bool, error) {
	ran := false
	err := l.withLock(ctx, key, 0, func(acquired bool) error {
		if !acquired {
			return nil
		}
		ran = true
		return fn()
	})
	return ran, err
}

func (l *MySQLLocker) withLock(ctx context.Context, key string, waitSec int, fn func(acquired bool) error) error {
	return l.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		var got *int
		if err := conn.Raw("SELECT GET_LOCK(?, ?)", key, waitSec).Scan(&got).Error; err != nil {
			return err
		}
		acquired := got != nil && *got == 1
		if acquired {
			defer conn.Exec("SELECT RELEASE_LOCK(?)", key)
		}
		return fn(acquired)
	})
}

// KeyedMutex implements Locker in process memory, for single-instance
// deployments and tests. Entries are reference counted so the map does not
// grow with the number of distinct keys ever seen.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) WithLock(ctx context.Context, key string, fn func() error) error {
	entry := k.acquireEntry(key)
	defer k.releaseEntry(key, entry)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}

func (k *KeyedMutex) TryWithLock(ctx context.Context, key string, fn func() error) (bool, error) {
	entry := k.acquireEntry(key)
	defer k.releaseEntry(key, entry)

	if !entry.mu.TryLock() {
		return false, nil
	}
	defer entry.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return true, fn()
}

func (k *KeyedMutex) acquireEntry(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	return entry
}

func (k *KeyedMutex) releaseEntry(key string, entry *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, key)
	}
}
