// Package lease gives a run a single owning process. The dispatcher acquires the
// run's lease before evaluating, refreshes it between batches, and releases it on
// the terminal transition.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrHeld = errors.New("lease held by another owner")
	ErrLost = errors.New("lease lost")
)

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	IsHeld(ctx context.Context, key string) (bool, error)
}

type backend interface {
	refresh(ctx context.Context, key, token string, ttl time.Duration) error
	release(ctx context.Context, key, token string) error
}

type Lease struct {
	Key   string
	Token string
	ttl   time.Duration
	b     backend
}

// Refresh extends the lease; ErrLost means another owner may now hold it.
func (l *Lease) Refresh(ctx context.Context) error {
	return l.b.refresh(ctx, l.Key, l.Token, l.ttl)
}

func (l *Lease) Release(ctx context.Context) error {
	return l.b.release(ctx, l.Key, l.Token)
}

func RunKey(runID string) string {
	return "policy-engine:run:" + runID
}

// LocalLocker serves a single process.
type LocalLocker struct {
	mu     sync.Mutex
	leases map[string]localEntry
	now    func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{leases: map[string]localEntry{}, now: time.Now}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, ok := l.leases[key]; ok && now.Before(e.expires) {
		return nil, ErrHeld
	}
	token := uuid.NewString()
	l.leases[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &Lease{Key: key, Token: token, ttl: ttl, b: l}, nil
}

func (l *LocalLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.leases[key]
	return ok && l.now().Before(e.expires), nil
}

func (l *LocalLocker) refresh(ctx context.Context, key, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.leases[key]
	if !ok || e.token != token || !now.Before(e.expires) {
		return ErrLost
	}
	e.expires = now.Add(ttl)
	l.leases[key] = e
	return nil
}

func (l *LocalLocker) release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.leases[key]; ok && e.token == token {
		delete(l.leases, key)
	}
	return nil
}
