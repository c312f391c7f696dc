package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/propertyreel/backend/internal/logger"
	"github.com/propertyreel/backend/internal/repos"
	"github.com/propertyreel/backend/internal/types"
)

// ErrLocked means another job holds the listing; the caller's job fails
// without affecting the holder.
var ErrLocked = errors.New("listing is locked by another job")

// ListingLocker is the two-layer per-listing mutex: an advisory process-local
// lock keyed by a 31-bit hash of the listing id, plus a persisted row that
// excludes workers in other processes. Rows expire so a crashed holder cannot
// wedge the listing.
type ListingLocker struct {
	log       *logger.Logger
	locks     repos.ListingLockRepo
	ttl       time.Duration
	attempts  int
	processID string

	mu    sync.Mutex
	local map[uint32]*localLock
}

type localLock struct {
	held bool
}

func NewListingLocker(locks repos.ListingLockRepo, ttl time.Duration, attempts int, log *logger.Logger) *ListingLocker {
	host, _ := os.Hostname()
	return &ListingLocker{
		log:       log.With("service", "ListingLocker"),
		locks:     locks,
		ttl:       ttl,
		attempts:  attempts,
		processID: fmt.Sprintf("%s-%d", host, os.Getpid()),
		local:     make(map[uint32]*localLock),
	}
}

// advisoryKey is a 31-bit hash of the listing id.
func advisoryKey(listingID uuid.UUID) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(listingID.String()))
	return h.Sum32() & 0x7FFFFFFF
}

func (l *ListingLocker) tryLocal(key uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.local[key]
	if !ok {
		lk = &localLock{}
		l.local[key] = lk
	}
	if lk.held {
		return false
	}
	lk.held = true
	return true
}

func (l *ListingLocker) releaseLocal(key uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lk, ok := l.local[key]; ok {
		lk.held = false
	}
}

// Acquire takes the listing lock for jobID, retrying up to the configured
// attempt count with jittered backoff and reaping expired rows before each
// attempt. On success it returns a release func that is safe to call exactly
// once; release failures are logged, expiry reaps the row eventually.
func (l *ListingLocker) Acquire(ctx context.Context, listingID, jobID uuid.UUID) (func(), error) {
	key := advisoryKey(listingID)

	var lastErr error
	for attempt := 1; attempt <= l.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if n, err := l.locks.DeleteExpired(ctx, nil, listingID, time.Now()); err != nil {
			l.log.Warn("Failed to reap expired listing locks", "listing_id", listingID, "error", err)
		} else if n > 0 {
			l.log.Info("Reaped expired listing locks", "listing_id", listingID, "count", n)
		}

		if !l.tryLocal(key) {
			lastErr = ErrLocked
		} else {
			err := l.locks.Create(ctx, nil, &types.ListingLock{
				ListingID: listingID,
				JobID:     jobID,
				ProcessID: l.processID,
				ExpiresAt: time.Now().Add(l.ttl),
			})
			if err == nil {
				release := func() {
					if derr := l.locks.Delete(context.Background(), nil, listingID, jobID, l.processID); derr != nil {
						l.log.Warn("Failed to release listing lock row", "listing_id", listingID, "job_id", jobID, "error", derr)
					}
					l.releaseLocal(key)
				}
				return release, nil
			}
			l.releaseLocal(key)
			if errors.Is(err, repos.ErrLockHeld) {
				lastErr = ErrLocked
				if active, lerr := l.locks.ListActive(ctx, nil, listingID, time.Now()); lerr == nil && len(active) > 0 {
					l.log.Info("Listing locked by another job",
						"listing_id", listingID,
						"holder_job_id", active[0].JobID,
						"holder_process", active[0].ProcessID)
				}
			} else {
				lastErr = err
			}
		}

		if attempt < l.attempts {
			delay := time.Duration(float64(500*time.Millisecond) * float64(int64(1)<<uint(attempt-1)) * (0.5 + rand.Float64()))
			l.log.Debug("Lock attempt failed, backing off",
				"listing_id", listingID, "attempt", attempt, "delay_ms", delay.Milliseconds())
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	if lastErr == nil {
		lastErr = ErrLocked
	}
	return nil, lastErr
}
