package redis

import (
	"context"
	"time"
)

// JobLocker hands each scheduled fire to exactly one replica. When Redis is
// unavailable every replica is allowed to fire.
type JobLocker struct {
	client *Client
	ttl    time.Duration
}

// NewJobLocker creates a locker whose keys expire after ttl.
func NewJobLocker(client *Client, ttl time.Duration) *JobLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &JobLocker{client: client, ttl: ttl}
}

// TryLock reports whether the caller owns the fire of jobID at fireAt.
func (l *JobLocker) TryLock(ctx context.Context, jobID string, fireAt time.Time) bool {
	ok, err := l.client.CacheSetNX(ctx, JobLockKey(jobID, fireAt), "1", l.ttl)
	if err != nil {
		return true
	}
	return ok
}
