package intake

import (
	"sync"
	"time"
)

// PendingLimiter tracks queued-but-unfinished jobs per account and enforces a
// maximum number of them. It keeps one account from filling the queue.
type PendingLimiter struct {
	mu           sync.RWMutex
	maxPending   int
	byAccount    map[string]map[string]time.Time // account -> job id -> tracked time
	jobToAccount map[string]string
	now          func() time.Time
}

// NewPendingLimiter creates a limiter allowing maxPending unfinished jobs per
// account. A non-positive maxPending disables the limit.
func NewPendingLimiter(maxPending int) *PendingLimiter {
	return &PendingLimiter{
		maxPending:   maxPending,
		byAccount:    make(map[string]map[string]time.Time),
		jobToAccount: make(map[string]string),
		now:          time.Now,
	}
}

// CanSubmit reports whether the account is below the limit.
func (l *PendingLimiter) CanSubmit(account string) bool {
	if l.maxPending <= 0 {
		return true
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byAccount[account]) < l.maxPending
}

func (l *PendingLimiter) PendingCount(account string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byAccount[account])
}

func (l *PendingLimiter) MaxPending() int {
	return l.maxPending
}

// Track records a newly queued job.
func (l *PendingLimiter) Track(account, jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.byAccount[account] == nil {
		l.byAccount[account] = make(map[string]time.Time)
	}
	l.byAccount[account][jobID] = l.now()
	l.jobToAccount[jobID] = account
}

// Release stops tracking a job that reached a final state.
func (l *PendingLimiter) Release(jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	account, ok := l.jobToAccount[jobID]
	if !ok {
		return
	}
	delete(l.jobToAccount, jobID)
	if jobs := l.byAccount[account]; jobs != nil {
		delete(jobs, jobID)
		if len(jobs) == 0 {
			delete(l.byAccount, account)
		}
	}
}

// Tracked returns the ids of all tracked jobs.
func (l *PendingLimiter) Tracked() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.jobToAccount))
	for id := range l.jobToAccount {
		ids = append(ids, id)
	}
	return ids
}

// CleanupExpired drops jobs tracked for longer than maxAge and returns how
// many went.
func (l *PendingLimiter) CleanupExpired(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxAge)
	removed := 0
	for account, jobs := range l.byAccount {
		for jobID, trackedAt := range jobs {
			if trackedAt.Before(cutoff) {
				delete(jobs, jobID)
				delete(l.jobToAccount, jobID)
				removed++
			}
		}
		if len(jobs) == 0 {
			delete(l.byAccount, account)
		}
	}
	return removed
}
