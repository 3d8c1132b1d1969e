// Package bucketing spreads users and events across partitions with a
// stable murmur3 hash.
package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"trust-service/internal/config"
)

const monthLayout = "2006-01"

type Manager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

// Assignment is where one record lands: its user partition, its event
// shard and the day it belongs to.
type Assignment struct {
	UserBucket  int    `json:"user_bucket"`
	EventBucket int    `json:"event_bucket"`
	DateBucket  string `json:"date_bucket"`
}

func NewManager(cfg config.BucketingConfig) *Manager {
	m := &Manager{
		userBuckets:  max(cfg.UserBuckets, 1),
		eventBuckets: max(cfg.EventBuckets, 1),
	}
	m.hasherPool = sync.Pool{
		New: func() interface{} { return murmur3.New64() },
	}
	return m
}

// UserBucket is stable for a user id across processes and restarts.
func (m *Manager) UserBucket(userID string) int {
	return m.bucket(userID, m.userBuckets)
}

func (m *Manager) EventBucket(key string) int {
	return m.bucket(key, m.eventBuckets)
}

// Assign buckets an event for userID keyed by eventKey at time at.
func (m *Manager) Assign(userID, eventKey string, at time.Time) Assignment {
	return Assignment{
		UserBucket:  m.UserBucket(userID),
		EventBucket: m.EventBucket(eventKey),
		DateBucket:  DateBucket(at),
	}
}

func DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func MonthBucket(t time.Time) string {
	return t.UTC().Format(monthLayout)
}

// MonthBuckets lists every month bucket touched by [from, to], oldest first.
func MonthBuckets(from, to time.Time) []string {
	from, to = from.UTC(), to.UTC()
	if to.Before(from) {
		return nil
	}
	cur := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(to.Year(), to.Month(), 1, 0, 0, 0, 0, time.UTC)

	var out []string
	for !cur.After(end) {
		out = append(out, cur.Format(monthLayout))
		cur = cur.AddDate(0, 1, 0)
	}
	return out
}

func (m *Manager) UserBuckets() int  { return m.userBuckets }
func (m *Manager) EventBuckets() int { return m.eventBuckets }

func (m *Manager) bucket(key string, n int) int {
	h := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(h)

	h.Reset()
	h.Write([]byte(key))
	return int(h.Sum64() % uint64(n))
}
