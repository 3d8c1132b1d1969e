package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"trust-service/internal/model"
)

// MemoryLedger is the in-process ledger used when no Scylla cluster is
// configured. Entries are kept per user, oldest first.
type MemoryLedger struct {
	mu   sync.RWMutex
	txns map[string][]model.Transaction
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{txns: make(map[string][]model.Transaction)}
}

func (l *MemoryLedger) ListTransactions(_ context.Context, userID string, since time.Time) ([]model.Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []model.Transaction
	for _, t := range l.txns[userID] {
		if !t.Timestamp.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (l *MemoryLedger) AppendTransaction(_ context.Context, t *model.Transaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	list := append(l.txns[t.UserID], *t)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
	l.txns[t.UserID] = list
	return nil
}
