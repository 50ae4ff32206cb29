// Package memory implements the ledger interfaces in process memory. It is
// the default backend for demo runs and the reference for the postgres one.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gregtusar/triarb/pkg/ledger"
	"github.com/gregtusar/triarb/pkg/models"
)

// TradeLedger keeps the most recent attempts in insertion order.
type TradeLedger struct {
	mu        sync.RWMutex
	order     []string
	data      map[string]*models.TradeAttempt
	retention int
}

// NewTradeLedger creates a ledger that retains at most retention attempts.
func NewTradeLedger(retention int) (*TradeLedger, error) {
	if retention <= 0 {
		return nil, ledger.ErrInvalidRetention
	}
	return &TradeLedger{
		data:      make(map[string]*models.TradeAttempt),
		retention: retention,
	}, nil
}

func (l *TradeLedger) Create(_ context.Context, attempt *models.TradeAttempt) (string, error) {
	if attempt == nil {
		return "", ledger.ErrInvalidInput
	}

	c := attempt.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Status == "" {
		c.Status = models.AttemptStatusCreated
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.data[c.ID]; exists {
		return "", ledger.ErrInvalidInput
	}
	l.data[c.ID] = c
	l.order = append(l.order, c.ID)
	for len(l.order) > l.retention {
		delete(l.data, l.order[0])
		l.order = l.order[1:]
	}
	return c.ID, nil
}

func (l *TradeLedger) Update(_ context.Context, id string, update ledger.AttemptUpdate) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.data[id]
	if !ok {
		return ledger.ErrNotFound
	}
	if a.Status.IsTerminal() {
		return ledger.ErrAlreadyTerminal
	}
	update.Apply(a)
	return nil
}

func (l *TradeLedger) Get(_ context.Context, id string) (*models.TradeAttempt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	a, ok := l.data[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return a.Clone(), nil
}

// ListRecent returns attempts newest first.
func (l *TradeLedger) ListRecent(_ context.Context, limit int) ([]*models.TradeAttempt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.order) {
		limit = len(l.order)
	}
	out := make([]*models.TradeAttempt, 0, limit)
	for i := len(l.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.data[l.order[i]].Clone())
	}
	return out, nil
}

func (l *TradeLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

var _ ledger.TradeLedger = (*TradeLedger)(nil)
