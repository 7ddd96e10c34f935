package drafter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zhixue/practice/internal/cache"
	"github.com/zhixue/practice/internal/model"
)

// CacheLedger stores ledgers as JSON id arrays in the client-side cache.
type CacheLedger struct {
	cache cache.Cache
}

// NewCacheLedger creates a ledger store over c.
func NewCacheLedger(c cache.Cache) *CacheLedger {
	return &CacheLedger{cache: c}
}

func (l *CacheLedger) Load(ctx context.Context, studentID string, region model.Region) (map[string]bool, error) {
	raw, ok, err := l.cache.Get(ctx, cache.LedgerKey(studentID, string(region)))
	if err != nil {
		return nil, err
	}
	used := make(map[string]bool)
	if !ok || raw == "" {
		return used, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}
	for _, id := range ids {
		used[id] = true
	}
	return used, nil
}

func (l *CacheLedger) Save(ctx context.Context, studentID string, region model.Region, used []string) error {
	data, err := json.Marshal(used)
	if err != nil {
		return err
	}
	return l.cache.Set(ctx, cache.LedgerKey(studentID, string(region)), string(data))
}
