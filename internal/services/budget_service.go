package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"festa/internal/cache"
	"festa/internal/core"
)

// BudgetService computes wallet and part summaries. Wallet summaries are
// cached until a purchase of the wallet changes or the TTL runs out.
type BudgetService struct {
	store   Store
	wallets *cache.LRUCache[core.WalletSummary]

	// generations counts invalidations per wallet; a summary computed
	// across an invalidation is not cached
	mu          sync.Mutex
	generations map[string]uint64
}

func NewBudgetService(store Store, cacheSize int, ttl time.Duration) *BudgetService {
	return &BudgetService{
		store:       store,
		wallets:     cache.NewLRUCache[core.WalletSummary](cacheSize, ttl),
		generations: make(map[string]uint64),
	}
}

// Cache exposes the summary cache so a cache.Manager can clean it.
func (s *BudgetService) Cache() *cache.LRUCache[core.WalletSummary] {
	return s.wallets
}

func (s *BudgetService) WalletSummary(ctx context.Context, walletID string) (core.WalletSummary, error) {
	if ws, ok := s.wallets.Get(walletID); ok {
		return ws, nil
	}
	s.mu.Lock()
	gen := s.generations[walletID]
	s.mu.Unlock()

	wallet, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return core.WalletSummary{}, fmt.Errorf("load wallet: %w", err)
	}
	parts, err := s.store.ListParts(ctx, walletID)
	if err != nil {
		return core.WalletSummary{}, fmt.Errorf("load parts: %w", err)
	}
	purchases, err := s.store.ListPurchasesByWallet(ctx, walletID)
	if err != nil {
		return core.WalletSummary{}, fmt.Errorf("load purchases: %w", err)
	}

	ws := core.SummarizeWallet(wallet, parts, purchases)
	s.mu.Lock()
	if s.generations[walletID] == gen {
		s.wallets.Set(walletID, ws)
	}
	s.mu.Unlock()
	return ws, nil
}

// PartSummary always reads the database; it guards new requests and must
// not see a stale cache entry.
func (s *BudgetService) PartSummary(ctx context.Context, part core.Part) (core.PartSummary, error) {
	purchases, err := s.store.ListPurchasesByPart(ctx, part.ID)
	if err != nil {
		return core.PartSummary{}, fmt.Errorf("load purchases: %w", err)
	}
	return core.SummarizePart(part, purchases), nil
}

func (s *BudgetService) Invalidate(walletID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generations[walletID]++
	s.wallets.Delete(walletID)
}
