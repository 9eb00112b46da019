package solana

import (
	"strings"
	"sync"
	"time"
)

// PriceSource resolves a token symbol to a USD price. Implementations may
// return (0, false) when the price is unknown; valuation is best-effort.
type PriceSource interface {
	PriceUSD(symbol string) (float64, bool)
}

const priceCacheTTL = 5 * time.Minute

// StaticPriceSource serves a fixed price table through a TTL cache. It stands
// in for a real feed; price accuracy is explicitly out of scope.
type StaticPriceSource struct {
	mu     sync.Mutex
	cache  map[string]cachedPrice
	now    func() time.Time
	prices map[string]float64
}

type cachedPrice struct {
	value   float64
	expires time.Time
}

func NewStaticPriceSource() *StaticPriceSource {
	return &StaticPriceSource{
		cache: map[string]cachedPrice{},
		now:   time.Now,
		prices: map[string]float64{
			"SOL":  20.50,
			"USDC": 1.00,
			"USDT": 1.00,
			"BTC":  43000.00,
			"ETH":  2500.00,
		},
	}
}

func (s *StaticPriceSource) PriceUSD(symbol string) (float64, bool) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	if key == "" {
		return 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if c, ok := s.cache[key]; ok && now.Before(c.expires) {
		return c.value, true
	}
	p, ok := s.prices[key]
	if !ok {
		return 0, false
	}
	s.cache[key] = cachedPrice{value: p, expires: now.Add(priceCacheTTL)}
	return p, true
}
