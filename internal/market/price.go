// Package market provides spot prices and market sentiment for the trading
// pairs the service sells signals on.
package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownSymbol    = errors.New("unknown trading pair")
	ErrPriceUnavailable = errors.New("price unavailable")
)

// Price is a spot quote in USD.
type Price struct {
	Symbol      string  `json:"symbol"`
	Price       float64 `json:"price"`
	Confidence  float64 `json:"confidence"`
	PublishTime int64   `json:"publishTime"`
}

// PriceSource quotes a symbol. Implementations return ErrUnknownSymbol for
// pairs they have no feed for.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (*Price, error)
}

// StaticSource serves fixed prices. It backs local development and tests.
type StaticSource struct {
	mu     sync.RWMutex
	prices map[string]float64
}

func NewStaticSource(prices map[string]float64) *StaticSource {
	copied := make(map[string]float64, len(prices))
	for k, v := range prices {
		copied[k] = v
	}
	return &StaticSource{prices: copied}
}

func (s *StaticSource) GetPrice(_ context.Context, symbol string) (*Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return &Price{Symbol: symbol, Price: v}, nil
}

// Set replaces the price of symbol.
func (s *StaticSource) Set(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}
