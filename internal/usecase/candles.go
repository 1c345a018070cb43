package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/luckshury/whop-web-app/internal/domain/models"
)

// CandlesUseCase provides business logic for retrieving candles.
type CandlesUseCase struct {
	resolver *CandleResolver
}

func NewCandlesUseCase(resolver *CandleResolver) *CandlesUseCase {
	return &CandlesUseCase{resolver: resolver}
}

type GetCandlesParams struct {
	Ticker string
	From   time.Time
	To     time.Time
	Limit  int
}

type GetCandlesResult struct {
	Ticker   string
	From     time.Time
	To       time.Time
	Count    int
	Degraded bool
	Warning  string
	Candles  []models.Candle
}

func (uc *CandlesUseCase) GetCandles(ctx context.Context, p GetCandlesParams) (*GetCandlesResult, error) {
	if p.Ticker == "" {
		return nil, fmt.Errorf("ticker required")
	}
	if p.From.After(p.To) {
		return nil, fmt.Errorf("from must be <= to")
	}
	if p.Limit <= 0 {
		p.Limit = 10000
	}
	if p.Limit > 50000 {
		p.Limit = 50000
	}

	res, err := uc.resolver.Resolve(ctx, p.Ticker, p.From, p.To)
	if err != nil {
		return nil, err
	}
	candles := res.Candles
	if len(candles) > p.Limit {
		// Keep the newest rows; charts read right to left.
		candles = candles[len(candles)-p.Limit:]
	}

	return &GetCandlesResult{
		Ticker:   res.Ticker,
		From:     res.From,
		To:       res.To,
		Count:    len(candles),
		Degraded: res.Degraded,
		Warning:  res.Warning,
		Candles:  candles,
	}, nil
}
