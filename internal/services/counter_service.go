package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lumiframe/api/internal/repositories"
)

// ErrOrderNumbersExhausted is returned once a year's sequence passes orderNumberMax.
var ErrOrderNumbersExhausted = errors.New("counter: shipping order numbers exhausted for the year")

// Order numbers read SO-{year}-{seq} with a six digit, zero padded sequence that restarts
// every January.
const (
	orderNumberScope  = "shippingOrders"
	orderNumberMax    = 999_999
	orderNumberPrefix = "SO-"
)

// CounterServiceDeps bundles collaborators required to construct a counter service instance.
type CounterServiceDeps struct {
	Repository repositories.CounterRepository
	Clock      func() time.Time
}

type counterService struct {
	repo  repositories.CounterRepository
	clock func() time.Time

	mu         sync.Mutex
	configured map[string]bool
}

func NewCounterService(deps CounterServiceDeps) (CounterService, error) {
	if deps.Repository == nil {
		return nil, errors.New("counter service: repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &counterService{
		repo:       deps.Repository,
		clock:      func() time.Time { return clock().UTC() },
		configured: make(map[string]bool),
	}, nil
}

func (s *counterService) NextShippingOrderNumber(ctx context.Context) (string, error) {
	year := s.clock().Year()
	id := fmt.Sprintf("%s:%04d", orderNumberScope, year)
	if err := s.ensureBounded(ctx, id); err != nil {
		return "", err
	}
	seq, err := s.repo.Next(ctx, id, 1)
	if errors.Is(err, repositories.ErrCounterExhausted) {
		return "", fmt.Errorf("%w: %v", ErrOrderNumbersExhausted, err)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%04d-%06d", orderNumberPrefix, year, seq), nil
}

// ensureBounded sets the yearly cap once per process. Configure only touches step and max, so
// repeating it after a restart keeps the current value.
func (s *counterService) ensureBounded(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.configured[id] {
		return nil
	}
	limit := int64(orderNumberMax)
	if err := s.repo.Configure(ctx, id, repositories.CounterConfig{Step: 1, MaxValue: &limit}); err != nil {
		return fmt.Errorf("counter service: configure %s: %w", id, err)
	}
	s.configured[id] = true
	return nil
}
