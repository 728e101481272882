package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/lumiframe/api/internal/platform/firestore"
	"github.com/lumiframe/api/internal/repositories"
)

type counterDocument struct {
	CurrentValue int64     `firestore:"currentValue"`
	Step         int64     `firestore:"step"`
	MaxValue     *int64    `firestore:"maxValue,omitempty"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// CounterRepository keeps one document per sequence in the counters collection and bumps it
// inside a transaction, so concurrent callers never see the same value.
type CounterRepository struct {
	provider *pfirestore.Provider
	docs     *pfirestore.Collection[counterDocument]
	now      func() time.Time
}

func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	return &CounterRepository{
		provider: provider,
		docs:     pfirestore.NewCollection[counterDocument](provider, "counters"),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, fmt.Errorf("%w: counter id is required", repositories.ErrCounterInvalid)
	}
	ref, err := r.docs.Ref(ctx, id)
	if err != nil {
		return 0, err
	}

	var issued int64
	err = r.provider.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		var doc counterDocument
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode counter %s: %w", id, err)
			}
		}

		increment := firstPositive(step, doc.Step, 1)
		next := doc.CurrentValue + increment
		if doc.MaxValue != nil && next > *doc.MaxValue {
			return fmt.Errorf("%w: %s stops at %d", repositories.ErrCounterExhausted, id, *doc.MaxValue)
		}
		doc.CurrentValue, doc.Step, doc.UpdatedAt = next, increment, r.now()
		issued = next
		return tx.Set(ref, doc)
	})
	if err != nil {
		if errors.Is(err, repositories.ErrCounterExhausted) {
			return 0, err
		}
		return 0, pfirestore.WrapError("counters.next", err)
	}
	return issued, nil
}

func (r *CounterRepository) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return fmt.Errorf("%w: counter id is required", repositories.ErrCounterInvalid)
	}
	ref, err := r.docs.Ref(ctx, id)
	if err != nil {
		return err
	}

	updates := map[string]any{"updatedAt": r.now()}
	if cfg.Step > 0 {
		updates["step"] = cfg.Step
	}
	if cfg.MaxValue != nil {
		updates["maxValue"] = *cfg.MaxValue
	}
	if cfg.InitialValue != nil {
		updates["currentValue"] = *cfg.InitialValue
	}
	if _, err := ref.Set(ctx, updates, firestore.MergeAll); err != nil {
		return pfirestore.WrapError("counters.configure", err)
	}
	return nil
}

func firstPositive(values ...int64) int64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)
