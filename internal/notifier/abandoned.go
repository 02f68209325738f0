package notifier

import (
	"context"
	"fmt"

	"github.com/voicetel/order-notifier/internal/models"
)

func newAbandonedEvaluator(eng *engine, src Source) *evaluator {
	return &evaluator{
		typ:       models.Abandoned,
		eng:       eng,
		useCutoff: true,
		candidates: func(ctx context.Context, settings models.Settings, cond models.Condition) ([]candidate, error) {
			carts, err := src.AbandonedCarts(ctx, eng.now().Add(-cond.Delay()))
			if err != nil {
				return nil, err
			}
			return cartCandidates(carts), nil
		},
	}
}

// newDiscountEvaluator follows up on carts that already received the
// abandoned-cart message. Carts without that flag are not candidates.
func newDiscountEvaluator(eng *engine, src Source) *evaluator {
	return &evaluator{
		typ: models.Discount,
		eng: eng,
		candidates: func(ctx context.Context, settings models.Settings, cond models.Condition) ([]candidate, error) {
			carts, err := src.AbandonedCarts(ctx, eng.now().Add(-cond.Delay()))
			if err != nil {
				return nil, err
			}
			out := make([]candidate, 0, len(carts))
			for _, c := range cartCandidates(carts) {
				ok, err := eng.state.HasFlag(ctx, models.Abandoned, c.ID)
				if err != nil {
					return nil, fmt.Errorf("failed to read abandoned flag for cart %d: %w", c.ID, err)
				}
				if ok {
					out = append(out, c)
				}
			}
			return out, nil
		},
	}
}

func cartCandidates(carts []models.Cart) []candidate {
	out := make([]candidate, 0, len(carts))
	for _, c := range carts {
		out = append(out, candidate{
			ID:           c.ID,
			Phone:        c.Phone,
			CustomerName: c.FirstName,
			CustomerID:   c.CustomerID,
			CreatedAt:    c.Time,
			ModifiedAt:   c.Time,
			Total:        c.CartTotal,
		})
	}
	return out
}
