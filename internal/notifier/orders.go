package notifier

import (
	"context"
	"strings"

	"github.com/voicetel/order-notifier/internal/models"
)

const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusShipped    = "shipped"

	refundType = "shop_order_refund"
)

// DefaultTrackingMetaKey is the order meta key holding the carrier AWB.
const DefaultTrackingMetaKey = "smsa_awb_no"

func newProcessingEvaluator(eng *engine, src Source) *evaluator {
	return &evaluator{
		typ: models.Processing,
		eng: eng,
		candidates: func(ctx context.Context, settings models.Settings, cond models.Condition) ([]candidate, error) {
			orders, err := src.OrdersByStatus(ctx, StatusProcessing)
			if err != nil {
				return nil, err
			}
			return orderCandidates(orders, nil), nil
		},
	}
}

// newShippedEvaluator waits until an order has been completed or shipped for
// the configured delay. Orders still inside the delay are reported not ready.
func newShippedEvaluator(eng *engine, src Source) *evaluator {
	return &evaluator{
		typ:       models.Shipped,
		eng:       eng,
		useCutoff: true,
		candidates: func(ctx context.Context, settings models.Settings, cond models.Condition) ([]candidate, error) {
			orders, err := src.OrdersByStatus(ctx, StatusCompleted, StatusShipped)
			if err != nil {
				return nil, err
			}
			readyBefore := eng.now().Add(-cond.Delay())
			return orderCandidates(orders, func(o models.Order) bool {
				return o.ModifiedAt.After(readyBefore)
			}), nil
		},
	}
}

func newTrackingEvaluator(eng *engine, src Source, metaKey string) *evaluator {
	return &evaluator{
		typ:       models.Tracking,
		eng:       eng,
		useCutoff: true,
		candidates: func(ctx context.Context, settings models.Settings, cond models.Condition) ([]candidate, error) {
			orders, err := src.OrdersWithTracking(ctx, metaKey)
			if err != nil {
				return nil, err
			}
			out := orderCandidates(orders, nil)
			kept := out[:0]
			for _, c := range out {
				if strings.TrimSpace(c.TrackingNumber) != "" {
					kept = append(kept, c)
				}
			}
			return kept, nil
		},
	}
}

func orderCandidates(orders []models.Order, notReady func(models.Order) bool) []candidate {
	out := make([]candidate, 0, len(orders))
	for _, o := range orders {
		if o.Type == refundType {
			continue
		}
		c := candidate{
			ID:             o.ID,
			Phone:          o.BillingPhone,
			CustomerName:   o.FirstName,
			CustomerID:     o.CustomerID,
			CreatedAt:      o.CreatedAt,
			ModifiedAt:     o.ModifiedAt,
			Total:          o.Total,
			TrackingNumber: o.TrackingNumber,
		}
		if notReady != nil {
			c.NotReady = notReady(o)
		}
		out = append(out, c)
	}
	return out
}
