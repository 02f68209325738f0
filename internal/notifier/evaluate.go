package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/voicetel/order-notifier/internal/models"
	"github.com/voicetel/order-notifier/internal/safety"
	"github.com/voicetel/order-notifier/internal/state"
)

const (
	CutoffLayout  = "2006-01-02"
	DefaultCutoff = "2025-04-22"

	defaultClaimTTL = 10 * time.Minute
)

// Source is the commerce data the evaluators read.
type Source interface {
	// AbandonedCarts returns abandoned, subscribed carts whose abandonment
	// time is at or before olderThan, oldest first.
	AbandonedCarts(ctx context.Context, olderThan time.Time) ([]models.Cart, error)
	OrdersByStatus(ctx context.Context, statuses ...string) ([]models.Order, error)
	// Order returns nil when the order does not exist.
	Order(ctx context.Context, id int64) (*models.Order, error)
	OrdersWithTracking(ctx context.Context, metaKey string) ([]models.Order, error)
	OrderMeta(ctx context.Context, id int64, key string) (string, error)
}

type Evaluator interface {
	Type() models.NotificationType
	Evaluate(ctx context.Context, settings models.Settings, isTest bool) (*models.Report, error)
}

// candidate is the common view of a cart or an order.
type candidate struct {
	ID             int64
	Phone          string
	CustomerName   string
	CustomerID     int64
	CreatedAt      time.Time
	ModifiedAt     time.Time
	Total          string
	TrackingNumber string
	// NotReady marks entities that exist but whose delay has not elapsed.
	NotReady bool
}

type engine struct {
	state       *state.Store
	safety      Safety
	dispatcher  *Dispatcher
	batch       *BatchRunner
	pacer       Pacer
	logger      *slog.Logger
	now         func() time.Time
	trackingURL string
	owner       string
	claimTTL    time.Duration
}

type evaluator struct {
	typ        models.NotificationType
	eng        *engine
	useCutoff  bool
	candidates func(ctx context.Context, settings models.Settings, cond models.Condition) ([]candidate, error)
}

func (e *evaluator) Type() models.NotificationType { return e.typ }

func (e *evaluator) Evaluate(ctx context.Context, settings models.Settings, isTest bool) (*models.Report, error) {
	cond := settings.Condition(e.typ)
	report := &models.Report{Type: e.typ, Condition: cond, Test: isTest, Entities: []models.EntityResult{}}

	cands, err := e.candidates(ctx, settings, cond)
	if err != nil {
		return report, fmt.Errorf("failed to load %s candidates: %w", e.typ, err)
	}
	report.Total = len(cands)

	cutoff := parseCutoff(settings.CutoffDate)
	eligible := make([]int, 0, len(cands))

	for i, c := range cands {
		res := models.EntityResult{
			ID:             c.ID,
			Phone:          c.Phone,
			Customer:       c.CustomerName,
			CustomerID:     c.CustomerID,
			CreatedAt:      c.CreatedAt,
			ModifiedAt:     c.ModifiedAt,
			Total:          c.Total,
			TrackingNumber: c.TrackingNumber,
		}

		class, err := e.classify(ctx, settings, cutoff, c)
		if err != nil {
			return report, err
		}
		res.Status = class
		switch class {
		case models.ClassFiltered:
			report.Filtered++
		case models.ClassOld:
			report.Old++
		case models.ClassAlreadyNotified:
			report.AlreadyNotified++
		case models.ClassNotReady:
			report.NotReady++
		case models.ClassNoPhone:
			report.NoPhone++
		case models.ClassEligible:
			report.Eligible++
			eligible = append(eligible, i)
		}
		report.Entities = append(report.Entities, res)
	}

	if isTest || len(eligible) == 0 {
		return report, nil
	}

	e.dispatchEligible(ctx, settings, cond, cands, eligible, report)
	return report, nil
}

func (e *evaluator) classify(ctx context.Context, settings models.Settings, cutoff time.Time, c candidate) (models.Classification, error) {
	if len(settings.SpecificUsers) > 0 && !slices.Contains(settings.SpecificUsers, c.CustomerID) {
		return models.ClassFiltered, nil
	}
	if e.useCutoff && !cutoff.IsZero() && c.CreatedAt.Before(cutoff) {
		return models.ClassOld, nil
	}
	flagged, err := e.eng.state.HasFlag(ctx, e.typ, c.ID)
	if err != nil {
		return "", fmt.Errorf("failed to read %s flag for %d: %w", e.typ, c.ID, err)
	}
	if flagged {
		return models.ClassAlreadyNotified, nil
	}
	if c.NotReady {
		return models.ClassNotReady, nil
	}
	if c.Phone == "" {
		return models.ClassNoPhone, nil
	}
	return models.ClassEligible, nil
}

func (e *evaluator) dispatchEligible(ctx context.Context, settings models.Settings, cond models.Condition, cands []candidate, eligible []int, report *models.Report) {
	byID := make(map[int64]int, len(eligible))
	ids := make([]int64, 0, len(eligible))
	for _, i := range eligible {
		byID[cands[i].ID] = i
		ids = append(ids, cands[i].ID)
	}

	attempted := 0
	result := e.eng.batch.Run(ctx, string(e.typ), ids, func(ctx context.Context, id int64) error {
		i := byID[id]
		c := cands[i]
		res := &report.Entities[i]

		if attempted > 0 {
			if err := e.eng.pacer.Pace(ctx); err != nil {
				return err
			}
		}
		attempted++

		outcome, err := e.send(ctx, settings, cond, c)
		res.Outcome = string(outcome.Kind)
		if outcome.Sent() {
			res.Sent = true
			report.Sent++
		} else if outcome.Kind == OutcomeFailed {
			report.Failed++
		}
		if err != nil {
			return err
		}
		if outcome.Stopped {
			return safety.ErrEmergencyStop
		}
		if outcome.Kind == OutcomeAborted {
			return outcome.Err
		}
		return nil
	})

	if result.Err != nil {
		report.Aborted = true
		report.AbortReason = result.Err.Error()
	}
}

// send claims the entity, re-checks its flag, dispatches and records the
// flag on success.
func (e *evaluator) send(ctx context.Context, settings models.Settings, cond models.Condition, c candidate) (Outcome, error) {
	claimed, err := e.eng.state.Claim(ctx, e.typ, c.ID, e.eng.owner, e.eng.claimTTL)
	if err != nil {
		return Outcome{Kind: OutcomeSkipped, Err: err}, fmt.Errorf("failed to claim %s %d: %w", e.typ, c.ID, err)
	}
	if !claimed {
		e.eng.logger.Debug("Entity claimed by another worker", "type", e.typ, "entity_id", c.ID)
		return Outcome{Kind: OutcomeSkipped}, nil
	}
	defer func() {
		if err := e.eng.state.Release(context.WithoutCancel(ctx), e.typ, c.ID); err != nil {
			e.eng.logger.Warn("Failed to release claim", "type", e.typ, "entity_id", c.ID, "error", err)
		}
	}()

	flagged, err := e.eng.state.HasFlag(ctx, e.typ, c.ID)
	if err != nil {
		return Outcome{Kind: OutcomeSkipped, Err: err}, err
	}
	if flagged {
		return Outcome{Kind: OutcomeSkipped}, nil
	}

	msg := Message{
		Type:     e.typ,
		EntityID: c.ID,
		Phone:    c.Phone,
		Template: cond.TemplateName,
		Parameters: buildParameters(cond.Variables, variableValues{
			CustomerName:   c.CustomerName,
			OrderNumber:    c.ID,
			TrackingNumber: c.TrackingNumber,
		}, e.eng.trackingURL),
	}

	outcome := e.eng.dispatcher.Dispatch(ctx, settings, msg)
	if outcome.Sent() {
		if err := e.eng.state.SetFlag(context.WithoutCancel(ctx), e.typ, c.ID); err != nil && !errors.Is(err, state.ErrAlreadyFlagged) {
			e.eng.logger.Error("Failed to record notification flag", "type", e.typ, "entity_id", c.ID, "error", err)
		}
	}
	return outcome, nil
}

func parseCutoff(s string) time.Time {
	if s == "" {
		s = DefaultCutoff
	}
	t, err := time.ParseInLocation(CutoffLayout, s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}
