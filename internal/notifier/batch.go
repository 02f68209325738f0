package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/voicetel/order-notifier/internal/notifylog"
	"github.com/voicetel/order-notifier/internal/safety"
)

const (
	DefaultBatchSize     = 50
	DefaultEntityPacing  = 100 * time.Millisecond
	DefaultMinSendPacing = 5 * time.Second
	DefaultMaxSendPacing = 10 * time.Second
)

type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

type BatchResult struct {
	Processed int
	Failed    int
	// Err is the abort reason when the run stopped early.
	Err error
}

type BatchRunner struct {
	safety Checkpointer
	log    *notifylog.Log
	logger *slog.Logger
	size   int
	pacing time.Duration
}

func NewBatchRunner(sf Checkpointer, nlog *notifylog.Log, logger *slog.Logger, size int, pacing time.Duration) *BatchRunner {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return &BatchRunner{safety: sf, log: nlog, logger: logger, size: size, pacing: pacing}
}

// Run calls fn for each id in order, in chunks of the configured size. A
// safety stop aborts the remaining ids; any other error or panic from fn only
// fails that entity.
func (b *BatchRunner) Run(ctx context.Context, label string, ids []int64, fn func(ctx context.Context, id int64) error) BatchResult {
	var res BatchResult

	limit := rate.Inf
	if b.pacing > 0 {
		limit = rate.Every(b.pacing)
	}
	limiter := rate.NewLimiter(limit, 1)

	if err := b.safety.Checkpoint(ctx); err != nil {
		return b.abort(ctx, label, res, err)
	}

	chunks := (len(ids) + b.size - 1) / b.size
	for c := 0; c < chunks; c++ {
		if err := b.safety.Checkpoint(ctx); err != nil {
			return b.abort(ctx, label, res, err)
		}

		start := c * b.size
		end := min(start+b.size, len(ids))
		for _, id := range ids[start:end] {
			if err := b.safety.Checkpoint(ctx); err != nil {
				return b.abort(ctx, label, res, err)
			}
			if err := limiter.Wait(ctx); err != nil {
				return b.abort(ctx, label, res, err)
			}

			err := b.call(ctx, id, fn)
			res.Processed++
			if err != nil {
				if isAbort(err) {
					return b.abort(ctx, label, res, err)
				}
				res.Failed++
				b.logger.Error("Failed to process entity", "batch", label, "entity_id", id, "error", err)
			}
		}

		b.logger.Info("Batch chunk completed",
			"batch", label,
			"chunk", c+1,
			"chunks", chunks,
			"processed", res.Processed,
			"failed", res.Failed,
		)
	}

	if err := b.safety.Checkpoint(ctx); err != nil {
		res.Err = err
	}
	return res
}

func (b *BatchRunner) call(ctx context.Context, id int64, fn func(ctx context.Context, id int64) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, id)
}

func (b *BatchRunner) abort(ctx context.Context, label string, res BatchResult, err error) BatchResult {
	res.Err = err
	b.logger.Warn("Batch aborted", "batch", label, "processed", res.Processed, "reason", err)
	if b.log != nil {
		entryType := notifylog.TypeBatch
		if errors.Is(err, safety.ErrEmergencyStop) || errors.Is(err, safety.ErrStopSignal) {
			entryType = notifylog.TypeEmergency
		}
		if lerr := b.log.Append(context.WithoutCancel(ctx), notifylog.Entry{
			Type:   entryType,
			Status: notifylog.StatusWarning,
			Details: map[string]any{
				"message":   "batch processing aborted",
				"batch":     label,
				"processed": res.Processed,
				"reason":    err.Error(),
			},
		}); lerr != nil {
			b.logger.Warn("Failed to append notification log", "error", lerr)
		}
	}
	return res
}

// Pacer spaces consecutive sends inside one evaluator run.
type Pacer interface {
	Pace(ctx context.Context) error
}

// RandomPacer waits a uniform random duration between Min and Max, checking
// host liveness before and after the wait.
type RandomPacer struct {
	safety Safety
	Min    time.Duration
	Max    time.Duration
	rnd    func(n int64) int64
}

func NewRandomPacer(sf Safety) *RandomPacer {
	return &RandomPacer{safety: sf, Min: DefaultMinSendPacing, Max: DefaultMaxSendPacing, rnd: rand.Int63n}
}

func (p *RandomPacer) Pace(ctx context.Context) error {
	if err := p.safety.Checkpoint(ctx); err != nil {
		return err
	}
	d := p.Min
	if span := int64(p.Max - p.Min); span > 0 {
		d += time.Duration(p.rnd(span + 1))
	}
	if err := p.safety.Sleep(ctx, d); err != nil {
		return err
	}
	return p.safety.Checkpoint(ctx)
}

type noPacer struct{}

func (noPacer) Pace(context.Context) error { return nil }

// NoPacing disables the delay between sends.
var NoPacing Pacer = noPacer{}
