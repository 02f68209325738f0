package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/voicetel/order-notifier/internal/models"
	"github.com/voicetel/order-notifier/internal/notifylog"
	"github.com/voicetel/order-notifier/internal/safety"
	"github.com/voicetel/order-notifier/internal/state"
	"github.com/voicetel/order-notifier/internal/wati"
)

// Safety is the part of the coordinator the send path polls.
type Safety interface {
	IsIntegrationActive(ctx context.Context) bool
	IsEmergencyActive(ctx context.Context, bypassCache bool) bool
	IsStopSignalFresh(ctx context.Context) bool
	Checkpoint(ctx context.Context) error
	Sleep(ctx context.Context, d time.Duration) error
}

// Messenger is the messaging API surface used for sending.
type Messenger interface {
	TemplateExists(ctx context.Context, endpoint wati.Endpoint, token, name string) (bool, error)
	SendTemplateMessage(ctx context.Context, endpoint wati.Endpoint, token, phone string, msg wati.SendRequest) (wati.SendResult, error)
}

type OutcomeKind string

const (
	OutcomeSent    OutcomeKind = "sent"
	OutcomeFailed  OutcomeKind = "failed"
	OutcomeSkipped OutcomeKind = "skipped"
	OutcomeAborted OutcomeKind = "aborted"
	OutcomeInvalid OutcomeKind = "invalid"
)

type Outcome struct {
	Kind       OutcomeKind
	Err        error
	StatusCode int
	// Stopped is set when an emergency stop was observed right after the send.
	Stopped bool
}

func (o Outcome) Sent() bool { return o.Kind == OutcomeSent }

// Message is one send request for an entity.
type Message struct {
	Type       models.NotificationType
	EntityID   int64
	Phone      string
	Template   string
	Parameters []wati.Parameter
}

type Dispatcher struct {
	safety Safety
	state  *state.Store
	log    *notifylog.Log
	api    Messenger
	logger *slog.Logger
	now    func() time.Time
}

func NewDispatcher(sf Safety, st *state.Store, nlog *notifylog.Log, api Messenger, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{safety: sf, state: st, log: nlog, api: api, logger: logger, now: time.Now}
}

// Dispatch sends one template message. Writing the notification flag is left
// to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, settings models.Settings, msg Message) Outcome {
	logger := d.logger.With("type", msg.Type, "entity_id", msg.EntityID, "template", msg.Template)

	if !d.safety.IsIntegrationActive(ctx) {
		return Outcome{Kind: OutcomeAborted, Err: safety.ErrHostInactive}
	}
	if d.safety.IsEmergencyActive(ctx, false) {
		logger.Debug("Send aborted by emergency stop")
		return Outcome{Kind: OutcomeAborted, Err: safety.ErrEmergencyStop}
	}
	if d.safety.IsStopSignalFresh(ctx) {
		logger.Debug("Send aborted by stop signal")
		return Outcome{Kind: OutcomeAborted, Err: safety.ErrStopSignal}
	}

	retries, err := d.state.RetryCount(ctx, msg.Phone, msg.Template)
	if err != nil {
		logger.Warn("Failed to read retry counter, skipping send", "error", err)
		return Outcome{Kind: OutcomeSkipped, Err: err}
	}
	if retries >= state.MaxRetries {
		d.append(ctx, notifylog.Entry{
			Type:     notifylog.TypeError,
			Phone:    msg.Phone,
			Template: msg.Template,
			Status:   notifylog.StatusSkipped,
			Details: map[string]any{
				"reason":      "max retries exceeded",
				"retry_count": retries,
				"entity_type": msg.Type,
				"entity_id":   msg.EntityID,
			},
		})
		return Outcome{Kind: OutcomeSkipped, Err: ErrRetryLimitExceeded}
	}

	if d.safety.IsEmergencyActive(ctx, true) {
		return Outcome{Kind: OutcomeAborted, Err: safety.ErrEmergencyStop}
	}

	if settings.APIURL == "" || settings.BearerToken == "" {
		d.appendError(ctx, msg, "API credentials are missing")
		return Outcome{Kind: OutcomeInvalid, Err: ErrCredentialsMissing}
	}

	endpoint, epErr := wati.ParseEndpoint(settings.APIURL)
	if epErr == nil {
		exists, err := d.api.TemplateExists(ctx, endpoint, settings.BearerToken, msg.Template)
		if err != nil || !exists {
			warnErr := ErrTemplateUnverified
			if err != nil {
				warnErr = fmt.Errorf("%w: %v", ErrTemplateUnverified, err)
			}
			details := map[string]any{"message": "sending anyway", "error": warnErr.Error()}
			logger.Warn("Template not verified", "error", warnErr)
			d.append(ctx, notifylog.Entry{
				Type:     notifylog.TypeWarning,
				Phone:    msg.Phone,
				Template: msg.Template,
				Status:   notifylog.StatusWarning,
				Details:  details,
			})
		}
	}

	phone := digitsOnly(msg.Phone)
	if phone == "" {
		d.appendError(ctx, msg, "invalid phone number format")
		return Outcome{Kind: OutcomeInvalid, Err: ErrInvalidContact}
	}

	if epErr != nil {
		d.appendError(ctx, msg, "invalid API endpoint format")
		return Outcome{Kind: OutcomeInvalid, Err: ErrInvalidEndpoint}
	}

	if err := d.safety.Checkpoint(ctx); err != nil {
		return Outcome{Kind: OutcomeAborted, Err: err}
	}

	req := wati.SendRequest{
		TemplateName:  msg.Template,
		BroadcastName: msg.Template + "_" + strconv.FormatInt(d.now().Unix(), 10),
		Parameters:    msg.Parameters,
	}
	res, sendErr := d.api.SendTemplateMessage(ctx, endpoint, settings.BearerToken, phone, req)

	out := d.record(ctx, msg, phone, req, res, sendErr, logger)

	if d.safety.IsEmergencyActive(ctx, true) || d.safety.IsStopSignalFresh(ctx) {
		out.Stopped = true
	}
	return out
}

// record writes exactly one notification log entry and updates the retry
// counter for the attempt. Both happen even when ctx was cancelled during
// the send.
func (d *Dispatcher) record(ctx context.Context, msg Message, phone string, req wati.SendRequest, res wati.SendResult, sendErr error, logger *slog.Logger) Outcome {
	ctx = context.WithoutCancel(ctx)
	details := map[string]any{
		"entity_type":    msg.Type,
		"entity_id":      msg.EntityID,
		"broadcast_name": req.BroadcastName,
		"parameters":     req.Parameters,
		"status_code":    res.StatusCode,
	}
	if len(res.Body) > 0 {
		details["response"] = res.Body
	} else if res.Raw != "" {
		details["response"] = res.Raw
	}

	entry := notifylog.Entry{Type: notifylog.TypeNotification, Phone: phone, Template: msg.Template, Details: details}

	if sendErr == nil && res.OK() {
		if err := d.state.ClearRetry(ctx, msg.Phone, msg.Template); err != nil {
			logger.Warn("Failed to clear retry counter", "error", err)
		}
		entry.Status = notifylog.StatusSuccess
		d.append(ctx, entry)
		logger.Info("Notification sent", "phone", phone)
		return Outcome{Kind: OutcomeSent, StatusCode: res.StatusCode}
	}

	var err error
	if sendErr != nil {
		err = fmt.Errorf("%w: %v", ErrTransport, sendErr)
		details["error"] = sendErr.Error()
	} else {
		err = fmt.Errorf("%w: status %d", ErrTransport, res.StatusCode)
	}

	count, incErr := d.state.IncrementRetry(ctx, msg.Phone, msg.Template)
	if incErr != nil {
		logger.Warn("Failed to increment retry counter", "error", incErr)
	}
	details["retry_count"] = count

	entry.Status = notifylog.StatusError
	d.append(ctx, entry)
	logger.Warn("Notification failed", "phone", phone, "status_code", res.StatusCode, "error", err)
	return Outcome{Kind: OutcomeFailed, Err: err, StatusCode: res.StatusCode}
}

func (d *Dispatcher) appendError(ctx context.Context, msg Message, reason string) {
	d.append(ctx, notifylog.Entry{
		Type:     notifylog.TypeError,
		Phone:    msg.Phone,
		Template: msg.Template,
		Status:   notifylog.StatusError,
		Details: map[string]any{
			"message":     reason,
			"entity_type": msg.Type,
			"entity_id":   msg.EntityID,
		},
	})
}

func (d *Dispatcher) append(ctx context.Context, e notifylog.Entry) {
	if err := d.log.Append(context.WithoutCancel(ctx), e); err != nil {
		d.logger.Warn("Failed to append notification log", "type", e.Type, "error", err)
	}
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
