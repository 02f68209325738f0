package notifier

import (
	"context"
	"strings"

	"github.com/voicetel/order-notifier/internal/models"
)

// OnOrderStatusChanged reacts to an order moving to a new status: completed
// or shipped orders trigger the shipped check, and orders that already carry
// a tracking number trigger the tracking check.
func (n *Notifier) OnOrderStatusChanged(ctx context.Context, orderID int64, oldStatus, newStatus string) error {
	if n.safety.IsEmergencyActive(ctx, true) || n.safety.IsStopSignalFresh(ctx) {
		n.logger.Info("Emergency stop active, ignoring order status change", "order_id", orderID)
		return nil
	}

	newStatus = strings.TrimPrefix(newStatus, "wc-")
	n.logger.Debug("Order status changed", "order_id", orderID, "from", oldStatus, "to", newStatus)

	if newStatus == StatusCompleted || newStatus == StatusShipped {
		if _, err := n.RunType(ctx, models.Shipped); err != nil {
			return err
		}
	}

	tracking, err := n.source.OrderMeta(ctx, orderID, n.trackingMetaKey())
	if err != nil {
		return err
	}
	if strings.TrimSpace(tracking) != "" {
		if _, err := n.RunType(ctx, models.Tracking); err != nil {
			return err
		}
	}
	return nil
}

// OnTrackingNumberUpdated reacts to the tracking meta key being written.
func (n *Notifier) OnTrackingNumberUpdated(ctx context.Context, orderID int64, metaKey, value string) error {
	if metaKey != n.trackingMetaKey() || strings.TrimSpace(value) == "" {
		return nil
	}
	if n.safety.IsEmergencyActive(ctx, true) || n.safety.IsStopSignalFresh(ctx) {
		n.logger.Info("Emergency stop active, ignoring tracking update", "order_id", orderID)
		return nil
	}
	n.logger.Debug("Tracking number updated", "order_id", orderID)
	_, err := n.RunType(ctx, models.Tracking)
	return err
}

func (n *Notifier) trackingMetaKey() string {
	if n.config.Tracking.MetaKey != "" {
		return n.config.Tracking.MetaKey
	}
	return DefaultTrackingMetaKey
}
