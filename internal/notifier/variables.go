package notifier

import (
	"net/url"
	"strconv"

	"github.com/voicetel/order-notifier/internal/models"
	"github.com/voicetel/order-notifier/internal/wati"
)

const DefaultTrackingURL = "https://www.smsaexpress.com/sa/ar/trackingdetails?tracknumbers="

type variableValues struct {
	CustomerName   string
	OrderNumber    int64
	TrackingNumber string
}

// buildParameters maps the configured template variables to API parameters,
// preserving their order. Tracking values are omitted when the entity has no
// tracking number.
func buildParameters(vars []models.TemplateVariable, v variableValues, trackingURL string) []wati.Parameter {
	params := make([]wati.Parameter, 0, len(vars))
	for _, tv := range vars {
		if tv.TemplateName == "" {
			continue
		}
		var value string
		switch tv.Type {
		case models.VarCustomerName:
			value = v.CustomerName
		case models.VarOrderNumber:
			value = strconv.FormatInt(v.OrderNumber, 10)
		case models.VarTrackingNumber:
			if v.TrackingNumber == "" {
				continue
			}
			value = v.TrackingNumber
		case models.VarTrackingURL:
			if v.TrackingNumber == "" {
				continue
			}
			value = trackingURL + url.QueryEscape(v.TrackingNumber)
		default:
			continue
		}
		params = append(params, wati.Parameter{Name: tv.TemplateName, Value: value})
	}
	return params
}
