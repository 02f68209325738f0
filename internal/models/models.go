package models

import "time"

type NotificationType string

const (
	Abandoned  NotificationType = "abandoned"
	Discount   NotificationType = "discount"
	Processing NotificationType = "processing"
	Shipped    NotificationType = "shipped"
	Tracking   NotificationType = "tracking"
)

// CheckOrder is the fixed sequence the scheduled cycle walks through.
var CheckOrder = []NotificationType{Tracking, Abandoned, Processing, Shipped, Discount}

func (t NotificationType) Valid() bool {
	switch t {
	case Abandoned, Discount, Processing, Shipped, Tracking:
		return true
	}
	return false
}

type DelayUnit string

const (
	Minutes DelayUnit = "minutes"
	Hours   DelayUnit = "hours"
)

type VariableType string

const (
	VarCustomerName   VariableType = "customer_name"
	VarOrderNumber    VariableType = "order_number"
	VarTrackingNumber VariableType = "tracking_number"
	VarTrackingURL    VariableType = "tracking_url"
)

type TemplateVariable struct {
	Type         VariableType `json:"type"`
	TemplateName string       `json:"template_name"`
}

type Condition struct {
	Enabled      bool               `json:"enabled"`
	TemplateName string             `json:"template_name"`
	DelayTime    int                `json:"delay_time"`
	DelayUnit    DelayUnit          `json:"delay_unit"`
	Variables    []TemplateVariable `json:"variables"`
}

// Delay normalizes the configured delay to a duration (minutes granularity).
func (c Condition) Delay() time.Duration {
	minutes := c.DelayTime
	if c.DelayUnit == Hours {
		minutes *= 60
	}
	return time.Duration(minutes) * time.Minute
}

type Settings struct {
	Enabled       bool                           `json:"enable_feature"`
	APIURL        string                         `json:"api_url"`
	BearerToken   string                         `json:"bearer_token"`
	SpecificUsers []int64                        `json:"specific_users"`
	CutoffDate    string                         `json:"cutoff_date"`
	CronInterval  int                            `json:"cron_interval"`
	CronUnit      DelayUnit                      `json:"cron_unit"`
	Conditions    map[NotificationType]Condition `json:"conditions"`
}

func (s Settings) Condition(t NotificationType) Condition {
	return s.Conditions[t]
}

// Order is a commerce order as seen by the evaluators.
type Order struct {
	ID             int64     `json:"id"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	ModifiedAt     time.Time `json:"modified_at"`
	Total          string    `json:"total"`
	CustomerID     int64     `json:"customer_id"`
	BillingPhone   string    `json:"billing_phone"`
	FirstName      string    `json:"first_name"`
	LastName       string    `json:"last_name"`
	TrackingNumber string    `json:"tracking_number,omitempty"`
}

// Cart is an abandoned-cart record.
type Cart struct {
	ID         int64     `json:"id"`
	Email      string    `json:"email"`
	CustomerID int64     `json:"customer_id"`
	Time       time.Time `json:"time"`
	CartTotal  string    `json:"cart_total"`
	Phone      string    `json:"phone"`
	FirstName  string    `json:"first_name"`
}

type Classification string

const (
	ClassEligible        Classification = "eligible"
	ClassAlreadyNotified Classification = "already_notified"
	ClassNoPhone         Classification = "no_phone"
	ClassOld             Classification = "old"
	ClassNotReady        Classification = "not_ready"
	ClassFiltered        Classification = "filtered"
)

type EntityResult struct {
	ID             int64          `json:"id"`
	Status         Classification `json:"status"`
	Phone          string         `json:"phone,omitempty"`
	Customer       string         `json:"customer,omitempty"`
	CustomerID     int64          `json:"customer_id,omitempty"`
	CreatedAt      time.Time      `json:"date"`
	ModifiedAt     time.Time      `json:"modified_date,omitempty"`
	Total          string         `json:"total,omitempty"`
	TrackingNumber string         `json:"tracking_number,omitempty"`
	Outcome        string         `json:"outcome,omitempty"`
	Sent           bool           `json:"notification_sent"`
}

// Report is the per-evaluator result consumed by the cron log and the test tool.
type Report struct {
	Type            NotificationType `json:"type"`
	Condition       Condition        `json:"condition"`
	Test            bool             `json:"test"`
	Total           int              `json:"total"`
	Eligible        int              `json:"eligible"`
	AlreadyNotified int              `json:"already_notified"`
	NoPhone         int              `json:"no_phone"`
	Old             int              `json:"old"`
	NotReady        int              `json:"not_ready"`
	Filtered        int              `json:"filtered"`
	Sent            int              `json:"sent"`
	Failed          int              `json:"failed"`
	Aborted         bool             `json:"aborted"`
	AbortReason     string           `json:"abort_reason,omitempty"`
	Entities        []EntityResult   `json:"entities"`
}

type EmergencyStop struct {
	Active    bool      `json:"active"`
	Timestamp time.Time `json:"timestamp"`
	ProcessID int       `json:"process_id"`
	Host      string    `json:"host,omitempty"`
}

type ProcessingState struct {
	StartTime time.Time `json:"start_time"`
	ProcessID int       `json:"process_id"`
	RunID     string    `json:"run_id"`
}

type RunStats struct {
	RunID             string
	TypesChecked      int
	EntitiesChecked   int
	NotificationsSent int
	Failed            int
	Errors            int
	Skipped           string
	DeferredUntil     time.Time
	Aborted           bool
	AbortReason       string
	Reports           map[NotificationType]*Report
	Duration          time.Duration
}
