package notifier

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/viper"

	"github.com/voicetel/order-notifier/internal/config"
)

const dateLayout = "2006-01-02"

// SendWindow limits sends to work days and hours in one timezone. Entities
// that come due while it is closed keep no flag, so the first cycle after
// the window reopens picks them up.
type SendWindow struct {
	enabled  bool
	open     int
	close    int
	loc      *time.Location
	days     map[time.Weekday]bool
	holidays map[string]bool
}

func NewSendWindow(cfg config.SendWindowConfig, logger *slog.Logger) *SendWindow {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Warn("Unknown send window timezone, using UTC", "timezone", cfg.Timezone)
		loc = time.UTC
	}
	sw := &SendWindow{
		enabled:  cfg.Enabled,
		open:     cfg.StartHour,
		close:    cfg.EndHour,
		loc:      loc,
		days:     make(map[time.Weekday]bool, len(cfg.WorkDays)),
		holidays: map[string]bool{},
	}
	for _, day := range cfg.WorkDays {
		sw.days[day] = true
	}

	if cfg.HolidaysFile != "" {
		holidays, err := readHolidays(cfg.HolidaysFile)
		if err != nil {
			logger.Warn("Failed to load holidays file", "file", cfg.HolidaysFile, "error", err)
		}
		for _, h := range holidays {
			sw.holidays[h] = true
		}
	}
	return sw
}

// readHolidays reads a "holidays" list of YYYY-MM-DD dates from a JSON, YAML
// or TOML file.
func readHolidays(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var out []string
	for _, h := range v.GetStringSlice("holidays") {
		if _, err := time.Parse(dateLayout, h); err != nil {
			return out, fmt.Errorf("invalid holiday %q: %w", h, err)
		}
		out = append(out, h)
	}
	return out, nil
}

func (sw *SendWindow) sendDay(day time.Time) bool {
	return sw.days[day.Weekday()] && !sw.holidays[day.Format(dateLayout)]
}

func (sw *SendWindow) IsOpen(t time.Time) bool {
	if sw == nil || !sw.enabled {
		return true
	}
	local := t.In(sw.loc)
	h := local.Hour()
	return sw.sendDay(local) && h >= sw.open && h < sw.close
}

// NextOpen returns t when the window is open, otherwise the start of the
// next send day. The zero time means the window never opens within a year.
func (sw *SendWindow) NextOpen(t time.Time) time.Time {
	if sw.IsOpen(t) {
		return t
	}
	local := t.In(sw.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, sw.loc)
	for i := 0; i <= 366; i++ {
		d := day.AddDate(0, 0, i)
		if !sw.sendDay(d) {
			continue
		}
		start := d.Add(time.Duration(sw.open) * time.Hour)
		if start.After(t) {
			return start
		}
	}
	return time.Time{}
}
