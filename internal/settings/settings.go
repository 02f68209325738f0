// Package settings stores the notification settings bundle in the key-value
// store and imports it from JSON or YAML files.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/voicetel/order-notifier/internal/kvstore"
	"github.com/voicetel/order-notifier/internal/models"
	"github.com/voicetel/order-notifier/internal/state"
)

const (
	DefaultCutoffDate   = "2025-04-22"
	DefaultCronInterval = 5
)

var ErrInvalid = errors.New("invalid settings")

func Defaults() models.Settings {
	conds := make(map[models.NotificationType]models.Condition, len(models.CheckOrder))
	for _, t := range models.CheckOrder {
		conds[t] = models.Condition{DelayTime: 1, DelayUnit: models.Hours, Variables: []models.TemplateVariable{}}
	}
	return models.Settings{
		SpecificUsers: []int64{},
		CutoffDate:    DefaultCutoffDate,
		CronInterval:  DefaultCronInterval,
		CronUnit:      models.Minutes,
		Conditions:    conds,
	}
}

// Normalize fills defaults for fields left empty.
func Normalize(s models.Settings) models.Settings {
	if s.CutoffDate == "" {
		s.CutoffDate = DefaultCutoffDate
	}
	if s.CronInterval <= 0 {
		s.CronInterval = DefaultCronInterval
	}
	if s.CronUnit == "" {
		s.CronUnit = models.Minutes
	}
	if s.Conditions == nil {
		s.Conditions = make(map[models.NotificationType]models.Condition)
	}
	for t, c := range s.Conditions {
		if c.DelayUnit == "" {
			c.DelayUnit = models.Minutes
			s.Conditions[t] = c
		}
	}
	return s
}

func Validate(s models.Settings) error {
	if _, err := time.Parse("2006-01-02", s.CutoffDate); err != nil {
		return fmt.Errorf("%w: cutoff_date must be YYYY-MM-DD", ErrInvalid)
	}
	if s.CronUnit != models.Minutes && s.CronUnit != models.Hours {
		return fmt.Errorf("%w: cron_unit must be minutes or hours", ErrInvalid)
	}
	if s.CronInterval <= 0 {
		return fmt.Errorf("%w: cron_interval must be positive", ErrInvalid)
	}
	for t, c := range s.Conditions {
		if !t.Valid() {
			return fmt.Errorf("%w: unknown notification type %q", ErrInvalid, t)
		}
		if c.DelayUnit != models.Minutes && c.DelayUnit != models.Hours {
			return fmt.Errorf("%w: %s delay_unit must be minutes or hours", ErrInvalid, t)
		}
		if c.Enabled && c.DelayTime <= 0 {
			return fmt.Errorf("%w: %s delay_time must be positive when enabled", ErrInvalid, t)
		}
		if c.Enabled && c.TemplateName == "" {
			return fmt.Errorf("%w: %s template_name is required when enabled", ErrInvalid, t)
		}
		for _, v := range c.Variables {
			switch v.Type {
			case models.VarCustomerName, models.VarOrderNumber, models.VarTrackingNumber, models.VarTrackingURL:
			default:
				return fmt.Errorf("%w: %s has unknown variable type %q", ErrInvalid, t, v.Type)
			}
		}
	}
	return nil
}

// CronSchedule turns the configured check interval into a robfig cron spec.
func CronSchedule(s models.Settings) string {
	n := s.CronInterval
	if n <= 0 {
		n = DefaultCronInterval
	}
	if s.CronUnit == models.Hours {
		return fmt.Sprintf("@every %dh", n)
	}
	return fmt.Sprintf("@every %dm", n)
}

type Store struct {
	kv kvstore.Store
}

func NewStore(kv kvstore.Store) *Store {
	return &Store{kv: kv}
}

// Load returns the stored settings, or the defaults when none were saved.
func (s *Store) Load(ctx context.Context) (models.Settings, error) {
	raw, ok, err := s.kv.Get(ctx, state.KeySettings)
	if err != nil {
		return models.Settings{}, fmt.Errorf("failed to read settings: %w", err)
	}
	if !ok {
		return Defaults(), nil
	}
	var st models.Settings
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return models.Settings{}, fmt.Errorf("failed to decode settings: %w", err)
	}
	return Normalize(st), nil
}

func (s *Store) Save(ctx context.Context, st models.Settings) error {
	st = Normalize(st)
	if err := Validate(st); err != nil {
		return err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, state.KeySettings, string(data)); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

// Import reads a settings file and saves it.
func (s *Store) Import(ctx context.Context, path string) (models.Settings, error) {
	st, err := ReadFile(path)
	if err != nil {
		return models.Settings{}, err
	}
	if err := s.Save(ctx, st); err != nil {
		return models.Settings{}, err
	}
	return st, nil
}

// ReadFile decodes a JSON, YAML or TOML settings file; keys follow the json
// tags of models.Settings.
func ReadFile(path string) (models.Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return models.Settings{}, fmt.Errorf("failed to read settings file: %w", err)
	}

	var st models.Settings
	if err := v.Unmarshal(&st, viper.DecoderConfigOption(func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "json"
	})); err != nil {
		return models.Settings{}, fmt.Errorf("failed to parse settings file: %w", err)
	}
	return Normalize(st), nil
}
