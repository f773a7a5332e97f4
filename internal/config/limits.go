package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

//go:embed limits.yaml
var defaultLimitsYAML []byte

// Duration wraps time.Duration so limit files can use "2s"-style values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Limits is the turn engine's cost envelope: usage quota, compaction
// thresholds, and display bounds. Defaults come from the embedded
// limits.yaml; a deployment overrides them by pointing VALET_LIMITS_FILE at
// its own file.
type Limits struct {
	// QuotaUnits is the per-conversation resource budget. A new turn is
	// refused once consumed units exceed it.
	QuotaUnits int `yaml:"quota_units"`

	// TurnOverheadUnits is the flat per-turn cost approximating system
	// prompt and tool schema tokens.
	TurnOverheadUnits int `yaml:"turn_overhead_units"`

	// Compaction triggers when the history exceeds either threshold, and
	// only while more than CompactKeepMessages messages exist.
	CompactAfterMessages int `yaml:"compact_after_messages"`
	CompactAfterTokens   int `yaml:"compact_after_tokens"`
	CompactKeepMessages  int `yaml:"compact_keep_messages"`

	// RenderInterval throttles display edits; RenderLogLines bounds the
	// fenced log block; ObservationPreview truncates observation lines.
	RenderInterval     Duration `yaml:"render_interval"`
	RenderLogLines     int      `yaml:"render_log_lines"`
	ObservationPreview int      `yaml:"observation_preview"`

	// DisplayLimit is the rendered surface's hard cap. Final text beyond it
	// is re-sent starting at OverflowStart in chunks of MaxMessageSize.
	DisplayLimit   int `yaml:"display_limit"`
	OverflowStart  int `yaml:"overflow_start"`
	MaxMessageSize int `yaml:"max_message_size"`
}

// LoadLimits returns the engine limits: embedded defaults, overlaid with the
// file named by VALET_LIMITS_FILE when present.
func LoadLimits() (*Limits, error) {
	limits := &Limits{}
	if err := yaml.Unmarshal(defaultLimitsYAML, limits); err != nil {
		return nil, fmt.Errorf("parse embedded limits: %w", err)
	}

	if path := os.Getenv("VALET_LIMITS_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read limits file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, limits); err != nil {
			return nil, fmt.Errorf("parse limits file %s: %w", path, err)
		}
	}

	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("invalid limits: %w", err)
	}
	return limits, nil
}

// Validate checks the limits for internal consistency.
func (l *Limits) Validate() error {
	if err := validation.ValidateStruct(l,
		validation.Field(&l.QuotaUnits, validation.Required, validation.Min(1)),
		validation.Field(&l.TurnOverheadUnits, validation.Min(0)),
		validation.Field(&l.CompactAfterMessages, validation.Required, validation.Min(1)),
		validation.Field(&l.CompactAfterTokens, validation.Required, validation.Min(1)),
		validation.Field(&l.CompactKeepMessages, validation.Required, validation.Min(1)),
		validation.Field(&l.RenderLogLines, validation.Required, validation.Min(1)),
		validation.Field(&l.ObservationPreview, validation.Required, validation.Min(1)),
		validation.Field(&l.DisplayLimit, validation.Required, validation.Min(1)),
		validation.Field(&l.OverflowStart, validation.Required, validation.Min(1)),
		validation.Field(&l.MaxMessageSize, validation.Required, validation.Min(1)),
	); err != nil {
		return err
	}

	if l.RenderInterval <= 0 {
		return fmt.Errorf("render_interval must be positive")
	}
	if l.OverflowStart > l.DisplayLimit {
		return fmt.Errorf("overflow_start must not exceed display_limit")
	}
	return nil
}
