// Package schedule computes the next trigger time for a scheduled task
// from its schedule type and config blob.
package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskd/internal/cron"
	"taskd/internal/task"
)

// ValidationError marks a misconfigured schedule definition. It is raised
// synchronously so task creation and updates can be rejected instead of
// silently scheduling nothing.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a schedule validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

type intervalConfig struct {
	Minutes int `json:"minutes"`
	Hours   int `json:"hours"`
}

type cronConfig struct {
	Expression string `json:"expression"`
}

type onceConfig struct {
	RunAt string `json:"run_at"`
}

// NextRun returns the next trigger time strictly derived from fromTime.
//
// A nil time with a nil error means the task has no future run: a one-shot
// whose run_at has already passed will not fire again.
func NextRun(st task.ScheduleType, configJSON string, fromTime time.Time) (*time.Time, error) {
	switch st {
	case task.ScheduleInterval:
		var cfg intervalConfig
		decodeConfig(configJSON, &cfg)
		total := cfg.Minutes + cfg.Hours*60
		if total <= 0 {
			return nil, validationf("interval schedule must specify positive minutes or hours")
		}
		next := fromTime.Add(time.Duration(total) * time.Minute)
		return &next, nil

	case task.ScheduleCron:
		var cfg cronConfig
		decodeConfig(configJSON, &cfg)
		if strings.TrimSpace(cfg.Expression) == "" {
			return nil, validationf("cron schedule must specify an 'expression' field")
		}
		expr, err := cron.Parse(cfg.Expression)
		if err != nil {
			return nil, &ValidationError{Reason: err.Error()}
		}
		next, err := expr.Next(fromTime)
		if err != nil {
			return nil, &ValidationError{Reason: err.Error()}
		}
		return &next, nil

	case task.ScheduleOnce:
		var cfg onceConfig
		decodeConfig(configJSON, &cfg)
		if strings.TrimSpace(cfg.RunAt) == "" {
			return nil, validationf("once schedule must specify a 'run_at' field")
		}
		runAt, err := parseTimestamp(cfg.RunAt)
		if err != nil {
			return nil, validationf("once schedule has invalid 'run_at' %q: %v", cfg.RunAt, err)
		}
		if runAt.After(fromTime) {
			return &runAt, nil
		}
		// Already past; the one-shot will not run again.
		return nil, nil

	default:
		return nil, validationf("unknown schedule_type: %q", st)
	}
}

// decodeConfig tolerates empty or malformed config blobs; missing fields
// fail validation downstream with a more specific message.
func decodeConfig(raw string, out any) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}
	_ = json.Unmarshal([]byte(raw), out)
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format")
}
