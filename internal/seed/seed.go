// Package seed loads task definitions from a YAML file and applies them to
// the store. Definitions are upserted by name, so re-applying the same file
// is idempotent and preserves each task's run history.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"taskd/internal/schedule"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// Definition is one task entry in the seed file.
type Definition struct {
	Name            string         `yaml:"name"`
	Description     string         `yaml:"description"`
	ScheduleType    string         `yaml:"schedule_type"`
	Schedule        map[string]any `yaml:"schedule"`
	HandlerType     string         `yaml:"handler_type"`
	Handler         map[string]any `yaml:"handler"`
	Enabled         *bool          `yaml:"enabled"`
	DeliveryChannel string         `yaml:"delivery_channel"`
	Delivery        map[string]any `yaml:"delivery"`
}

type seedFile struct {
	Tasks []Definition `yaml:"tasks"`
}

// TaskWriter is the store surface needed to apply definitions.
type TaskWriter interface {
	Upsert(ctx context.Context, t task.ScheduledTask) (task.ScheduledTask, error)
}

// Options wires validation against the registered handlers and channels.
type Options struct {
	HandlerKnown func(tag string) bool
	ChannelKnown func(channel string) bool
	Log          logx.Logger
}

// Load reads and parses the seed file.
func Load(path string) ([]Definition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f seedFile
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f.Tasks, nil
}

// Apply upserts every definition, computing its next run from now. Invalid
// definitions are skipped with a log line; the rest still apply. The count
// of applied tasks is returned.
func Apply(ctx context.Context, store TaskWriter, opts Options, defs []Definition, now time.Time) (int, error) {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	applied := 0
	for i := range defs {
		t, err := build(defs[i], opts, now)
		if err != nil {
			log.Warn("seed definition skipped",
				logx.String("name", defs[i].Name),
				logx.Err(err))
			continue
		}
		if _, err := store.Upsert(ctx, t); err != nil {
			return applied, fmt.Errorf("upsert %q: %w", t.Name, err)
		}
		applied++
	}
	return applied, nil
}

func build(d Definition, opts Options, now time.Time) (task.ScheduledTask, error) {
	if strings.TrimSpace(d.Name) == "" {
		return task.ScheduledTask{}, fmt.Errorf("task name is required")
	}
	if opts.HandlerKnown != nil && !opts.HandlerKnown(d.HandlerType) {
		return task.ScheduledTask{}, fmt.Errorf("unknown handler type %q", d.HandlerType)
	}
	if d.DeliveryChannel != "" && opts.ChannelKnown != nil && !opts.ChannelKnown(d.DeliveryChannel) {
		return task.ScheduledTask{}, fmt.Errorf("unknown delivery channel %q", d.DeliveryChannel)
	}

	scheduleJSON, err := toJSON(d.Schedule)
	if err != nil {
		return task.ScheduledTask{}, fmt.Errorf("schedule config: %w", err)
	}
	handlerJSON, err := toJSON(d.Handler)
	if err != nil {
		return task.ScheduledTask{}, fmt.Errorf("handler config: %w", err)
	}
	deliveryJSON, err := toJSON(d.Delivery)
	if err != nil {
		return task.ScheduledTask{}, fmt.Errorf("delivery config: %w", err)
	}

	st := task.ScheduleType(d.ScheduleType)
	next, err := schedule.NextRun(st, scheduleJSON, now)
	if err != nil {
		return task.ScheduledTask{}, err
	}

	enabled := true
	if d.Enabled != nil {
		enabled = *d.Enabled
	}

	return task.ScheduledTask{
		Name:            d.Name,
		Description:     d.Description,
		ScheduleType:    st,
		ScheduleConfig:  scheduleJSON,
		HandlerType:     d.HandlerType,
		HandlerConfig:   handlerJSON,
		Enabled:         enabled,
		NextRunAt:       next,
		DeliveryChannel: d.DeliveryChannel,
		DeliveryConfig:  deliveryJSON,
	}, nil
}

func toJSON(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
