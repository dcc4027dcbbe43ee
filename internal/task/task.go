// Package task defines the scheduled task record and execution result types
// shared by the store, the engine and the CLI.
package task

import "time"

// ScheduleType selects how a task's next run time is computed.
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
	ScheduleOnce     ScheduleType = "once"
)

// Execution statuses recorded per run.
const (
	StatusExecuted = "executed"
	StatusError    = "error"
	StatusTimeout  = "timeout"
)

// ScheduledTask is the persisted task record.
//
// ScheduleConfig, HandlerConfig and DeliveryConfig are opaque JSON blobs
// interpreted only by the schedule calculator, the handler and the delivery
// adapter respectively.
//
// NextRunAt is nil iff the task is a fired one-shot or was never computed;
// disabled tasks never appear in due queries regardless of NextRunAt.
type ScheduledTask struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	ScheduleType   ScheduleType `json:"schedule_type"`
	ScheduleConfig string       `json:"schedule_config"`

	HandlerType   string `json:"handler_type"`
	HandlerConfig string `json:"handler_config,omitempty"`

	Enabled bool `json:"enabled"`

	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastResult string     `json:"last_result,omitempty"`

	DeliveryChannel string `json:"delivery_channel,omitempty"`
	DeliveryConfig  string `json:"delivery_config,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExecutionResult describes the outcome of one task execution.
type ExecutionResult struct {
	TaskID      int64  `json:"task_id"`
	RunID       string `json:"run_id"`
	Name        string `json:"name"`
	HandlerType string `json:"handler_type"`

	Status    string     `json:"status"`
	Result    string     `json:"result,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	Error     string     `json:"error,omitempty"`

	Delivery *DeliveryStatus `json:"delivery,omitempty"`
}

// DeliveryStatus is the per-run outcome of routing the handler result to
// the task's delivery channel.
type DeliveryStatus struct {
	Status  string `json:"status"`
	Channel string `json:"channel,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Error   string `json:"error,omitempty"`
}
