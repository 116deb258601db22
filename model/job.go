package model

import (
	"fmt"
	"time"
)

// TriggerType identifies how a job's fire times are produced.
type TriggerType string

// Trigger types.
const (
	TriggerDate     TriggerType = "date"
	TriggerInterval TriggerType = "interval"
	TriggerCron     TriggerType = "cron"
	TriggerFile     TriggerType = "file"
)

// JobStatus represents whether a job's trigger is armed.
type JobStatus string

// Job statuses.
const (
	JobRunning JobStatus = "RUNNING"
	JobPaused  JobStatus = "PAUSED"
)

// DateTrigger fires once at a fixed time.
type DateTrigger struct {
	RunDate  time.Time `json:"run_date"`
	Timezone string    `json:"timezone,omitempty"`
}

// IntervalTrigger fires on a fixed period.
type IntervalTrigger struct {
	Weeks              int        `json:"weeks,omitempty"`
	Days               int        `json:"days,omitempty"`
	Hours              int        `json:"hours,omitempty"`
	Minutes            int        `json:"minutes,omitempty"`
	Seconds            int        `json:"seconds,omitempty"`
	StartDate          *time.Time `json:"start_date,omitempty"`
	EndDate            *time.Time `json:"end_date,omitempty"`
	Timezone           string     `json:"timezone,omitempty"`
	Jitter             int        `json:"jitter,omitempty"`
	RescheduleOnFinish bool       `json:"reschedule_on_finish,omitempty"`
}

// Period returns the trigger's total interval.
func (t *IntervalTrigger) Period() time.Duration {
	return time.Duration(t.Weeks)*7*24*time.Hour +
		time.Duration(t.Days)*24*time.Hour +
		time.Duration(t.Hours)*time.Hour +
		time.Duration(t.Minutes)*time.Minute +
		time.Duration(t.Seconds)*time.Second
}

// CronTrigger fires on a cron expression.
type CronTrigger struct {
	Minute     string `json:"minute,omitempty"`
	Hour       string `json:"hour,omitempty"`
	DayOfMonth string `json:"day,omitempty"`
	Month      string `json:"month,omitempty"`
	DayOfWeek  string `json:"day_of_week,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
}

// Expression renders the five-field cron expression, defaulting blank
// fields to "*".
func (t *CronTrigger) Expression() string {
	f := func(s string) string {
		if s == "" {
			return "*"
		}
		return s
	}
	return fmt.Sprintf("%s %s %s %s %s",
		f(t.Minute), f(t.Hour), f(t.DayOfMonth), f(t.Month), f(t.DayOfWeek))
}

// FileTrigger fires when a watched path changes.
type FileTrigger struct {
	Path      string   `json:"path"`
	Pattern   string   `json:"pattern,omitempty"`
	Recursive bool     `json:"recursive,omitempty"`
	Callbacks []string `json:"callbacks,omitempty"`
}

// Trigger is the tagged union of the trigger variants. Exactly one field
// matching the job's TriggerType is populated.
type Trigger struct {
	Date     *DateTrigger     `json:"date,omitempty"`
	Interval *IntervalTrigger `json:"interval,omitempty"`
	Cron     *CronTrigger     `json:"cron,omitempty"`
	File     *FileTrigger     `json:"file,omitempty"`
}

// Job is a persisted trigger plus a request template that produces Requests
// over time. The persisted store is the single source of truth; the
// scheduler updates only NextRunTime after each fire.
type Job struct {
	ID               string           `json:"id,omitempty"`
	Name             string           `json:"name"`
	TriggerType      TriggerType      `json:"trigger_type"`
	Trigger          Trigger          `json:"trigger"`
	RequestTemplate  *RequestTemplate `json:"request_template"`
	MisfireGraceTime int              `json:"misfire_grace_time,omitempty"`
	Coalesce         bool             `json:"coalesce,omitempty"`
	MaxInstances     int              `json:"max_instances,omitempty"`
	Status           JobStatus        `json:"status"`
	NextRunTime      *time.Time       `json:"next_run_time,omitempty"`
	SuccessCount     int              `json:"success_count"`
	ErrorCount       int              `json:"error_count"`
	Timeout          int              `json:"timeout,omitempty"`
}

// Validate checks the job's structural invariants.
func (j *Job) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if j.RequestTemplate == nil {
		return fmt.Errorf("job %s: request_template is required", j.Name)
	}
	switch j.TriggerType {
	case TriggerDate:
		if j.Trigger.Date == nil {
			return fmt.Errorf("job %s: date trigger details missing", j.Name)
		}
	case TriggerInterval:
		if j.Trigger.Interval == nil {
			return fmt.Errorf("job %s: interval trigger details missing", j.Name)
		}
		if j.Trigger.Interval.Period() <= 0 {
			return fmt.Errorf("job %s: interval trigger period must be positive", j.Name)
		}
	case TriggerCron:
		if j.Trigger.Cron == nil {
			return fmt.Errorf("job %s: cron trigger details missing", j.Name)
		}
	case TriggerFile:
		if j.Trigger.File == nil || j.Trigger.File.Path == "" {
			return fmt.Errorf("job %s: file trigger requires a path", j.Name)
		}
	default:
		return fmt.Errorf("job %s: unknown trigger type %q", j.Name, j.TriggerType)
	}
	return nil
}

// ExportView returns a copy with runtime fields stripped, suitable for
// export and re-import on another garden.
func (j *Job) ExportView() *Job {
	clone := *j
	clone.ID = ""
	clone.NextRunTime = nil
	clone.SuccessCount = 0
	clone.ErrorCount = 0
	return &clone
}
