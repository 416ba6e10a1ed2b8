package domain

import "time"

// ScheduleKind is the closed set of trigger mechanisms a Schedule can use.
// Represented as a tagged variant (SchedulePayload) rather than polymorphism,
// per the design notes: schedule-kind handling is a small closed sum.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "Cron"
	ScheduleInterval ScheduleKind = "Interval"
	ScheduleEvent    ScheduleKind = "Event"
	ScheduleOneShot  ScheduleKind = "OneShot"
)

// SchedulePayload carries the kind-specific trigger configuration. Only the
// field(s) matching Kind are meaningful.
type SchedulePayload struct {
	// Cron
	CronExpression string

	// Interval
	Interval       time.Duration
	FirstDelay     time.Duration
	ExecutionCount int // 0 means unbounded

	// OneShot
	FireAt time.Time
}

// Schedule is the trigger configuration for a Job.
type Schedule struct {
	ID          ID
	JobID       ID
	Kind        ScheduleKind
	Payload     SchedulePayload
	ValidFrom   *time.Time
	ValidUntil  *time.Time
	Enabled     bool
	NextFireAt  time.Time
	FiredCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate enforces the Schedule invariants of spec §3.
func (s *Schedule) Validate() error {
	if s.ValidFrom != nil && s.ValidUntil != nil && s.ValidFrom.After(*s.ValidUntil) {
		return &PermanentError{Op: "Schedule.Validate", Err: errString("valid_from must be <= valid_until")}
	}
	return nil
}

// IsActive reports whether the schedule should still be considered for
// generation at instant now: enabled, and within its validity window.
func (s *Schedule) IsActive(now time.Time) bool {
	if !s.Enabled {
		return false
	}
	if s.ValidFrom != nil && now.Before(*s.ValidFrom) {
		return false
	}
	if s.ValidUntil != nil && now.After(*s.ValidUntil) {
		return false
	}
	return true
}
