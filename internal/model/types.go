package model

import (
	"fmt"
	"time"
)

// StatusKind is the closed set of supervision states for an instance.
type StatusKind string

const (
	StatusUnknown       StatusKind = "unknown"
	StatusIdle          StatusKind = "idle"
	StatusWorking       StatusKind = "working"
	StatusRecovering    StatusKind = "recovering"
	StatusError         StatusKind = "error"
	StatusUnrecoverable StatusKind = "unrecoverable"
	StatusPaused        StatusKind = "paused"
)

// InstanceStatus is a tagged variant: Kind selects which payload fields are
// meaningful. Equality is structural, so plain == comparison is correct.
type InstanceStatus struct {
	Kind     StatusKind   `json:"kind"`
	Detail   string       `json:"detail,omitempty"`
	Recovery RecoveryType `json:"recovery,omitempty"`
	Attempt  int          `json:"attempt,omitempty"`
}

func Unknown() InstanceStatus { return InstanceStatus{Kind: StatusUnknown} }
func Idle() InstanceStatus    { return InstanceStatus{Kind: StatusIdle} }
func Paused() InstanceStatus  { return InstanceStatus{Kind: StatusPaused} }

func Working(detail string) InstanceStatus {
	return InstanceStatus{Kind: StatusWorking, Detail: detail}
}

func Recovering(rt RecoveryType, attempt int) InstanceStatus {
	return InstanceStatus{Kind: StatusRecovering, Recovery: rt, Attempt: attempt}
}

func Errored(reason string) InstanceStatus {
	return InstanceStatus{Kind: StatusError, Detail: reason}
}

func Unrecoverable(reason string) InstanceStatus {
	return InstanceStatus{Kind: StatusUnrecoverable, Detail: reason}
}

// Healthy reports whether the instance needs no attention.
func (s InstanceStatus) Healthy() bool {
	return s.Kind == StatusIdle || s.Kind == StatusWorking
}

// Terminal reports whether automatic supervision has given up on the
// instance. Leaving a terminal status requires an explicit reset.
func (s InstanceStatus) Terminal() bool {
	return s.Kind == StatusUnrecoverable || s.Kind == StatusPaused
}

func (s InstanceStatus) String() string {
	switch s.Kind {
	case StatusWorking:
		if s.Detail != "" {
			return fmt.Sprintf("working(%s)", s.Detail)
		}
		return "working"
	case StatusRecovering:
		return fmt.Sprintf("recovering(%s, attempt %d)", s.Recovery, s.Attempt)
	case StatusError, StatusUnrecoverable:
		if s.Detail != "" {
			return fmt.Sprintf("%s(%s)", s.Kind, s.Detail)
		}
	}
	return string(s.Kind)
}

// RecoveryType names the condition a recovery streak is trying to resolve.
type RecoveryType string

const (
	RecoveryConnection     RecoveryType = "connection"
	RecoveryStopGenerating RecoveryType = "stop_generating"
	RecoveryStuck          RecoveryType = "stuck"
	RecoveryForceStop      RecoveryType = "force_stop"
)

// InterventionCategory partitions intervention types for counting. Every
// InterventionType maps to exactly one category.
type InterventionCategory string

const (
	CategoryError    InterventionCategory = "error"
	CategoryPositive InterventionCategory = "positive"
	CategoryControl  InterventionCategory = "control"
	CategoryRecovery InterventionCategory = "recovery"
	CategoryUnknown  InterventionCategory = "unknown"
)

// InterventionType classifies what was observed in a window. It describes
// what happened, not the state the instance is in afterwards.
type InterventionType string

const (
	InterventionConnectionIssue  InterventionType = "connection_issue"
	InterventionGeneralError     InterventionType = "general_error"
	InterventionStuckGeneration  InterventionType = "stuck_generation"
	InterventionForceStopNeeded  InterventionType = "force_stop_needed"
	InterventionPositiveWork     InterventionType = "positive_working_state"
	InterventionNoneNeeded       InterventionType = "no_intervention_needed"
	InterventionSidebarActivity  InterventionType = "sidebar_activity"
	InterventionRecoveryInFlight InterventionType = "recovery_in_flight"
	InterventionLimitReached     InterventionType = "intervention_limit_reached"
	InterventionMonitoringPaused InterventionType = "monitoring_paused"
	InterventionUnclassified     InterventionType = "unclassified"
)

// Category returns the single category an intervention type belongs to.
func (t InterventionType) Category() InterventionCategory {
	switch t {
	case InterventionConnectionIssue, InterventionGeneralError, InterventionStuckGeneration, InterventionForceStopNeeded:
		return CategoryError
	case InterventionPositiveWork, InterventionNoneNeeded, InterventionSidebarActivity:
		return CategoryPositive
	case InterventionLimitReached, InterventionMonitoringPaused:
		return CategoryControl
	case InterventionRecoveryInFlight:
		return CategoryRecovery
	default:
		return CategoryUnknown
	}
}

// HeartbeatStatus is the liveness view of a window's hook, derived from
// heartbeat frames by the hook transport.
type HeartbeatStatus struct {
	Alive        bool      `json:"alive"`
	ResumeNeeded bool      `json:"resume_needed"`
	LastSeen     time.Time `json:"last_seen,omitempty"`
}

// MonitoredWindow is one supervised window within an instance.
type MonitoredWindow struct {
	ID           string          `json:"id"`
	Title        string          `json:"title,omitempty"`
	DocumentPath string          `json:"document_path,omitempty"`
	Paused       bool            `json:"paused"`
	HookPort     int             `json:"hook_port,omitempty"`
	Heartbeat    HeartbeatStatus `json:"heartbeat"`
}

// WindowID derives the stable window identity from the owning instance pid
// and the window's own identity token.
func WindowID(pid int, ident string) string {
	return fmt.Sprintf("%d:%s", pid, ident)
}

// MonitoredInstance is one supervised external process. Status is mutated
// only by the state store; enumeration sources leave it as StatusUnknown.
type MonitoredInstance struct {
	PID               int               `json:"pid"`
	DisplayName       string            `json:"display_name"`
	Status            InstanceStatus    `json:"status"`
	Windows           []MonitoredWindow `json:"windows"`
	InterventionCount uint64            `json:"intervention_count"`
}
