package intervene

import (
	"time"

	"warden/internal/model"
)

// Observation is the fixed vocabulary the supervision loop can see in one
// window: presence of a handful of UI affordances plus elapsed time since
// the window last visibly changed.
type Observation struct {
	Generating      bool
	ErrorBanner     bool
	StopButton      bool
	ConnectionError bool
	ResumeLink      bool
	InputField      bool
	SidebarActivity bool
	IdleFor         time.Duration
}

// Thresholds are the tunable elapsed-time cutoffs for the stuck heuristics.
// They are configuration, not invariants; the supervised application's UI
// changes between versions.
type Thresholds struct {
	StuckAfter     time.Duration
	ForceStopAfter time.Duration
}

// Classify maps an observation to an intervention type. Pure function:
// same observation, same answer.
func Classify(obs Observation, th Thresholds) model.InterventionType {
	switch {
	case obs.ConnectionError:
		return model.InterventionConnectionIssue
	case obs.ErrorBanner:
		return model.InterventionGeneralError
	case obs.Generating && th.ForceStopAfter > 0 && obs.IdleFor >= th.ForceStopAfter:
		return model.InterventionForceStopNeeded
	case obs.Generating && th.StuckAfter > 0 && obs.IdleFor >= th.StuckAfter:
		return model.InterventionStuckGeneration
	case obs.Generating || obs.StopButton:
		return model.InterventionPositiveWork
	case obs.SidebarActivity:
		return model.InterventionSidebarActivity
	case obs.InputField:
		return model.InterventionNoneNeeded
	default:
		return model.InterventionUnclassified
	}
}

// recoveryTypeFor maps an error-category classification to the recovery
// streak it belongs to.
func recoveryTypeFor(t model.InterventionType) model.RecoveryType {
	switch t {
	case model.InterventionConnectionIssue:
		return model.RecoveryConnection
	case model.InterventionStuckGeneration:
		return model.RecoveryStopGenerating
	case model.InterventionForceStopNeeded:
		return model.RecoveryForceStop
	default:
		return model.RecoveryStuck
	}
}
