// Package threat scores security events against a source's recent history
// and recommends response actions. Scoring is deterministic and side-effect
// free: the same event, history and configuration always yield the same
// Assessment.
package threat

import (
	"time"

	"github.com/jmerrifield20/autoshield/internal/event"
	"github.com/jmerrifield20/autoshield/internal/history"
)

// Tier is a coarse severity bucket derived from the score.
type Tier string

const (
	TierLow      Tier = "low"
	TierMedium   Tier = "medium"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

// ActionKind is a response the engine may recommend.
type ActionKind string

const (
	ActionScanQuick   ActionKind = "scan_quick"
	ActionScanDeep    ActionKind = "scan_deep"
	ActionBlockSource ActionKind = "block_source"
	ActionLogOnly     ActionKind = "log_only"
)

// DispatchOrder is the fixed order in which recommended actions are carried
// out. Scans run before blocks so intelligence is gathered before access is
// cut off.
var DispatchOrder = []ActionKind{ActionScanQuick, ActionScanDeep, ActionBlockSource, ActionLogOnly}

// Assessment is the output of scoring a single event.
type Assessment struct {
	// Score is the aggregate threat score (0–100).
	Score int `json:"score"`

	// Tier is derived from Score using TierThresholds.
	Tier Tier `json:"tier"`

	// Actions is the recommended action set, in DispatchOrder.
	Actions []ActionKind `json:"recommended_actions"`

	// Reasoning records every scoring step in the order it was applied.
	Reasoning []string `json:"reasoning"`
}

// Has reports whether k is among the recommended actions.
func (a Assessment) Has(k ActionKind) bool {
	for _, x := range a.Actions {
		if x == k {
			return true
		}
	}
	return false
}

// Scorer assesses an event given the source's recent history.
type Scorer interface {
	Assess(ev event.Event, recent []history.Record) Assessment
}

// PatternRule adds Bonus to the score when at least Threshold events of
// Type are present in the history window.
type PatternRule struct {
	Type      event.Type
	Threshold int
	Bonus     int
}

// TierThresholds are the minimum scores for each tier above low.
type TierThresholds struct {
	Critical int
	High     int
	Medium   int
}

// Config holds every tunable of the engine.
type Config struct {
	BaseScores       map[event.Type]int
	DefaultBaseScore int
	Whitelist        *Whitelist

	// Window is the history span considered for frequency and patterns.
	Window time.Duration

	// FrequencyStep is added to the multiplier for every recent event beyond
	// the first; FrequencyCap bounds it and is itself capped at 2.0.
	FrequencyStep float64
	FrequencyCap  float64

	Patterns []PatternRule
	Tiers    TierThresholds

	// ActionThreshold selects type-specific actions; scores in
	// [QuickLookThreshold, ActionThreshold) get a quick scan.
	ActionThreshold    int
	QuickLookThreshold int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		BaseScores: map[event.Type]int{
			event.FailedLoginAttempt:     10,
			event.SuspiciousPortScan:     40,
			event.ConfirmedBruteForce:    90,
			event.ConfirmedAttack:        95,
			event.HighCPUUsage:           20,
			event.HighMemoryUsage:        20,
			event.UnusualNetworkActivity: 50,
			event.MalwareDetected:        100,
		},
		DefaultBaseScore: 50,
		Whitelist:        MustWhitelist("127.0.0.1", "::1"),
		Window:           24 * time.Hour,
		FrequencyStep:    0.2,
		FrequencyCap:     2.0,
		Patterns: []PatternRule{
			{Type: event.FailedLoginAttempt, Threshold: 5, Bonus: 30},
		},
		Tiers:              TierThresholds{Critical: 80, High: 60, Medium: 30},
		ActionThreshold:    70,
		QuickLookThreshold: 40,
	}
}

// tierFor maps a 0–100 score to a tier.
func tierFor(score int, t TierThresholds) Tier {
	switch {
	case score >= t.Critical:
		return TierCritical
	case score >= t.High:
		return TierHigh
	case score >= t.Medium:
		return TierMedium
	default:
		return TierLow
	}
}
