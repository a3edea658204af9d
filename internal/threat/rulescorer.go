package threat

import (
	"fmt"
	"math"
	"time"

	"github.com/jmerrifield20/autoshield/internal/event"
	"github.com/jmerrifield20/autoshield/internal/history"
)

// maxFrequencyCap is the hard upper bound on the frequency multiplier.
const maxFrequencyCap = 2.0

// scoreEpsilon absorbs float error before truncating (10 × 1.4 must be 14).
const scoreEpsilon = 1e-9

// adjustment inspects the event and its window and may change the running
// score. It returns the new score and a reason when it applied.
type adjustment func(ev event.Event, recent []history.Record, score float64) (float64, string, bool)

// RuleBasedScorer is the default Scorer. It starts from a per-type base
// score and applies a fixed chain of adjustments, recording a reason for
// each one that fires.
type RuleBasedScorer struct {
	cfg   Config
	rules []adjustment
}

// NewRuleBasedScorer returns a scorer for cfg. Zero-valued fields fall back
// to DefaultConfig.
func NewRuleBasedScorer(cfg Config) *RuleBasedScorer {
	def := DefaultConfig()
	if cfg.BaseScores == nil {
		cfg.BaseScores = def.BaseScores
	}
	if cfg.DefaultBaseScore == 0 {
		cfg.DefaultBaseScore = def.DefaultBaseScore
	}
	if cfg.Window == 0 {
		cfg.Window = def.Window
	}
	if cfg.FrequencyCap <= 0 || cfg.FrequencyCap > maxFrequencyCap {
		cfg.FrequencyCap = maxFrequencyCap
	}
	if cfg.FrequencyStep < 0 {
		cfg.FrequencyStep = 0
	}
	if cfg.Tiers == (TierThresholds{}) {
		cfg.Tiers = def.Tiers
	}
	if cfg.ActionThreshold == 0 {
		cfg.ActionThreshold = def.ActionThreshold
	}
	if cfg.QuickLookThreshold == 0 {
		cfg.QuickLookThreshold = def.QuickLookThreshold
	}

	s := &RuleBasedScorer{cfg: cfg}
	s.rules = []adjustment{
		s.ruleFrequency,
		s.rulePatterns,
	}
	return s
}

// Config returns the effective configuration.
func (s *RuleBasedScorer) Config() Config { return s.cfg }

// Window returns the history span the scorer expects to be given.
func (s *RuleBasedScorer) Window() time.Duration { return s.cfg.Window }

// Assess implements Scorer. recent should hold the source's records within
// Window, including the event being assessed.
func (s *RuleBasedScorer) Assess(ev event.Event, recent []history.Record) Assessment {
	base, ok := s.cfg.BaseScores[ev.Type]
	if !ok {
		base = s.cfg.DefaultBaseScore
	}
	reasoning := []string{fmt.Sprintf("base score for %s: %d", ev.Type, base)}

	if s.cfg.Whitelist.Contains(ev.SourceID) {
		reasoning = append(reasoning, fmt.Sprintf("source %s is whitelisted: score set to 0", ev.SourceID))
		return Assessment{
			Score:     0,
			Tier:      TierLow,
			Actions:   []ActionKind{},
			Reasoning: reasoning,
		}
	}

	score := float64(base)
	for _, r := range s.rules {
		next, reason, applied := r(ev, recent, score)
		if applied {
			score = next
			reasoning = append(reasoning, reason)
		}
	}

	final := int(math.Floor(score + scoreEpsilon))
	if final > 100 {
		reasoning = append(reasoning, fmt.Sprintf("score %d capped at 100", final))
		final = 100
	}
	if final < 0 {
		final = 0
	}

	tier := tierFor(final, s.cfg.Tiers)
	reasoning = append(reasoning, fmt.Sprintf("final score %d: tier %s", final, tier))

	actions, why := s.selectActions(ev.Type, final)
	reasoning = append(reasoning, why)

	return Assessment{
		Score:     final,
		Tier:      tier,
		Actions:   actions,
		Reasoning: reasoning,
	}
}

// ── Rules ─────────────────────────────────────────────────────────────────────

// ruleFrequency scales the score by how often the source was seen in the
// window. The multiplier never drops below 1 and never exceeds FrequencyCap.
func (s *RuleBasedScorer) ruleFrequency(_ event.Event, recent []history.Record, score float64) (float64, string, bool) {
	n := len(recent)
	if n <= 1 {
		return score, "", false
	}
	m := 1 + s.cfg.FrequencyStep*float64(n-1)
	if m > s.cfg.FrequencyCap {
		m = s.cfg.FrequencyCap
	}
	return score * m, fmt.Sprintf("%d events in %s: score multiplied by %.1fx", n, s.cfg.Window, m), true
}

// rulePatterns adds the bonus of every pattern rule whose event type matches
// and whose threshold is met in the window.
func (s *RuleBasedScorer) rulePatterns(ev event.Event, recent []history.Record, score float64) (float64, string, bool) {
	applied := false
	var reason string
	for _, p := range s.cfg.Patterns {
		if p.Type != ev.Type || p.Threshold <= 0 {
			continue
		}
		count := 0
		for _, r := range recent {
			if r.Type == p.Type {
				count++
			}
		}
		if count < p.Threshold {
			continue
		}
		score += float64(p.Bonus)
		if applied {
			reason += "; "
		}
		reason += fmt.Sprintf("%d %s events (threshold %d): +%d points", count, p.Type, p.Threshold, p.Bonus)
		applied = true
	}
	return score, reason, applied
}

func (s *RuleBasedScorer) selectActions(t event.Type, score int) ([]ActionKind, string) {
	switch {
	case score >= s.cfg.ActionThreshold:
		switch t {
		case event.ConfirmedAttack, event.ConfirmedBruteForce:
			return []ActionKind{ActionScanDeep, ActionBlockSource},
				fmt.Sprintf("score %d >= action threshold %d: confirmed attack, deep scan and block", score, s.cfg.ActionThreshold)
		case event.SuspiciousPortScan:
			return []ActionKind{ActionScanDeep},
				fmt.Sprintf("score %d >= action threshold %d: port scan, deep scan", score, s.cfg.ActionThreshold)
		default:
			return []ActionKind{ActionScanQuick},
				fmt.Sprintf("score %d >= action threshold %d: quick scan", score, s.cfg.ActionThreshold)
		}
	case score >= s.cfg.QuickLookThreshold:
		return []ActionKind{ActionScanQuick},
			fmt.Sprintf("score %d >= quick-look threshold %d: quick scan", score, s.cfg.QuickLookThreshold)
	default:
		return []ActionKind{ActionLogOnly},
			fmt.Sprintf("score %d below quick-look threshold %d: log only", score, s.cfg.QuickLookThreshold)
	}
}
