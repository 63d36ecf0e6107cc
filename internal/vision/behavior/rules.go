package behavior

import (
	"fmt"

	"github.com/kestrel-vision/kestrel/internal/config"
	"github.com/kestrel-vision/kestrel/internal/vision/detect"
)

// Rule is the contract every suspicious-behaviour rule implements: a pure
// function over the windowed feature set. Rules must not retain or mutate
// the window; an error (or panic) is isolated to the track under evaluation.
type Rule interface {
	Name() string
	Evaluate(w *Window) (Verdict, error)
}

// Verdict is a rule's judgement of one window.
type Verdict struct {
	Hold       bool    // true when the rule considers the behaviour suspicious
	Confidence float64 // [0, 1]
	Evidence   string  // Human-readable supporting summary
}

// Confidence levels shared by the built-in rules.
const (
	highConfidence   = 0.85
	mediumConfidence = 0.70
)

// LoiterRule raises when a track has been present for more than FrameLimit
// observations. This is the original deployment's core behaviour: a person
// lingering in view of the capture region beyond the allowed dwell.
type LoiterRule struct {
	FrameLimit int
}

// Name implements Rule.
func (r *LoiterRule) Name() string { return "loiter" }

// Evaluate implements Rule.
func (r *LoiterRule) Evaluate(w *Window) (Verdict, error) {
	if w.TotalFrames <= r.FrameLimit {
		return Verdict{}, nil
	}
	// Confidence grows with the overshoot, saturating at 2x the limit.
	over := float64(w.TotalFrames-r.FrameLimit) / float64(r.FrameLimit)
	conf := mediumConfidence + (highConfidence-mediumConfidence)*over
	if conf > highConfidence {
		conf = highConfidence
	}
	return Verdict{
		Hold:       true,
		Confidence: conf,
		Evidence:   fmt.Sprintf("present for %d frames (limit %d), dwell %.1fs", w.TotalFrames, r.FrameLimit, float64(w.DwellNanos())/1e9),
	}, nil
}

// ZoneRule raises when a track's centre stays inside a restricted zone for
// more than FrameLimit of the windowed observations.
type ZoneRule struct {
	Zone       detect.BBox
	FrameLimit int
}

// Name implements Rule.
func (r *ZoneRule) Name() string { return "zone" }

// Evaluate implements Rule.
func (r *ZoneRule) Evaluate(w *Window) (Verdict, error) {
	if r.Zone.Area() <= 0 {
		return Verdict{}, fmt.Errorf("zone rule configured with empty zone")
	}
	inside := w.FramesInside(r.Zone)
	if inside <= r.FrameLimit {
		return Verdict{}, nil
	}
	return Verdict{
		Hold:       true,
		Confidence: highConfidence,
		Evidence:   fmt.Sprintf("%d of %d windowed frames inside zone (limit %d)", inside, len(w.Obs), r.FrameLimit),
	}, nil
}

// ErraticRule raises when the standard deviation of the windowed speed
// series exceeds SpeedStddevLimit — rapid stop/start or direction-flip
// movement patterns.
type ErraticRule struct {
	SpeedStddevLimit float64 // px/sec
}

// Name implements Rule.
func (r *ErraticRule) Name() string { return "erratic" }

// Evaluate implements Rule.
func (r *ErraticRule) Evaluate(w *Window) (Verdict, error) {
	mean, stddev := w.SpeedStats()
	if stddev <= r.SpeedStddevLimit {
		return Verdict{}, nil
	}
	return Verdict{
		Hold:       true,
		Confidence: mediumConfidence,
		Evidence:   fmt.Sprintf("speed stddev %.1f px/s exceeds %.1f (mean %.1f)", stddev, r.SpeedStddevLimit, mean),
	}, nil
}

// RulesFromTuning instantiates the rule set named by enabled_rules with the
// per-rule parameters from the tuning config.
func RulesFromTuning(cfg *config.TuningConfig) ([]Rule, error) {
	var rules []Rule
	for _, name := range cfg.GetEnabledRules() {
		switch name {
		case "loiter":
			rules = append(rules, &LoiterRule{FrameLimit: cfg.GetLoiterFrameLimit()})
		case "zone":
			x, y, w, h := cfg.GetZone()
			rules = append(rules, &ZoneRule{
				Zone:       detect.BBox{X: x, Y: y, W: w, H: h},
				FrameLimit: cfg.GetZoneFrameLimit(),
			})
		case "erratic":
			rules = append(rules, &ErraticRule{SpeedStddevLimit: cfg.GetErraticSpeedStddev()})
		default:
			return nil, fmt.Errorf("unknown rule %q", name)
		}
	}
	return rules, nil
}
