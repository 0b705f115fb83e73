package violation

import (
	"math"
	"strings"
	"time"
)

// Outcome is what a single policy decided for one observation.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeWarn
	OutcomeTrigger
)

// DurationPolicy accumulates wall-clock time while a condition holds across
// consecutive samples and triggers once the accumulated time reaches
// Threshold. Deltas are measured between samples of this policy only.
type DurationPolicy struct {
	Threshold time.Duration

	accumulated time.Duration
	lastSample  time.Time
	fired       bool
}

// NewDurationPolicy returns a policy that starts measuring from start.
func NewDurationPolicy(threshold time.Duration, start time.Time) *DurationPolicy {
	return &DurationPolicy{Threshold: threshold, lastSample: start}
}

// Observe records a sample taken at at. active reports whether the watched
// condition (no face, several faces) held in that sample.
func (p *DurationPolicy) Observe(active bool, at time.Time) Outcome {
	delta := p.advance(at)
	if !active {
		p.accumulated = 0
		p.fired = false
		return OutcomeNone
	}
	p.accumulated += delta
	if p.accumulated >= p.Threshold && !p.fired {
		p.fired = true
		return OutcomeTrigger
	}
	return OutcomeNone
}

// Skip moves the sample clock forward without accumulating. Used when the
// detector produced nothing for a tick.
func (p *DurationPolicy) Skip(at time.Time) {
	p.advance(at)
}

// Reset clears the accumulator and restarts measurement at at.
func (p *DurationPolicy) Reset(at time.Time) {
	p.accumulated = 0
	p.fired = false
	p.lastSample = at
}

// Accumulated returns the current streak length.
func (p *DurationPolicy) Accumulated() time.Duration { return p.accumulated }

func (p *DurationPolicy) advance(at time.Time) time.Duration {
	if p.lastSample.IsZero() {
		p.lastSample = at
		return 0
	}
	// Out-of-order samples contribute nothing.
	if !at.After(p.lastSample) {
		return 0
	}
	delta := at.Sub(p.lastSample)
	p.lastSample = at
	return delta
}

// CounterPolicy counts consecutive positive samples taken at a fixed
// cadence. It warns once per streak when the count reaches WarnAt and
// triggers when it reaches TriggerAt. A negative sample resets both the
// counter and the warned flag.
type CounterPolicy struct {
	WarnAt    int
	TriggerAt int

	count  int
	warned bool
}

// NewCounterPolicy returns a counter policy. warnAt <= 0 disables warnings.
func NewCounterPolicy(warnAt, triggerAt int) *CounterPolicy {
	return &CounterPolicy{WarnAt: warnAt, TriggerAt: triggerAt}
}

func (p *CounterPolicy) Observe(hit bool) Outcome {
	if !hit {
		p.count = 0
		p.warned = false
		return OutcomeNone
	}
	p.count++
	if p.count >= p.TriggerAt {
		return OutcomeTrigger
	}
	if p.WarnAt > 0 && p.count == p.WarnAt && !p.warned {
		p.warned = true
		return OutcomeWarn
	}
	return OutcomeNone
}

func (p *CounterPolicy) Count() int   { return p.count }
func (p *CounterPolicy) Warned() bool { return p.warned }

// PhonePolicy triggers on a single detection of Class above MinScore.
type PhonePolicy struct {
	Class    string
	MinScore float64
}

func (p PhonePolicy) Observe(detections []Detection) Outcome {
	for _, d := range detections {
		if strings.EqualFold(d.Class, p.Class) && d.Score > p.MinScore {
			return OutcomeTrigger
		}
	}
	return OutcomeNone
}

// RMS returns the root mean square of already normalised samples.
func RMS(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// RMSBytes returns the normalised RMS of unsigned 8-bit time-domain samples
// centred on 128, the layout produced by a browser analyser node.
func RMSBytes(samples []byte) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, b := range samples {
		v := (float64(b) - 128) / 128
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
