// Package pacing spaces sends out the way an operator working by hand would:
// a uniform random gap between messages and an occasional long break.
package pacing

import (
	"fmt"
	"math/rand"
	"time"
)

// Policy bounds every random draw; all ranges are inclusive.
type Policy struct {
	DelayMin      time.Duration
	DelayMax      time.Duration
	BreakEveryMin int
	BreakEveryMax int
	BreakMin      time.Duration
	BreakMax      time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		DelayMin:      25 * time.Second,
		DelayMax:      35 * time.Second,
		BreakEveryMin: 93,
		BreakEveryMax: 100,
		BreakMin:      10 * time.Minute,
		BreakMax:      15 * time.Minute,
	}
}

func (p Policy) Validate() error {
	if p.DelayMin < 0 || p.DelayMax < p.DelayMin {
		return fmt.Errorf("invalid delay range [%s, %s]", p.DelayMin, p.DelayMax)
	}
	if p.BreakEveryMin < 1 || p.BreakEveryMax < p.BreakEveryMin {
		return fmt.Errorf("invalid long break threshold range [%d, %d]", p.BreakEveryMin, p.BreakEveryMax)
	}
	if p.BreakMin < 0 || p.BreakMax < p.BreakMin {
		return fmt.Errorf("invalid long break range [%s, %s]", p.BreakMin, p.BreakMax)
	}
	return nil
}

// Pacer tracks the long-break counter for one run. It is not safe for
// concurrent use; the dispatch loop owns it.
type Pacer struct {
	policy         Policy
	randInt63n     func(n int64) int64
	sinceLastBreak int
	nextBreakAfter int
}

func NewPacer(policy Policy, randInt63n func(n int64) int64) (*Pacer, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if randInt63n == nil {
		randInt63n = rand.Int63n
	}

	p := &Pacer{
		policy:     policy,
		randInt63n: randInt63n,
	}
	p.nextBreakAfter = p.drawThreshold()
	return p, nil
}

// NextDelay draws the gap to wait after a contact was attempted.
func (p *Pacer) NextDelay() time.Duration {
	return time.Duration(p.uniform(int64(p.policy.DelayMin), int64(p.policy.DelayMax)))
}

// RecordSend counts one paced message and reports the long break to take, if
// the threshold was reached. Reaching it resets the counter and redraws the threshold.
func (p *Pacer) RecordSend() (time.Duration, bool) {
	p.sinceLastBreak++
	if p.sinceLastBreak < p.nextBreakAfter {
		return 0, false
	}

	p.sinceLastBreak = 0
	p.nextBreakAfter = p.drawThreshold()
	return time.Duration(p.uniform(int64(p.policy.BreakMin), int64(p.policy.BreakMax))), true
}

// SinceLastBreak returns the number of sends counted since the last long break.
func (p *Pacer) SinceLastBreak() int { return p.sinceLastBreak }

// NextBreakAfter returns the current long break threshold.
func (p *Pacer) NextBreakAfter() int { return p.nextBreakAfter }

func (p *Pacer) drawThreshold() int {
	return int(p.uniform(int64(p.policy.BreakEveryMin), int64(p.policy.BreakEveryMax)))
}

func (p *Pacer) uniform(lo, hi int64) int64 {
	if hi <= lo {
		return lo
	}
	return lo + p.randInt63n(hi-lo+1)
}
