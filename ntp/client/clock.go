/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package client

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Knetic/govaluate"
	srvstats "github.com/facebook/netclock/ntp/stats"
	"github.com/facebookgo/clock"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Estimate is a combined view of network time built from trusted associations
type Estimate struct {
	// Offset is network time minus device time
	Offset time.Duration
	// Dispersion is combined error estimate, aged since ComputedAt
	Dispersion time.Duration
	Jitter     time.Duration
	Delay      time.Duration
	Trusted    int
	// LowConfidence is set when the last recompute found no trusted association
	// and Offset is carried over from before
	LowConfidence bool
	// ComputedAt is device time of the last recompute which had trusted associations
	ComputedAt time.Time
}

// ClockOption configures Clock
type ClockOption func(*Clock)

// WithTimeSource sets device clock used by Clock and all its associations
func WithTimeSource(c clock.Clock) ClockOption {
	return func(nc *Clock) {
		nc.clock = c
	}
}

// WithStatsServer sets stats server shared by Clock and all its associations
func WithStatsServer(s StatsServer) ClockOption {
	return func(nc *Clock) {
		nc.stats = s
	}
}

// WithAssociationOptions passes options to every association
func WithAssociationOptions(opts ...AssociationOption) ClockOption {
	return func(nc *Clock) {
		nc.assocOpts = append(nc.assocOpts, opts...)
	}
}

// Clock combines multiple associations into a single network time estimate
type Clock struct {
	cfg          *Config
	clock        clock.Clock
	stats        StatsServer
	assocOpts    []AssociationOption
	associations []*Association
	weightExpr   *govaluate.EvaluableExpression

	mux      sync.RWMutex
	estimate Estimate
	selected map[string]bool
}

// NewClock creates Clock with one association per host. Associations are not enabled.
func NewClock(cfg *Config, hosts []Host, opts ...ClockOption) (*Clock, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("at least one server must be specified")
	}
	c := &Clock{
		cfg:      cfg,
		selected: map[string]bool{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.stats == nil {
		c.stats = NewStats()
	}
	if cfg.WeightExpr != "" {
		expr, err := prepareExpression(cfg.WeightExpr)
		if err != nil {
			return nil, fmt.Errorf("preparing weight expression: %w", err)
		}
		c.weightExpr = expr
	}
	assocOpts := append([]AssociationOption{WithClock(c.clock), WithStats(c.stats)}, c.assocOpts...)
	for _, h := range dedupHosts(hosts) {
		c.associations = append(c.associations, NewAssociation(h, cfg, assocOpts...))
	}
	return c, nil
}

// Associations returns associations in the order hosts were given
func (c *Clock) Associations() []*Association {
	res := make([]*Association, len(c.associations))
	copy(res, c.associations)
	return res
}

// Start enables all associations
func (c *Clock) Start() {
	log.Infof("starting %d associations", len(c.associations))
	for _, a := range c.associations {
		a.Enable()
	}
}

// Finish disables all associations
func (c *Clock) Finish() {
	for _, a := range c.associations {
		a.Finish()
	}
}

// Run starts associations, recomputes estimate and publishes stats
// until ctx is cancelled. Associations are finished on return.
func (c *Clock) Run(ctx context.Context) error {
	c.Start()
	defer c.Finish()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		ticker := c.clock.Ticker(c.cfg.CacheWindow)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				e := c.Recompute()
				c.PublishStats()
				log.Debugf("estimate: offset=%v dispersion=%v jitter=%v trusted=%d lowconfidence=%v",
					e.Offset, e.Dispersion, e.Jitter, e.Trusted, e.LowConfidence)
			}
		}
	})
	eg.Go(func() error {
		ticker := c.clock.Ticker(c.cfg.MetricsAggregationWindow)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				c.stats.Reset()
			}
		}
	})
	return eg.Wait()
}

// NetworkTime returns current device time corrected by the combined offset
func (c *Clock) NetworkTime() time.Time {
	now := c.clock.Now()
	e := c.current(now)
	return now.Add(e.Offset)
}

// Offset returns combined offset, network time minus device time
func (c *Clock) Offset() time.Duration {
	return c.current(c.clock.Now()).Offset
}

// Estimate returns current estimate, recomputing it if the cached one is too old
func (c *Clock) Estimate() Estimate {
	return c.current(c.clock.Now())
}

// Bounds returns interval network time is believed to be in
func (c *Clock) Bounds() (earliest, latest time.Time) {
	now := c.clock.Now()
	e := c.current(now)
	maxErr := c.cfg.MaxDispersion
	if !e.ComputedAt.IsZero() {
		maxErr = e.Dispersion + e.Delay/2
	}
	t := now.Add(e.Offset)
	return t.Add(-maxErr), t.Add(maxErr)
}

// Recompute recomputes estimate regardless of the cache
func (c *Clock) Recompute() Estimate {
	now := c.clock.Now()
	c.mux.Lock()
	defer c.mux.Unlock()
	c.recomputeLocked(now)
	return c.agedLocked(now)
}

func (c *Clock) stale(e Estimate, now time.Time) bool {
	return e.ComputedAt.IsZero() || now.Sub(e.ComputedAt) >= c.cfg.CacheWindow
}

func (c *Clock) current(now time.Time) Estimate {
	c.mux.RLock()
	e := c.estimate
	c.mux.RUnlock()
	if !c.stale(e, now) {
		return c.age(e, now)
	}

	c.mux.Lock()
	defer c.mux.Unlock()
	// someone else could have done it while we were waiting for the lock
	if c.stale(c.estimate, now) {
		c.recomputeLocked(now)
	}
	return c.agedLocked(now)
}

func (c *Clock) agedLocked(now time.Time) Estimate {
	return c.age(c.estimate, now)
}

// age grows dispersion of the estimate with time since it was computed
func (c *Clock) age(e Estimate, now time.Time) Estimate {
	if e.ComputedAt.IsZero() {
		return e
	}
	if d := now.Sub(e.ComputedAt); d > 0 {
		e.Dispersion += time.Duration(c.cfg.DriftRate * float64(d))
	}
	return e
}

func (c *Clock) recomputeLocked(now time.Time) {
	c.stats.UpdateCounterBy(counterRecomputes, 1)
	trusted := []*AssociationStats{}
	for _, a := range c.associations {
		s := a.Stats()
		if s.Trusty && !s.LastUpdate.IsZero() {
			trusted = append(trusted, s)
		}
	}
	c.selected = map[string]bool{}
	if len(trusted) == 0 {
		if !c.estimate.LowConfidence {
			log.Warningf("%v among %d associations, keeping offset %v", ErrNoTrustedSource, len(c.associations), c.estimate.Offset)
		}
		c.estimate.LowConfidence = true
		c.estimate.Trusted = 0
		return
	}

	weights := c.weights(trusted)
	var sumW, offset, dispersion, delay float64
	for i, s := range trusted {
		w := weights[i]
		if w == 0 {
			continue
		}
		c.selected[s.Server] = true
		sumW += w
		offset += w * float64(s.Offset)
		dispersion += w * float64(s.AgedDispersion)
		delay += w * float64(s.Delay)
	}
	offset /= sumW
	var jitter float64
	for i, s := range trusted {
		d := float64(s.Offset) - offset
		jitter += weights[i] * d * d
	}
	jitter = math.Sqrt(jitter / sumW)

	if c.estimate.LowConfidence {
		log.Infof("trusted associations are back: %d", len(trusted))
	}
	c.estimate = Estimate{
		Offset:     time.Duration(math.Round(offset)),
		Dispersion: time.Duration(dispersion / sumW),
		Jitter:     time.Duration(jitter),
		Delay:      time.Duration(delay / sumW),
		Trusted:    len(trusted),
		ComputedAt: now,
	}
}

// weights returns weight of every trusted association according to configured policy
func (c *Clock) weights(trusted []*AssociationStats) []float64 {
	weights := make([]float64, len(trusted))
	equal := func() []float64 {
		for i := range weights {
			weights[i] = 1
		}
		return weights
	}
	switch c.cfg.Combine {
	case CombineAverage:
		return equal()
	case CombineBest:
		best := 0
		for i, s := range trusted {
			if s.AgedDispersion < trusted[best].AgedDispersion {
				best = i
			}
		}
		weights[best] = 1
		return weights
	}

	if c.weightExpr != nil {
		for i, s := range trusted {
			w, err := evaluateWeight(c.weightExpr, s)
			if err != nil {
				log.Warningf("failed to evaluate weight for %s: %v, using equal weights", s.Server, err)
				return equal()
			}
			weights[i] = w
		}
		return weights
	}

	// inverse dispersion. Falls back to plain mean when it can't tell servers apart
	allEqual := true
	for _, s := range trusted {
		if s.AgedDispersion <= 0 {
			return equal()
		}
		if s.AgedDispersion != trusted[0].AgedDispersion {
			allEqual = false
		}
	}
	if allEqual {
		return equal()
	}
	for i, s := range trusted {
		weights[i] = 1 / s.AgedDispersion.Seconds()
	}
	return weights
}

// ServerStats returns stats of every association. Associations combined
// by the last recompute are marked as selected.
func (c *Clock) ServerStats() srvstats.Stats {
	c.mux.RLock()
	selected := make(map[string]bool, len(c.selected))
	for k, v := range c.selected {
		selected[k] = v
	}
	c.mux.RUnlock()

	result := make(srvstats.Stats, 0, len(c.associations))
	for _, a := range c.associations {
		s := a.Stats()
		result = append(result, associationStatsToStat(s, selected[s.Server]))
	}
	return result
}

// PublishStats pushes per server stats and estimate counters to stats server
func (c *Clock) PublishStats() {
	for _, s := range c.ServerStats() {
		c.stats.SetServerStats(s)
	}
	c.mux.RLock()
	e := c.estimate
	c.mux.RUnlock()
	e = c.age(e, c.clock.Now())
	c.stats.SetCounter(counterOffset, int64(e.Offset))
	c.stats.SetCounter(counterDispersion, int64(e.Dispersion))
	c.stats.SetCounter(counterJitter, int64(e.Jitter))
	c.stats.SetCounter(counterTrusted, int64(e.Trusted))
	lowConfidence := int64(0)
	if e.LowConfidence || e.ComputedAt.IsZero() {
		lowConfidence = 1
	}
	c.stats.SetCounter(counterLowConfidence, lowConfidence)
}
