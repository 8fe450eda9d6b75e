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
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/facebook/netclock/dscp"
	ntp "github.com/facebook/netclock/ntp/protocol"
	"github.com/facebookgo/clock"
	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrTimeout is returned when no valid reply arrived before the deadline
	ErrTimeout = errors.New("ntp exchange timed out")
	// ErrNoTrustedSource is reported when none of the associations can be trusted
	ErrNoTrustedSource = errors.New("no trusted source")
)

// distantFuture is the next query time of a finished association
var distantFuture = time.Unix(0, math.MaxInt64)

// Dialer opens connections to servers
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type associationState int

const (
	stateCreated associationState = iota
	stateArmed
	stateFinished
)

// Sample is a result of a single successful exchange with a server
type Sample struct {
	Packet     *ntp.Packet
	T1         ntp.Timestamp // client transmit
	T2         ntp.Timestamp // server receive
	T3         ntp.Timestamp // server transmit
	T4         ntp.Timestamp // client receive
	Received   time.Time
	Offset     time.Duration
	Delay      time.Duration
	Dispersion time.Duration
	Trusty     bool
}

// AssociationStats is a point in time snapshot of an Association
type AssociationStats struct {
	Server         string
	AlwaysTrust    bool
	Trusty         bool
	Leap           uint8
	Version        uint8
	Mode           uint8
	Stratum        uint8
	Poll           int8
	Precision      int8
	RootDelay      time.Duration
	RootDispersion time.Duration
	ReferenceID    uint32
	ReferenceTime  time.Time
	Offset         time.Duration
	Delay          time.Duration
	// Dispersion as evaluated at the last exchange
	Dispersion time.Duration
	// AgedDispersion grows by DriftRate since the last exchange
	AgedDispersion time.Duration
	Jitter         time.Duration
	Reach          uint8
	LastUpdate     time.Time
	LastError      error
	NextQuery      time.Time
	Sent           int64
	Received       int64
	Timeouts       int64
	Malformed      int64
}

// AssociationOption configures Association
type AssociationOption func(*Association)

// WithClock sets clock used for timestamps and scheduling
func WithClock(c clock.Clock) AssociationOption {
	return func(a *Association) {
		a.clock = c
	}
}

// WithDialer sets dialer used to reach the server
func WithDialer(d Dialer) AssociationOption {
	return func(a *Association) {
		a.dialer = d
	}
}

// WithStats sets stats server for counters
func WithStats(s StatsServer) AssociationOption {
	return func(a *Association) {
		a.stats = s
	}
}

// Association polls a single NTP server and evaluates quality of its time
type Association struct {
	host    Host
	address string
	cfg     *Config
	clock   clock.Clock
	dialer  Dialer
	stats   StatsServer

	mux        sync.Mutex
	state      associationState
	timer      *clock.Timer
	nextQuery  time.Time
	last       ntp.Packet
	offset     time.Duration
	delay      time.Duration
	dispersion time.Duration
	trusty     bool
	lastUpdate time.Time
	lastErr    error
	reach      uint8
	offsets    *slidingWindow
	sent       int64
	received   int64
	timeouts   int64
	malformed  int64
}

// NewAssociation creates disabled Association for the host
func NewAssociation(host Host, cfg *Config, opts ...AssociationOption) *Association {
	a := &Association{
		host:    host,
		address: hostPort(host.Address, cfg.Port),
		cfg:     cfg,
		offsets: newSlidingWindow(cfg.JitterSamples),
	}
	for _, o := range opts {
		o(a)
	}
	if a.clock == nil {
		a.clock = clock.New()
	}
	if a.dialer == nil {
		a.dialer = &net.Dialer{Control: dscp.Control(cfg.DSCP)}
	}
	if a.stats == nil {
		a.stats = NewStats()
	}
	return a
}

// Server returns server address as configured
func (a *Association) Server() string {
	return a.host.Address
}

// Address returns host:port we send requests to
func (a *Association) Address() string {
	return a.address
}

// Enable arms the association: first query is sent after random delay
// within StartupJitter, every next one PollInterval after previous completes.
func (a *Association) Enable() {
	a.mux.Lock()
	defer a.mux.Unlock()
	if a.state != stateCreated {
		return
	}
	a.state = stateArmed
	var jitter time.Duration
	if a.cfg.StartupJitter > 0 {
		jitter = time.Duration(rand.Int63n(int64(a.cfg.StartupJitter) + 1))
	}
	log.Debugf("[%s] first query in %v", a.address, jitter)
	a.scheduleLocked(jitter)
}

// Finish disarms the association. Safe to call multiple times and concurrently.
// Exchange in flight still records its result but does not schedule the next one.
func (a *Association) Finish() {
	a.mux.Lock()
	defer a.mux.Unlock()
	a.state = stateFinished
	a.nextQuery = distantFuture
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Association) scheduleLocked(d time.Duration) {
	a.nextQuery = a.clock.Now().Add(d)
	a.timer = a.clock.AfterFunc(d, a.run)
}

func (a *Association) run() {
	a.mux.Lock()
	if a.state != stateArmed {
		a.mux.Unlock()
		return
	}
	a.mux.Unlock()

	// errors are recorded in association state
	_, _ = a.query(context.Background())

	a.mux.Lock()
	defer a.mux.Unlock()
	if a.state != stateArmed {
		return
	}
	a.scheduleLocked(a.cfg.PollInterval)
}

// QueryOnce runs single exchange right now, outside of the schedule.
// Result updates association state the same way scheduled exchange does.
func (a *Association) QueryOnce(ctx context.Context) (*Sample, error) {
	return a.query(ctx)
}

func (a *Association) query(ctx context.Context) (*Sample, error) {
	s, err := a.exchange(ctx)

	a.mux.Lock()
	defer a.mux.Unlock()
	a.reach <<= 1
	if err != nil {
		a.lastErr = err
		switch {
		case errors.Is(err, ErrTimeout):
			a.timeouts++
			a.stats.UpdateCounterBy(counterTimeouts, 1)
		case errors.Is(err, ntp.ErrMalformedPacket):
			// counted when discarded
		default:
			a.stats.UpdateCounterBy(counterErrors, 1)
		}
		log.Warningf("[%s] exchange failed: %v", a.address, err)
		return nil, err
	}
	a.applyLocked(s)
	return s, nil
}

func (a *Association) applyLocked(s *Sample) {
	a.last = *s.Packet
	a.offset = s.Offset
	a.delay = s.Delay
	a.dispersion = s.Dispersion
	a.trusty = s.Trusty
	a.lastUpdate = s.Received
	a.lastErr = nil
	a.reach |= 1
	a.offsets.add(float64(s.Offset))
	a.received++
	a.stats.UpdateCounterBy(counterReceived, 1)
}

func (a *Association) countMalformed() {
	a.mux.Lock()
	a.malformed++
	a.mux.Unlock()
	a.stats.UpdateCounterBy(counterMalformed, 1)
}

func (a *Association) logSent(msg string, v ...interface{}) {
	log.Debug(color.GreenString("[%s] client -> %s", a.address, fmt.Sprintf(msg, v...)))
}

func (a *Association) logReceive(msg string, v ...interface{}) {
	log.Debug(color.BlueString("[%s] server -> %s", a.address, fmt.Sprintf(msg, v...)))
}

// exchange sends one request and waits for the matching reply
func (a *Association) exchange(ctx context.Context) (*Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	conn, err := a.dialer.DialContext(ctx, "udp", a.address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", a.address, err)
	}
	defer conn.Close()

	if err := dscp.SetTTL(conn, a.cfg.TTL); err != nil {
		log.Warningf("[%s] failed to set ttl: %v", a.address, err)
	}
	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("setting deadline: %w", err)
	}
	// unblock read if parent context is cancelled
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	request, t1, err := ntp.EncodeRequest(a.cfg.Version, a.clock.Now())
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(request); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	a.mux.Lock()
	a.sent++
	a.mux.Unlock()
	a.stats.UpdateCounterBy(counterSent, 1)
	a.logSent("request (T1=%s)", t1)

	lastErr := ErrTimeout
	// one extra byte to spot oversized packets
	buf := make([]byte, ntp.PacketSizeBytes+1)
	for {
		n, err := conn.Read(buf)
		received := a.clock.Now()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if parentErr := context.Cause(ctx); errors.Is(parentErr, context.Canceled) {
					return nil, parentErr
				}
				return nil, lastErr
			}
			return nil, fmt.Errorf("reading reply: %w", err)
		}
		reply, err := ntp.DecodeReply(buf[:n])
		if err == nil && reply.OrigTime() != t1 {
			err = fmt.Errorf("%w: origin timestamp %s does not match %s", ntp.ErrMalformedPacket, reply.OrigTime(), t1)
		}
		if err == nil && reply.TxTime().IsZero() {
			err = fmt.Errorf("%w: zero transmit timestamp", ntp.ErrMalformedPacket)
		}
		if err != nil {
			log.Warningf("[%s] discarding reply: %v", a.address, err)
			a.countMalformed()
			lastErr = err
			continue
		}
		s := a.evaluate(reply, t1, ntp.NewTimestamp(received), received)
		a.logReceive("reply (stratum=%d, leap=%d, offset=%v, delay=%v, dispersion=%v, trusty=%v)",
			reply.Stratum, reply.LeapIndicator(), s.Offset, s.Delay, s.Dispersion, s.Trusty)
		return s, nil
	}
}

// evaluate turns reply into clock quality measurements
func (a *Association) evaluate(reply *ntp.Packet, t1, t4 ntp.Timestamp, received time.Time) *Sample {
	t2, t3 := reply.RxTime(), reply.TxTime()
	s := &Sample{
		Packet:   reply,
		T1:       t1,
		T2:       t2,
		T3:       t3,
		T4:       t4,
		Received: received,
		Offset:   ntp.Offset(t1, t2, t3, t4),
		Delay:    ntp.RoundTripDelay(t1, t2, t3, t4),
	}
	s.Dispersion = packetDispersion(reply, t4, a.cfg.DriftRate, a.cfg.MaxDispersion)
	s.Trusty = trusted(a.host.AlwaysTrust, reply.LeapIndicator(), reply.Stratum, s.Dispersion, a.cfg.MaxTrustDispersion)
	return s
}

// packetDispersion is root dispersion + server precision + drift since server clock was last set
func packetDispersion(reply *ntp.Packet, t4 ntp.Timestamp, driftRate float64, maxDispersion time.Duration) time.Duration {
	if reply.RefTime().IsZero() {
		return maxDispersion
	}
	age := t4.Sub(reply.RefTime())
	if age < 0 {
		age = 0
	}
	d := reply.RootDispersionDuration() + ntp.Log2ToDuration(reply.Precision) + time.Duration(driftRate*float64(age))
	if d > maxDispersion || d < 0 {
		return maxDispersion
	}
	return d
}

// trusted decides if the server time can be used
func trusted(alwaysTrust bool, leap, stratum uint8, dispersion, threshold time.Duration) bool {
	if alwaysTrust {
		return true
	}
	if leap == ntp.LeapNotInSync {
		return false
	}
	if stratum < 1 || stratum > ntp.MaxStratum {
		return false
	}
	return dispersion < threshold
}

func (a *Association) agedDispersionLocked(now time.Time) time.Duration {
	if a.lastUpdate.IsZero() {
		return a.cfg.MaxDispersion
	}
	age := now.Sub(a.lastUpdate)
	if age < 0 {
		age = 0
	}
	d := a.dispersion + time.Duration(a.cfg.DriftRate*float64(age))
	if d > a.cfg.MaxDispersion {
		return a.cfg.MaxDispersion
	}
	return d
}

// Offset returns network time minus device time, as of the last successful exchange
func (a *Association) Offset() time.Duration {
	a.mux.Lock()
	defer a.mux.Unlock()
	return a.offset
}

// Trusty reports whether the last successful exchange produced usable time
func (a *Association) Trusty() bool {
	a.mux.Lock()
	defer a.mux.Unlock()
	return a.trusty
}

// Dispersion returns error estimate of the offset, growing with time since last exchange
func (a *Association) Dispersion() time.Duration {
	a.mux.Lock()
	defer a.mux.Unlock()
	return a.agedDispersionLocked(a.clock.Now())
}

// NextQuery returns time of the next scheduled exchange
func (a *Association) NextQuery() time.Time {
	a.mux.Lock()
	defer a.mux.Unlock()
	return a.nextQuery
}

// Stats returns consistent snapshot of association state
func (a *Association) Stats() *AssociationStats {
	a.mux.Lock()
	defer a.mux.Unlock()
	s := &AssociationStats{
		Server:         a.address,
		AlwaysTrust:    a.host.AlwaysTrust,
		Trusty:         a.trusty,
		Leap:           a.last.LeapIndicator(),
		Version:        a.last.Version(),
		Mode:           a.last.Mode(),
		Stratum:        a.last.Stratum,
		Poll:           a.last.Poll,
		Precision:      a.last.Precision,
		RootDelay:      a.last.RootDelayDuration(),
		RootDispersion: a.last.RootDispersionDuration(),
		ReferenceID:    a.last.ReferenceID,
		Offset:         a.offset,
		Delay:          a.delay,
		Dispersion:     a.dispersion,
		AgedDispersion: a.agedDispersionLocked(a.clock.Now()),
		Jitter:         time.Duration(a.offsets.stddev()),
		Reach:          a.reach,
		LastUpdate:     a.lastUpdate,
		LastError:      a.lastErr,
		NextQuery:      a.nextQuery,
		Sent:           a.sent,
		Received:       a.received,
		Timeouts:       a.timeouts,
		Malformed:      a.malformed,
	}
	if !a.last.RefTime().IsZero() {
		s.ReferenceTime = a.last.RefTime().Time()
	}
	if a.lastUpdate.IsZero() {
		s.Dispersion = a.cfg.MaxDispersion
	}
	return s
}
