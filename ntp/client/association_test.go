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
	"net"
	"sync"
	"testing"
	"time"

	ntp "github.com/facebook/netclock/ntp/protocol"
	"github.com/facebook/netclock/ntp/responder/server"
	"github.com/facebook/netclock/ntp/responder/stats"
	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// startResponder runs synthetic NTP server on localhost and returns its address
func startResponder(t *testing.T, mutate func(c *server.Config)) string {
	cfg := server.DefaultConfig()
	cfg.Port = 0
	cfg.Workers = 1
	if mutate != nil {
		mutate(&cfg)
	}
	s := &server.Server{Config: cfg, Stats: &stats.JSONStats{}}
	require.NoError(t, s.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s.Addr().String()
}

// startFakeServer runs UDP server which passes every request to reply and sends back what it returns
func startFakeServer(t *testing.T, reply func(request *ntp.Packet) [][]byte) string {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, 1024)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			request := &ntp.Packet{}
			if err := request.UnmarshalBinary(buf[:n]); err != nil {
				continue
			}
			for _, b := range reply(request) {
				_, _ = conn.WriteToUDP(b, addr)
			}
		}
	}()
	return conn.LocalAddr().String()
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Timeout = 300 * time.Millisecond
	cfg.StartupJitter = 0
	return cfg
}

func TestPacketDispersion(t *testing.T) {
	now := time.Unix(1700000000, 0)
	t4 := ntp.NewTimestamp(now)
	reply := &ntp.Packet{
		RootDispersion: uint32(ntp.ShortFromDuration(10 * time.Millisecond)),
		Precision:      -20,
	}

	// never synchronized
	require.Equal(t, 16*time.Second, packetDispersion(reply, t4, PHI, 16*time.Second))

	reply.RefTimeSec, reply.RefTimeFrac = ntp.Time(now.Add(-100 * time.Second))
	want := reply.RootDispersionDuration() + ntp.Log2ToDuration(-20) + 1500*time.Microsecond
	require.InDelta(t, float64(want), float64(packetDispersion(reply, t4, PHI, 16*time.Second)), 2)

	// reference time after receive time is treated as zero age
	reply.RefTimeSec, reply.RefTimeFrac = ntp.Time(now.Add(time.Minute))
	want = reply.RootDispersionDuration() + ntp.Log2ToDuration(-20)
	require.Equal(t, want, packetDispersion(reply, t4, PHI, 16*time.Second))

	// capped
	reply.RootDispersion = uint32(ntp.ShortFromDuration(20 * time.Second))
	require.Equal(t, 16*time.Second, packetDispersion(reply, t4, PHI, 16*time.Second))
}

func TestTrusted(t *testing.T) {
	threshold := 100 * time.Millisecond
	testCases := []struct {
		name        string
		alwaysTrust bool
		leap        uint8
		stratum     uint8
		dispersion  time.Duration
		want        bool
	}{
		{name: "good", leap: ntp.LeapNoWarning, stratum: 1, dispersion: time.Millisecond, want: true},
		{name: "leap second pending", leap: ntp.LeapAddSecond, stratum: 2, dispersion: time.Millisecond, want: true},
		{name: "not in sync", leap: ntp.LeapNotInSync, stratum: 1, dispersion: time.Millisecond},
		{name: "kiss of death", stratum: 0, dispersion: time.Millisecond},
		{name: "unsynchronized stratum", stratum: 16, dispersion: time.Millisecond},
		{name: "max stratum", stratum: 15, dispersion: time.Millisecond, want: true},
		{name: "dispersion at threshold", stratum: 1, dispersion: threshold},
		{name: "huge dispersion", stratum: 1, dispersion: 16 * time.Second},
		{name: "always trust", alwaysTrust: true, leap: ntp.LeapNotInSync, stratum: 16, dispersion: 16 * time.Second, want: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, trusted(tc.alwaysTrust, tc.leap, tc.stratum, tc.dispersion, threshold))
		})
	}
}

func TestEvaluate(t *testing.T) {
	a := NewAssociation(Host{Address: "127.0.0.1"}, DefaultConfig())
	now := time.Unix(1700000000, 0)
	reply := &ntp.Packet{
		Settings:       ntp.NewSettings(ntp.LeapNoWarning, 4, ntp.ModeServer),
		Stratum:        1,
		Precision:      -20,
		RootDispersion: 1,
	}
	reply.RefTimeSec, reply.RefTimeFrac = ntp.Time(now.Add(-time.Second))
	// client sends at now, server is 1s ahead and needs 1ms to reply, 10ms round trip
	t1 := ntp.NewTimestamp(now)
	reply.RxTimeSec, reply.RxTimeFrac = ntp.Time(now.Add(time.Second + 5*time.Millisecond))
	reply.TxTimeSec, reply.TxTimeFrac = ntp.Time(now.Add(time.Second + 6*time.Millisecond))
	received := now.Add(11 * time.Millisecond)

	s := a.evaluate(reply, t1, ntp.NewTimestamp(received), received)
	require.InDelta(t, float64(time.Second), float64(s.Offset), 2)
	require.InDelta(t, float64(10*time.Millisecond), float64(s.Delay), 2)
	require.True(t, s.Trusty)
	require.Less(t, s.Dispersion, time.Millisecond)
	require.Equal(t, t1, s.T1)
	require.Equal(t, reply.TxTime(), s.T3)
}

func TestAssociationInitialState(t *testing.T) {
	a := NewAssociation(Host{Address: "time.example.com"}, DefaultConfig())
	require.Equal(t, "time.example.com", a.Server())
	require.Equal(t, "time.example.com:123", a.Address())
	require.False(t, a.Trusty())
	require.Equal(t, time.Duration(0), a.Offset())
	require.Equal(t, 16*time.Second, a.Dispersion())
	require.True(t, a.NextQuery().IsZero())

	s := a.Stats()
	require.Equal(t, "time.example.com:123", s.Server)
	require.Equal(t, 16*time.Second, s.Dispersion)
	require.True(t, s.LastUpdate.IsZero())
	require.Equal(t, uint8(0), s.Reach)
}

func TestQueryOnce(t *testing.T) {
	addr := startResponder(t, func(c *server.Config) {
		c.ExtraOffset = time.Hour
		c.Stratum = 2
	})
	a := NewAssociation(Host{Address: addr}, testConfig())

	sample, err := a.QueryOnce(context.Background())
	require.NoError(t, err)
	// network minus device
	require.InDelta(t, float64(time.Hour), float64(sample.Offset), float64(100*time.Millisecond))
	require.Less(t, sample.Delay, 100*time.Millisecond)
	require.True(t, sample.Trusty)

	require.True(t, a.Trusty())
	require.Equal(t, sample.Offset, a.Offset())
	s := a.Stats()
	require.Equal(t, addr, s.Server)
	require.Equal(t, uint8(2), s.Stratum)
	require.Equal(t, ntp.ModeServer, s.Mode)
	require.Equal(t, uint8(4), s.Version)
	require.Equal(t, uint8(1), s.Reach)
	require.Equal(t, int64(1), s.Sent)
	require.Equal(t, int64(1), s.Received)
	require.NoError(t, s.LastError)
	require.False(t, s.LastUpdate.IsZero())
	require.False(t, s.ReferenceTime.IsZero())

	_, err = a.QueryOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint8(3), a.Stats().Reach)
}

func TestQueryOnceUntrusted(t *testing.T) {
	addr := startResponder(t, func(c *server.Config) {
		c.Leap = ntp.LeapNotInSync
	})
	a := NewAssociation(Host{Address: addr}, testConfig())
	sample, err := a.QueryOnce(context.Background())
	require.NoError(t, err)
	require.False(t, sample.Trusty)
	require.False(t, a.Trusty())

	a = NewAssociation(Host{Address: addr, AlwaysTrust: true}, testConfig())
	sample, err = a.QueryOnce(context.Background())
	require.NoError(t, err)
	require.True(t, sample.Trusty)
}

func TestQueryTimeout(t *testing.T) {
	addr := startFakeServer(t, func(_ *ntp.Packet) [][]byte { return nil })
	a := NewAssociation(Host{Address: addr}, testConfig())

	_, err := a.QueryOnce(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	require.False(t, a.Trusty())
	require.Equal(t, time.Duration(0), a.Offset())
	s := a.Stats()
	require.Equal(t, int64(1), s.Timeouts)
	require.Equal(t, int64(0), s.Received)
	require.Equal(t, uint8(0), s.Reach)
	require.ErrorIs(t, s.LastError, ErrTimeout)
}

func TestQueryTimeoutKeepsPreviousSample(t *testing.T) {
	var mux sync.Mutex
	answer := true
	addr := startFakeServer(t, func(request *ntp.Packet) [][]byte {
		mux.Lock()
		defer mux.Unlock()
		if !answer {
			return nil
		}
		now := time.Now().Add(time.Second)
		reply := &ntp.Packet{
			Settings:       ntp.NewSettings(0, 4, ntp.ModeServer),
			Stratum:        1,
			Precision:      -20,
			RootDispersion: 1,
			OrigTimeSec:    request.TxTimeSec,
			OrigTimeFrac:   request.TxTimeFrac,
		}
		reply.RefTimeSec, reply.RefTimeFrac = ntp.Time(now.Add(-time.Second))
		reply.RxTimeSec, reply.RxTimeFrac = ntp.Time(now)
		reply.TxTimeSec, reply.TxTimeFrac = ntp.Time(now)
		b, _ := reply.Bytes()
		return [][]byte{b}
	})
	a := NewAssociation(Host{Address: addr}, testConfig())
	sample, err := a.QueryOnce(context.Background())
	require.NoError(t, err)
	require.True(t, a.Trusty())

	mux.Lock()
	answer = false
	mux.Unlock()
	_, err = a.QueryOnce(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	require.True(t, a.Trusty())
	require.Equal(t, sample.Offset, a.Offset())
	// reach register shifted without new bit
	require.Equal(t, uint8(2), a.Stats().Reach)
}

func TestQueryOriginMismatch(t *testing.T) {
	addr := startFakeServer(t, func(request *ntp.Packet) [][]byte {
		reply := &ntp.Packet{
			Settings:    ntp.NewSettings(0, 4, ntp.ModeServer),
			Stratum:     1,
			OrigTimeSec: request.TxTimeSec + 1,
		}
		reply.TxTimeSec, reply.TxTimeFrac = ntp.Time(time.Now())
		b, _ := reply.Bytes()
		return [][]byte{b, []byte("garbage")}
	})
	a := NewAssociation(Host{Address: addr}, testConfig())

	_, err := a.QueryOnce(context.Background())
	require.ErrorIs(t, err, ntp.ErrMalformedPacket)
	require.False(t, a.Trusty())
	s := a.Stats()
	require.Equal(t, int64(2), s.Malformed)
	require.Equal(t, int64(0), s.Received)
	require.Equal(t, uint8(0), s.Reach)
}

func TestQueryMismatchThenValid(t *testing.T) {
	addr := startFakeServer(t, func(request *ntp.Packet) [][]byte {
		now := time.Now()
		stale := &ntp.Packet{
			Settings:    ntp.NewSettings(0, 4, ntp.ModeServer),
			Stratum:     1,
			OrigTimeSec: request.TxTimeSec - 64,
		}
		stale.TxTimeSec, stale.TxTimeFrac = ntp.Time(now)
		good := *stale
		good.OrigTimeSec, good.OrigTimeFrac = request.TxTimeSec, request.TxTimeFrac
		good.RefTimeSec, good.RefTimeFrac = ntp.Time(now.Add(-time.Second))
		good.RxTimeSec, good.RxTimeFrac = ntp.Time(now)
		b1, _ := stale.Bytes()
		b2, _ := good.Bytes()
		return [][]byte{b1, b2}
	})
	a := NewAssociation(Host{Address: addr}, testConfig())
	_, err := a.QueryOnce(context.Background())
	require.NoError(t, err)
	s := a.Stats()
	require.Equal(t, int64(1), s.Malformed)
	require.Equal(t, int64(1), s.Received)
}

func TestQueryCanceled(t *testing.T) {
	addr := startFakeServer(t, func(_ *ntp.Packet) [][]byte { return nil })
	cfg := testConfig()
	cfg.Timeout = 5 * time.Second
	a := NewAssociation(Host{Address: addr}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err := a.QueryOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, int64(0), a.Stats().Timeouts)
}

type failingDialer struct{}

func (failingDialer) DialContext(_ context.Context, _, _ string) (net.Conn, error) {
	return nil, errors.New("no route to host")
}

func TestQueryDialError(t *testing.T) {
	a := NewAssociation(Host{Address: "127.0.0.1"}, testConfig(), WithDialer(failingDialer{}))
	_, err := a.QueryOnce(context.Background())
	require.ErrorContains(t, err, "no route to host")
	require.Error(t, a.Stats().LastError)
}

func TestQueryCounters(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := NewMockStatsServer(ctrl)
	st.EXPECT().UpdateCounterBy(counterSent, int64(1))
	st.EXPECT().UpdateCounterBy(counterReceived, int64(1))

	addr := startResponder(t, nil)
	a := NewAssociation(Host{Address: addr}, testConfig(), WithStats(st))
	_, err := a.QueryOnce(context.Background())
	require.NoError(t, err)
}

func TestEnableAndFinish(t *testing.T) {
	addr := startResponder(t, nil)
	mock := clock.NewMock()
	cfg := testConfig()
	a := NewAssociation(Host{Address: addr}, cfg, WithClock(mock))

	a.Enable()
	require.Equal(t, mock.Now(), a.NextQuery())
	// first query is due right away
	mock.Add(0)
	require.Equal(t, uint8(1), a.Stats().Reach)
	require.Equal(t, mock.Now().Add(cfg.PollInterval), a.NextQuery())

	// second Enable is a no-op
	a.Enable()
	require.Equal(t, mock.Now().Add(cfg.PollInterval), a.NextQuery())

	mock.Add(cfg.PollInterval)
	require.Equal(t, uint8(3), a.Stats().Reach)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Finish()
		}()
	}
	wg.Wait()
	require.Equal(t, distantFuture, a.NextQuery())

	// nothing is scheduled any more
	mock.Add(10 * cfg.PollInterval)
	require.Equal(t, uint8(3), a.Stats().Reach)
	require.Equal(t, int64(2), a.Stats().Sent)

	// enabling finished association does nothing
	a.Enable()
	require.Equal(t, distantFuture, a.NextQuery())
}

func TestAgedDispersion(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(time.Hour)
	cfg := DefaultConfig()
	a := NewAssociation(Host{Address: "127.0.0.1"}, cfg, WithClock(mock))

	a.mux.Lock()
	a.applyLocked(&Sample{
		Packet:     &ntp.Packet{Stratum: 1},
		Received:   mock.Now(),
		Offset:     time.Millisecond,
		Dispersion: time.Millisecond,
		Trusty:     true,
	})
	a.mux.Unlock()
	require.Equal(t, time.Millisecond, a.Dispersion())

	prev := a.Dispersion()
	for i := 0; i < 5; i++ {
		mock.Add(100 * time.Second)
		d := a.Dispersion()
		require.GreaterOrEqual(t, d, prev)
		prev = d
	}
	// 500s at 15 PPM
	require.InDelta(t, float64(time.Millisecond+7500*time.Microsecond), float64(prev), 10)
	require.Equal(t, time.Millisecond, a.Stats().Dispersion)
	require.Equal(t, prev, a.Stats().AgedDispersion)

	mock.Add(2000000 * time.Second)
	require.Equal(t, cfg.MaxDispersion, a.Dispersion())
}
