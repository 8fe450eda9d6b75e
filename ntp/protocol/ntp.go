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

/*
Package protocol implements ntp packet and basic functions to work with.
It provides quick and transparent translation between 48 bytes and
simply accessible struct, plus the timestamp arithmetic a client needs
to turn four timestamps into delay and offset.
*/
package protocol

import (
	"fmt"
	"math"
	"net"
	"time"
)

// NanosecondsToUnix is the difference between NTP and Unix epoch in NS
const NanosecondsToUnix = int64(2208988800000000000)

// SecondsToUnix is the difference between NTP and Unix epoch in seconds
const SecondsToUnix = NanosecondsToUnix / int64(time.Second)

// eraMSB marks NTP seconds belonging to era 0 (1968-2036).
// Values without it are read as era 1 (2036-2104), RFC 4330 section 3.
const eraMSB = uint32(0x80000000)

// Timestamp is a 64 bit NTP timestamp: 32 bits of seconds since
// 1900-01-01 00:00:00 UTC and 32 bits of fraction of a second.
type Timestamp uint64

// NewTimestamp converts device time to NTP timestamp.
// Fractions are truncated, so Time() of the result gives back t exactly.
func NewTimestamp(t time.Time) Timestamp {
	sec, frac := Time(t)
	return TimestampFromParts(sec, frac)
}

// TimestampFromParts builds Timestamp from wire seconds and fractions
func TimestampFromParts(seconds, fractions uint32) Timestamp {
	return Timestamp(uint64(seconds)<<32 | uint64(fractions))
}

// Seconds returns seconds part of the timestamp
func (t Timestamp) Seconds() uint32 {
	return uint32(t >> 32)
}

// Fraction returns fractional part of the timestamp
func (t Timestamp) Fraction() uint32 {
	return uint32(t)
}

// IsZero reports whether timestamp is unset
func (t Timestamp) IsZero() bool {
	return t == 0
}

// Time converts NTP timestamp to device time
func (t Timestamp) Time() time.Time {
	return Unix(t.Seconds(), t.Fraction())
}

// Sub returns t-u. Computed modulo 2^64, so the result is correct
// across era boundaries as long as |t-u| < 68 years.
func (t Timestamp) Sub(u Timestamp) time.Duration {
	return fixedToDuration(int64(uint64(t) - uint64(u)))
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%010d", t.Seconds(), t.Fraction())
}

// fixedToDuration converts signed 32.32 fixed point seconds to time.Duration
func fixedToDuration(v int64) time.Duration {
	neg := v < 0
	if neg {
		v = -v
	}
	secs := v >> 32
	frac := uint64(v) & 0xffffffff
	d := time.Duration(secs)*time.Second + time.Duration((frac*uint64(time.Second)+1<<31)>>32)
	if neg {
		return -d
	}
	return d
}

// Time is converting Unix time to sec and frac NTP format.
// Times outside of 1968-2104 wrap around.
func Time(t time.Time) (seconds uint32, fractions uint32) {
	sec := t.Unix() + SecondsToUnix
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return uint32(sec), uint32(frac)
}

// Unix is converting NTP seconds and fractions into Unix time
func Unix(seconds, fractions uint32) time.Time {
	secs := int64(seconds) - SecondsToUnix
	if seconds&eraMSB == 0 {
		secs += 1 << 32
	}
	// round up so Time(Unix(s, f)) gives back (s, f)
	nanos := (uint64(fractions)*uint64(time.Second) + (1<<32 - 1)) >> 32
	return time.Unix(secs, int64(nanos))
}

// Short is NTP short format: 16 bits of seconds and 16 bits of fraction.
// Used for root delay and root dispersion.
type Short uint32

// ShortFromDuration converts duration to NTP short format, saturating at bounds
func ShortFromDuration(d time.Duration) Short {
	if d <= 0 {
		return 0
	}
	secs := uint64(d / time.Second)
	if secs > 0xffff {
		return math.MaxUint32
	}
	frac := (uint64(d%time.Second) << 16) / uint64(time.Second)
	return Short(secs<<16 | frac)
}

// Duration converts short format to time.Duration
func (s Short) Duration() time.Duration {
	return time.Duration((uint64(s)*uint64(time.Second) + 1<<15) >> 16)
}

// Seconds converts short format to float seconds
func (s Short) Seconds() float64 {
	return float64(s) / 65536
}

// Log2ToDuration converts poll or precision exponent to duration
func Log2ToDuration(exp int8) time.Duration {
	secs := math.Ldexp(1, int(exp))
	if secs >= float64(math.MaxInt64)/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(secs * float64(time.Second))
}

// RoundTripDelay uses formula from RFC 5905 to calculate network delay:
// (T4-T1) - (T3-T2). Negative values, which happen when server processing
// time is reported larger than round trip, are clamped to 0.
func RoundTripDelay(clientTransmit, serverReceive, serverTransmit, clientReceive Timestamp) time.Duration {
	d := int64(uint64(clientReceive)-uint64(clientTransmit)) - int64(uint64(serverTransmit)-uint64(serverReceive))
	if d < 0 {
		return 0
	}
	return fixedToDuration(d)
}

// Offset returns offset of network time relative to device time:
// ((T2-T1) + (T3-T4)) / 2. Positive means device clock is behind.
func Offset(clientTransmit, serverReceive, serverTransmit, clientReceive Timestamp) time.Duration {
	forward := int64(uint64(serverReceive) - uint64(clientTransmit))
	back := int64(uint64(serverTransmit) - uint64(clientReceive))
	return fixedToDuration(forward/2 + back/2 + (forward%2+back%2)/2)
}

// CorrectTime returns "true" network time given device time and offset
func CorrectTime(now time.Time, offset time.Duration) time.Time {
	return now.Add(offset)
}

// RefIDString returns human readable reference id.
// Stratum 0 and 1 carry ASCII identifiers, others carry IPv4 address of the upstream.
func RefIDString(refID uint32, stratum uint8) string {
	b := []byte{byte(refID >> 24), byte(refID >> 16), byte(refID >> 8), byte(refID)}
	if stratum > 1 {
		return net.IP(b).String()
	}
	out := make([]byte, 0, 4)
	for _, c := range b {
		if c == 0 {
			break
		}
		if c < 0x20 || c > 0x7e {
			c = '.'
		}
		out = append(out, c)
	}
	return string(out)
}
