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

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

// PacketSizeBytes sets the size of NTP packet
const PacketSizeBytes = 48

// ErrMalformedPacket is returned when bytes on the wire are not a valid NTP reply
var ErrMalformedPacket = errors.New("malformed ntp packet")

// Leap indicator values
const (
	LeapNoWarning  uint8 = 0
	LeapAddSecond  uint8 = 1
	LeapDelSecond  uint8 = 2
	LeapNotInSync  uint8 = 3
	MaxStratum     uint8 = 15
	StratumUnsync  uint8 = 16
	VersionDefault uint8 = 4
)

// Association modes
const (
	ModeReserved  uint8 = 0
	ModeSymActive uint8 = 1
	ModeSymPasive uint8 = 2
	ModeClient    uint8 = 3
	ModeServer    uint8 = 4
	ModeBroadcast uint8 = 5
)

const (
	vnFirst = 1
	vnLast  = 4
)

// Packet is an NTPv4 packet
/*
https://tools.ietf.org/html/rfc5905#section-7.3
   0                   1                   2                   3
   0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
0 +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |LI | VN  |Mode |    Stratum     |     Poll      |  Precision   |
4 +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                         Root Delay                            |
8 +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                         Root Dispersion                       |
12+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                          Reference ID                         |
16+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                     Reference Timestamp (64)                  |
24+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                      Origin Timestamp (64)                    |
32+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                      Receive Timestamp (64)                   |
40+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                      Transmit Timestamp (64)                  |
48+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

Settings byte of a version 4 client request:
00 100 011 (or 0x23)
|  |   +-- client mode (3)
|  + ----- version (4)
+ -------- leap indicator, 0 no warning
*/
type Packet struct {
	Settings       uint8  // leap indicator, version number and mode
	Stratum        uint8  // stratum
	Poll           int8   // poll. Power of 2
	Precision      int8   // precision. Power of 2
	RootDelay      uint32 // total delay to the reference clock, short format
	RootDispersion uint32 // total dispersion to the reference clock, short format
	ReferenceID    uint32 // identifier of server or a reference clock
	RefTimeSec     uint32 // last time server clock was updated sec
	RefTimeFrac    uint32 // last time server clock was updated frac
	OrigTimeSec    uint32 // client time sec
	OrigTimeFrac   uint32 // client time frac
	RxTimeSec      uint32 // receive time sec
	RxTimeFrac     uint32 // receive time frac
	TxTimeSec      uint32 // transmit time sec
	TxTimeFrac     uint32 // transmit time frac
}

// NewSettings packs leap indicator, version and mode into settings byte
func NewSettings(leap, version, mode uint8) uint8 {
	return (leap&0x3)<<6 | (version&0x7)<<3 | mode&0x7
}

// LeapIndicator returns LI field
func (p *Packet) LeapIndicator() uint8 {
	return p.Settings >> 6
}

// Version returns VN field
func (p *Packet) Version() uint8 {
	return (p.Settings >> 3) & 0x7
}

// Mode returns Mode field
func (p *Packet) Mode() uint8 {
	return p.Settings & 0x7
}

// RefTime returns reference timestamp
func (p *Packet) RefTime() Timestamp {
	return TimestampFromParts(p.RefTimeSec, p.RefTimeFrac)
}

// OrigTime returns origin timestamp
func (p *Packet) OrigTime() Timestamp {
	return TimestampFromParts(p.OrigTimeSec, p.OrigTimeFrac)
}

// RxTime returns receive timestamp
func (p *Packet) RxTime() Timestamp {
	return TimestampFromParts(p.RxTimeSec, p.RxTimeFrac)
}

// TxTime returns transmit timestamp
func (p *Packet) TxTime() Timestamp {
	return TimestampFromParts(p.TxTimeSec, p.TxTimeFrac)
}

// SetTxTime sets transmit timestamp
func (p *Packet) SetTxTime(t Timestamp) {
	p.TxTimeSec, p.TxTimeFrac = t.Seconds(), t.Fraction()
}

// RootDelayDuration returns root delay as time.Duration
func (p *Packet) RootDelayDuration() time.Duration {
	return Short(p.RootDelay).Duration()
}

// RootDispersionDuration returns root dispersion as time.Duration
func (p *Packet) RootDispersionDuration() time.Duration {
	return Short(p.RootDispersion).Duration()
}

// ValidSettingsFormat verifies that LI | VN  |Mode fields are set correctly
// for a client request:
// LI: must be 0 or 3
// VN: must be 1,2,3 or 4
// Mode: must be 3
func (p *Packet) ValidSettingsFormat() bool {
	l, v, m := p.LeapIndicator(), p.Version(), p.Mode()
	if l != LeapNoWarning && l != LeapNotInSync {
		return false
	}
	if v < vnFirst || v > vnLast {
		return false
	}
	return m == ModeClient
}

// MarshalBinary converts Packet to []bytes
func (p *Packet) MarshalBinary() ([]byte, error) {
	b := make([]byte, PacketSizeBytes)
	b[0] = p.Settings
	b[1] = p.Stratum
	b[2] = byte(p.Poll)
	b[3] = byte(p.Precision)
	binary.BigEndian.PutUint32(b[4:], p.RootDelay)
	binary.BigEndian.PutUint32(b[8:], p.RootDispersion)
	binary.BigEndian.PutUint32(b[12:], p.ReferenceID)
	binary.BigEndian.PutUint32(b[16:], p.RefTimeSec)
	binary.BigEndian.PutUint32(b[20:], p.RefTimeFrac)
	binary.BigEndian.PutUint32(b[24:], p.OrigTimeSec)
	binary.BigEndian.PutUint32(b[28:], p.OrigTimeFrac)
	binary.BigEndian.PutUint32(b[32:], p.RxTimeSec)
	binary.BigEndian.PutUint32(b[36:], p.RxTimeFrac)
	binary.BigEndian.PutUint32(b[40:], p.TxTimeSec)
	binary.BigEndian.PutUint32(b[44:], p.TxTimeFrac)
	return b, nil
}

// UnmarshalBinary parses []bytes into Packet. Extension fields are ignored.
func (p *Packet) UnmarshalBinary(b []byte) error {
	if len(b) < PacketSizeBytes {
		return fmt.Errorf("%w: not enough data to decode: %d bytes", ErrMalformedPacket, len(b))
	}
	p.Settings = b[0]
	p.Stratum = b[1]
	p.Poll = int8(b[2])
	p.Precision = int8(b[3])
	p.RootDelay = binary.BigEndian.Uint32(b[4:])
	p.RootDispersion = binary.BigEndian.Uint32(b[8:])
	p.ReferenceID = binary.BigEndian.Uint32(b[12:])
	p.RefTimeSec = binary.BigEndian.Uint32(b[16:])
	p.RefTimeFrac = binary.BigEndian.Uint32(b[20:])
	p.OrigTimeSec = binary.BigEndian.Uint32(b[24:])
	p.OrigTimeFrac = binary.BigEndian.Uint32(b[28:])
	p.RxTimeSec = binary.BigEndian.Uint32(b[32:])
	p.RxTimeFrac = binary.BigEndian.Uint32(b[36:])
	p.TxTimeSec = binary.BigEndian.Uint32(b[40:])
	p.TxTimeFrac = binary.BigEndian.Uint32(b[44:])
	return nil
}

// Bytes converts Packet to []bytes
func (p *Packet) Bytes() ([]byte, error) {
	return p.MarshalBinary()
}

// BytesToPacket converts []bytes to Packet
func BytesToPacket(ntpPacketBytes []byte) (*Packet, error) {
	packet := &Packet{}
	err := packet.UnmarshalBinary(ntpPacketBytes)
	return packet, err
}

// EncodeRequest builds client mode request with transmit timestamp set to now.
// Returned Timestamp is what the server must echo back as origin timestamp.
func EncodeRequest(version uint8, now time.Time) ([]byte, Timestamp, error) {
	if version < vnFirst || version > vnLast {
		return nil, 0, fmt.Errorf("unsupported ntp version %d", version)
	}
	tx := NewTimestamp(now)
	p := &Packet{Settings: NewSettings(LeapNoWarning, version, ModeClient)}
	p.SetTxTime(tx)
	b, err := p.MarshalBinary()
	return b, tx, err
}

// DecodeReply parses server reply. Anything which is not exactly one
// 48 byte server mode packet is ErrMalformedPacket.
func DecodeReply(b []byte) (*Packet, error) {
	if len(b) != PacketSizeBytes {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedPacket, len(b), PacketSizeBytes)
	}
	p, err := BytesToPacket(b)
	if err != nil {
		return nil, err
	}
	if p.Mode() != ModeServer {
		return nil, fmt.Errorf("%w: unexpected mode %d", ErrMalformedPacket, p.Mode())
	}
	return p, nil
}

// ReadNTPPacket reads incoming NTP packet
func ReadNTPPacket(conn *net.UDPConn) (ntp *Packet, remAddr *net.UDPAddr, err error) {
	buf := make([]byte, PacketSizeBytes)
	_, remAddr, err = conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	ntp, err = BytesToPacket(buf)

	return ntp, remAddr, err
}
