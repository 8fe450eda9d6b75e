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
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

var (
	// Packet request. From ntpdate run
	ntpRequest = &Packet{
		Settings:       227,
		Stratum:        0,
		Poll:           3,
		Precision:      -6,
		RootDelay:      65536,
		RootDispersion: 65536,
		TxTimeSec:      3794210679,
		TxTimeFrac:     2718216404,
	}

	// Same request as above in bytes
	ntpRequestBytes = []byte{227, 0, 3, 250, 0, 1, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 226, 39, 15, 119, 162, 4, 176, 212}

	// Packet response
	ntpResponse = &Packet{
		Settings:       36,
		Stratum:        1,
		Poll:           3,
		Precision:      -32,
		RootDelay:      0,
		RootDispersion: 10,
		ReferenceID:    1178738720,
		RefTimeSec:     3794209800,
		RefTimeFrac:    0,
		OrigTimeSec:    3794210679,
		OrigTimeFrac:   2718216404,
		RxTimeSec:      3794210679,
		RxTimeFrac:     2718375472,
		TxTimeSec:      3794210679,
		TxTimeFrac:     2719753478,
	}
	// Same response as above in bytes
	ntpResponseBytes = []byte{36, 1, 3, 224, 0, 0, 0, 0, 0, 0, 0, 10, 70, 66, 32, 32, 226, 39, 12, 8, 0, 0, 0, 0, 226, 39, 15, 119, 162, 4, 176, 212, 226, 39, 15, 119, 162, 7, 30, 48, 226, 39, 15, 119, 162, 28, 37, 6}

	ntpBadRequest = &Packet{Settings: 0}
)

// Testing conversion so if Packet structure changes we notice
func TestRequestConversion(t *testing.T) {
	bytes, err := ntpRequest.Bytes()
	require.NoError(t, err)
	require.Equal(t, ntpRequestBytes, bytes)
}

// Testing conversion so if Packet structure changes we notice
func TestResponseConversion(t *testing.T) {
	bytes, err := ntpResponse.Bytes()
	require.NoError(t, err)
	require.Equal(t, ntpResponseBytes, bytes)
}

func TestBytesToPacket(t *testing.T) {
	packet, err := BytesToPacket(ntpResponseBytes)
	require.NoError(t, err)
	require.Equal(t, ntpResponse, packet)
}

func TestBytesToPacketError(t *testing.T) {
	bytes := []byte{}
	packet, err := BytesToPacket(bytes)
	require.ErrorIs(t, err, ErrMalformedPacket)
	require.Equal(t, &Packet{}, packet)
}

func TestRequestSize(t *testing.T) {
	require.Equal(t, PacketSizeBytes, len(ntpRequestBytes))
}

func TestResponseSize(t *testing.T) {
	require.Equal(t, PacketSizeBytes, len(ntpResponseBytes))
}

func TestValidSettingsFormat(t *testing.T) {
	require.True(t, ntpRequest.ValidSettingsFormat())
	require.False(t, ntpBadRequest.ValidSettingsFormat())
	require.False(t, ntpResponse.ValidSettingsFormat())
	require.False(t, (&Packet{Settings: NewSettings(LeapAddSecond, 4, ModeClient)}).ValidSettingsFormat())
	require.False(t, (&Packet{Settings: NewSettings(LeapNoWarning, 5, ModeClient)}).ValidSettingsFormat())
	require.True(t, (&Packet{Settings: NewSettings(LeapNoWarning, 1, ModeClient)}).ValidSettingsFormat())
}

func TestSettings(t *testing.T) {
	require.Equal(t, uint8(227), NewSettings(LeapNotInSync, 4, ModeClient))
	require.Equal(t, uint8(0x1b), NewSettings(LeapNoWarning, 3, ModeClient))
	require.Equal(t, LeapNotInSync, ntpRequest.LeapIndicator())
	require.Equal(t, uint8(4), ntpRequest.Version())
	require.Equal(t, ModeClient, ntpRequest.Mode())
	require.Equal(t, LeapNoWarning, ntpResponse.LeapIndicator())
	require.Equal(t, uint8(4), ntpResponse.Version())
	require.Equal(t, ModeServer, ntpResponse.Mode())
}

func TestPacketTimestamps(t *testing.T) {
	require.Equal(t, TimestampFromParts(3794209800, 0), ntpResponse.RefTime())
	require.Equal(t, ntpRequest.TxTime(), ntpResponse.OrigTime())
	require.Equal(t, TimestampFromParts(3794210679, 2718375472), ntpResponse.RxTime())
	require.Equal(t, TimestampFromParts(3794210679, 2719753478), ntpResponse.TxTime())
	require.Equal(t, time.Duration(0), ntpResponse.RootDelayDuration())
	require.Equal(t, 152588*time.Nanosecond, ntpResponse.RootDispersionDuration())
	require.Equal(t, time.Second, ntpRequest.RootDelayDuration())

	p := &Packet{}
	p.SetTxTime(ntpResponse.TxTime())
	require.Equal(t, ntpResponse.TxTimeSec, p.TxTimeSec)
	require.Equal(t, ntpResponse.TxTimeFrac, p.TxTimeFrac)
}

func TestEncodeRequest(t *testing.T) {
	now := time.Unix(usec, unsec)
	b, tx, err := EncodeRequest(4, now)
	require.NoError(t, err)
	require.Len(t, b, PacketSizeBytes)
	require.Equal(t, NewTimestamp(now), tx)

	p, err := BytesToPacket(b)
	require.NoError(t, err)
	require.Equal(t, LeapNoWarning, p.LeapIndicator())
	require.Equal(t, uint8(4), p.Version())
	require.Equal(t, ModeClient, p.Mode())
	require.Equal(t, uint8(0), p.Stratum)
	require.True(t, p.RefTime().IsZero())
	require.True(t, p.OrigTime().IsZero())
	require.True(t, p.RxTime().IsZero())
	require.Equal(t, tx, p.TxTime())

	_, _, err = EncodeRequest(0, now)
	require.Error(t, err)
	_, _, err = EncodeRequest(5, now)
	require.Error(t, err)
}

// decode our request with an independent NTP implementation
func TestEncodeRequestGopacket(t *testing.T) {
	now := time.Unix(usec, unsec)
	b, tx, err := EncodeRequest(3, now)
	require.NoError(t, err)

	decoded := &layers.NTP{}
	err = decoded.DecodeFromBytes(b, gopacket.NilDecodeFeedback)
	require.NoError(t, err)
	require.Equal(t, layers.NTPVersion(3), decoded.Version)
	require.Equal(t, layers.NTPMode(ModeClient), decoded.Mode)
	require.Equal(t, layers.NTPLeapIndicator(0), decoded.LeapIndicator)
	require.Equal(t, layers.NTPTimestamp(tx), decoded.TransmitTimestamp)
	require.Equal(t, layers.NTPTimestamp(0), decoded.OriginTimestamp)
}

func TestDecodeReplyGopacket(t *testing.T) {
	decoded := &layers.NTP{}
	err := decoded.DecodeFromBytes(ntpResponseBytes, gopacket.NilDecodeFeedback)
	require.NoError(t, err)

	p, err := DecodeReply(ntpResponseBytes)
	require.NoError(t, err)
	require.Equal(t, uint8(decoded.Version), p.Version())
	require.Equal(t, uint8(decoded.Mode), p.Mode())
	require.Equal(t, uint8(decoded.Stratum), p.Stratum)
	require.Equal(t, int8(decoded.Poll), p.Poll)
	require.Equal(t, int8(decoded.Precision), p.Precision)
	require.Equal(t, uint32(decoded.RootDispersion), p.RootDispersion)
	require.Equal(t, uint32(decoded.ReferenceID), p.ReferenceID)
	require.Equal(t, uint64(decoded.ReferenceTimestamp), uint64(p.RefTime()))
	require.Equal(t, uint64(decoded.OriginTimestamp), uint64(p.OrigTime()))
	require.Equal(t, uint64(decoded.ReceiveTimestamp), uint64(p.RxTime()))
	require.Equal(t, uint64(decoded.TransmitTimestamp), uint64(p.TxTime()))
}

func TestDecodeReplyMalformed(t *testing.T) {
	_, err := DecodeReply(ntpResponseBytes[:47])
	require.ErrorIs(t, err, ErrMalformedPacket)

	_, err = DecodeReply(append(append([]byte{}, ntpResponseBytes...), 0))
	require.ErrorIs(t, err, ErrMalformedPacket)

	// a client request is not a reply
	_, err = DecodeReply(ntpRequestBytes)
	require.True(t, errors.Is(err, ErrMalformedPacket))

	_, err = DecodeReply(nil)
	require.ErrorIs(t, err, ErrMalformedPacket)
}

func TestReadNTPPacket(t *testing.T) {
	// listen to incoming udp packets
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer conn.Close()

	// Send a client request
	cconn, err := net.Dial("udp", conn.LocalAddr().String())
	require.NoError(t, err)
	defer cconn.Close()
	_, err = cconn.Write(ntpRequestBytes)
	require.NoError(t, err)

	request, returnaddr, err := ReadNTPPacket(conn)
	require.NoError(t, err)
	require.Equal(t, ntpRequest, request, "We should have the same request arriving on the server")
	require.Equal(t, cconn.LocalAddr().String(), returnaddr.String())
}

func Benchmark_PacketToBytesConversion(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = ntpResponse.Bytes()
	}
}

func Benchmark_BytesToPacketConversion(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = BytesToPacket(ntpResponseBytes)
	}
}
