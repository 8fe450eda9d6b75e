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
Package server implements simple UDP server answering NTP client requests
with configurable header fields and clock offset.
*/
package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cespare/xxhash"
	"github.com/davecgh/go-spew/spew"
	ntp "github.com/facebook/netclock/ntp/protocol"
	log "github.com/sirupsen/logrus"
)

// Stats is a metric collection interface
type Stats interface {
	IncRequests()
	IncResponses()
	IncInvalidFormat()
	IncReadError()
	IncWorkers()
	DecWorkers()
}

// queueSize is how many requests can wait for a single worker
const queueSize = 64

// task is a data structure with everything needed to work independently on NTP packet.
type task struct {
	addr     *net.UDPAddr
	received time.Time
	request  *ntp.Packet
}

// Server is a type for UDP server which handles connections.
type Server struct {
	Config Config
	Stats  Stats

	conn    *net.UDPConn
	queues  []chan task
	addedIP bool
	cleanup sync.Once
}

// Listen opens the socket. Port 0 picks a free one, see Addr
func (s *Server) Listen() error {
	if err := s.Config.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	if s.Config.Iface != "" {
		added, err := s.addIPToInterface()
		if err != nil {
			return fmt.Errorf("adding %s to %s: %w", s.Config.IP, s.Config.Iface, err)
		}
		s.addedIP = added
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: s.Config.IP, Port: s.Config.Port})
	if err != nil {
		if s.addedIP {
			_ = s.deleteIPFromInterface()
		}
		return fmt.Errorf("listening on %s:%d: %w", s.Config.IP, s.Config.Port, err)
	}
	s.conn = conn
	return nil
}

// Addr returns address the server listens on
func (s *Server) Addr() *net.UDPAddr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Close closes the socket, Serve returns after that.
// IP added to the interface by Listen is removed.
func (s *Server) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	s.cleanup.Do(func() {
		if !s.addedIP {
			return
		}
		if derr := s.deleteIPFromInterface(); derr != nil {
			log.Errorf("failed to delete %s from %s: %v", s.Config.IP, s.Config.Iface, derr)
		}
	})
	return err
}

// Serve answers requests until ctx is done or the server is closed.
// Listen is called if it was not called before.
func (s *Server) Serve(ctx context.Context) error {
	if s.conn == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	log.Infof("starting %d workers, listening on %s", s.Config.Workers, s.Addr())
	s.queues = make([]chan task, s.Config.Workers)
	var wg sync.WaitGroup
	for i := range s.queues {
		s.queues[i] = make(chan task, queueSize)
		wg.Add(1)
		go func(q chan task) {
			defer wg.Done()
			s.startWorker(q)
		}(s.queues[i])
	}

	stop := context.AfterFunc(ctx, func() {
		_ = s.Close()
	})
	defer stop()

	err := s.startListener()
	for _, q := range s.queues {
		close(q)
	}
	wg.Wait()
	return err
}

// findWorker returns queue of the worker which serves the client.
// Requests of the same client are always answered in order by the same worker.
func (s *Server) findWorker(addr *net.UDPAddr) chan task {
	b := make([]byte, 0, net.IPv6len+2)
	b = append(b, addr.IP.To16()...)
	b = binary.BigEndian.AppendUint16(b, uint16(addr.Port)) //#nosec G115
	hash := xxhash.Sum64(b)
	return s.queues[hash%uint64(len(s.queues))]
}

func (s *Server) startListener() error {
	buf := make([]byte, ntp.PacketSizeBytes*2)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		received := time.Now()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Info("listener connection closed, exiting listener server")
				return nil
			}
			log.Errorf("failed to read packet on %s: %v", s.conn.LocalAddr(), err)
			s.Stats.IncReadError()
			continue
		}
		request := new(ntp.Packet)
		if err := request.UnmarshalBinary(buf[:n]); err != nil {
			log.Debugf("failed to parse ntp packet from %s: %v", addr, err)
			s.Stats.IncReadError()
			continue
		}
		s.Stats.IncRequests()
		s.findWorker(addr) <- task{addr: addr, received: received, request: request}
	}
}

func (s *Server) startWorker(tasks chan task) {
	s.Stats.IncWorkers()
	defer s.Stats.DecWorkers()

	// Pre-allocating response
	response := &ntp.Packet{}
	s.fillStaticHeaders(response)
	for t := range tasks {
		s.serve(t, response)
	}
}

// serve checks the request format, gets time from local clock and responds
func (s *Server) serve(t task, response *ntp.Packet) {
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("received request from %s: %s", t.addr, spew.Sdump(t.request))
	}
	if !t.request.ValidSettingsFormat() {
		log.Debugf("invalid query from %s, discarding", t.addr)
		s.Stats.IncInvalidFormat()
		return
	}

	generateResponse(time.Now().Add(s.Config.ExtraOffset), t.received.Add(s.Config.ExtraOffset), s.Config.Leap, t.request, response)
	responseBytes, err := response.Bytes()
	if err != nil {
		log.Errorf("failed to convert %v to bytes: %v", response, err)
		return
	}
	if _, err := s.conn.WriteToUDP(responseBytes, t.addr); err != nil {
		log.Debugf("failed to respond to the request: %v", err)
		return
	}
	s.Stats.IncResponses()
}

// fillStaticHeaders pre-sets all the headers per worker which will never change
func (s *Server) fillStaticHeaders(response *ntp.Packet) {
	response.Stratum = uint8(s.Config.Stratum)
	response.Precision = s.Config.Precision
	response.RootDelay = uint32(ntp.ShortFromDuration(s.Config.RootDelay))
	response.RootDispersion = uint32(ntp.ShortFromDuration(s.Config.RootDispersion))
	// Reference ID is padded or truncated to 4 bytes
	response.ReferenceID = binary.BigEndian.Uint32([]byte(fmt.Sprintf("%-4s", s.Config.RefID)))
}

// generateResponse fills time dependent fields of the response
func generateResponse(now time.Time, received time.Time, leap uint8, request, response *ntp.Packet) {
	response.Settings = ntp.NewSettings(leap, request.Version(), ntp.ModeServer)
	response.Poll = request.Poll

	// Reference Timestamp
	// RFC: "Local time at which the local clock was last set or corrected."
	// Clients reject servers whose clock is set "now", so pretend we sync every 1000s
	lastSync := time.Unix(now.Unix()/1000*1000, 0)
	response.RefTimeSec, response.RefTimeFrac = ntp.Time(lastSync)

	// Originate Timestamp
	// RFC: "Local time at which the request departed the client host for the service host."
	response.OrigTimeSec = request.TxTimeSec
	response.OrigTimeFrac = request.TxTimeFrac

	// Receive Timestamp
	// RFC: "Local time at which the request arrived at the service host."
	response.RxTimeSec, response.RxTimeFrac = ntp.Time(received)

	// Transmit Timestamp
	// RFC: "Local time at which the reply departed the service host for the client host."
	response.TxTimeSec, response.TxTimeFrac = ntp.Time(now)
}
