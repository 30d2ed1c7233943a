// Copyright The XferBench Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/xferbench/xferbench/pkg/memory"
	"github.com/xferbench/xferbench/pkg/topology"
)

// Handle identifies one submitted launch on a stream.
type Handle int

// Stream is one in-order submission queue on a device. Submissions are
// asynchronous; Synchronize blocks until the handle's work completed,
// after which Elapsed reports the device-timed duration between the
// launch's start and stop timestamps.
type Stream interface {
	// Submit launches the copy/reduce kernel over the given work
	// units. The agent writes start/stop cycles and a location
	// identifier back into each unit.
	Submit(units []*SubExecParam) (Handle, error)
	// SubmitCopy launches a single DMA copy, or a fill when src is
	// nil.
	SubmitCopy(dst, src []float32) (Handle, error)
	// Synchronize blocks until the handle's work has completed.
	Synchronize(h Handle) error
	// Elapsed returns the device-timed duration of a completed launch.
	Elapsed(h Handle) (time.Duration, error)
	// Close releases the stream and its timing events.
	Close() error
}

// Device is the opaque execution primitive behind GPU agents. The
// engine schedules and times device work; it never implements it.
type Device interface {
	// Index returns the physical device index.
	Index() int
	// ClockMHz returns the device timestamp clock rate, used to
	// convert cycles to wall-clock time.
	ClockMHz() int
	// NumDies returns the number of sub-partitions work units can be
	// routed to.
	NumDies() int
	// NewStream creates an independent submission queue.
	NewStream() (Stream, error)
	// EnablePeerAccess makes another device's memory directly
	// addressable. Idempotent.
	EnablePeerAccess(peer int) error
}

// DeviceSet resolves physical GPU indices to devices.
type DeviceSet interface {
	Device(physIndex int) (Device, error)
}

// simDeviceSet is a software implementation of the device capability,
// sized from a topology oracle. It executes kernels with goroutines
// and stamps timestamps from a per-device cycle clock, so scheduling
// and timing logic runs unmodified without hardware.
type simDeviceSet struct {
	sync.Mutex
	devices map[int]*simDevice
	oracle  topology.Oracle
	dies    int
}

// NewSimDeviceSet creates a simulated device set over an oracle.
func NewSimDeviceSet(oracle topology.Oracle, dies int) DeviceSet {
	if dies < 1 {
		dies = 1
	}
	return &simDeviceSet{
		devices: make(map[int]*simDevice),
		oracle:  oracle,
		dies:    dies,
	}
}

// Device returns the simulated device with the given physical index.
func (s *simDeviceSet) Device(physIndex int) (Device, error) {
	if physIndex < 0 || physIndex >= s.oracle.NumGpus() {
		return nil, errors.Errorf("GPU index must be between 0 and %d (instead of %d)",
			s.oracle.NumGpus()-1, physIndex)
	}
	s.Lock()
	defer s.Unlock()
	if dev, ok := s.devices[physIndex]; ok {
		return dev, nil
	}
	dev := &simDevice{
		index:    physIndex,
		clockMHz: s.oracle.GpuClockMHz(physIndex),
		dies:     s.dies,
		peers:    make(map[int]bool),
		epoch:    time.Now(),
	}
	s.devices[physIndex] = dev
	return dev, nil
}

type simDevice struct {
	sync.Mutex
	index    int
	clockMHz int
	dies     int
	peers    map[int]bool
	epoch    time.Time
}

func (d *simDevice) Index() int {
	return d.index
}

func (d *simDevice) ClockMHz() int {
	return d.clockMHz
}

func (d *simDevice) NumDies() int {
	return d.dies
}

// cycles reads the device timestamp clock.
func (d *simDevice) cycles() int64 {
	return time.Since(d.epoch).Nanoseconds() * int64(d.clockMHz) / 1000
}

// cyclesToDuration converts a cycle delta to wall-clock time.
func (d *simDevice) cyclesToDuration(delta int64) time.Duration {
	return time.Duration(delta * 1000 / int64(d.clockMHz))
}

func (d *simDevice) EnablePeerAccess(peer int) error {
	d.Lock()
	defer d.Unlock()
	if !d.peers[peer] {
		log.Debug("GPU %02d: enabling peer access to GPU %02d", d.index, peer)
		d.peers[peer] = true
	}
	return nil
}

func (d *simDevice) NewStream() (Stream, error) {
	return &simStream{dev: d, launches: make(map[Handle]*simLaunch)}, nil
}

type simLaunch struct {
	done       chan struct{}
	startCycle int64
	stopCycle  int64
}

type simStream struct {
	sync.Mutex
	dev      *simDevice
	next     Handle
	launches map[Handle]*simLaunch
}

func (s *simStream) newLaunch() (Handle, *simLaunch) {
	s.Lock()
	defer s.Unlock()
	h := s.next
	s.next++
	l := &simLaunch{done: make(chan struct{})}
	s.launches[h] = l
	return h, l
}

// Submit runs the copy/reduce kernel: every destination element
// becomes the sum of the corresponding source elements, or the fill
// value when the unit has no sources. Zero-sized units are legal
// no-ops.
func (s *simStream) Submit(units []*SubExecParam) (Handle, error) {
	h, l := s.newLaunch()

	go func() {
		defer close(l.done)
		l.startCycle = s.dev.cycles()

		var wg sync.WaitGroup
		for slot, p := range units {
			wg.Add(1)
			go func(slot int, p *SubExecParam) {
				defer wg.Done()
				die := p.PreferredDie
				if die < 0 {
					die = slot % s.dev.dies
				}
				p.StartCycle = s.dev.cycles()
				runReduceKernel(p)
				p.StopCycle = s.dev.cycles()
				p.Location = UnitLocation{Die: die, Unit: slot}
			}(slot, p)
		}
		wg.Wait()

		l.stopCycle = s.dev.cycles()
	}()

	return h, nil
}

// SubmitCopy runs one DMA copy, or a fill when src is nil.
func (s *simStream) SubmitCopy(dst, src []float32) (Handle, error) {
	h, l := s.newLaunch()

	go func() {
		defer close(l.done)
		l.startCycle = s.dev.cycles()
		if src == nil {
			for i := range dst {
				dst[i] = memory.FillValue
			}
		} else {
			copy(dst, src)
		}
		l.stopCycle = s.dev.cycles()
	}()

	return h, nil
}

func (s *simStream) launch(h Handle) (*simLaunch, error) {
	s.Lock()
	defer s.Unlock()
	l, ok := s.launches[h]
	if !ok {
		return nil, errors.Errorf("unknown launch handle %d on GPU %02d", h, s.dev.index)
	}
	return l, nil
}

func (s *simStream) Synchronize(h Handle) error {
	l, err := s.launch(h)
	if err != nil {
		return err
	}
	<-l.done
	return nil
}

func (s *simStream) Elapsed(h Handle) (time.Duration, error) {
	l, err := s.launch(h)
	if err != nil {
		return 0, err
	}
	select {
	case <-l.done:
	default:
		return 0, errors.Errorf("launch %d has not been synchronized", h)
	}
	return s.dev.cyclesToDuration(l.stopCycle - l.startCycle), nil
}

func (s *simStream) Close() error {
	return nil
}

// runReduceKernel performs one work unit's copy/reduce.
func runReduceKernel(p *SubExecParam) {
	if p.N == 0 {
		return
	}
	switch {
	case len(p.Srcs) == 0:
		for _, dst := range p.Dsts {
			for i := 0; i < p.N; i++ {
				dst[i] = memory.FillValue
			}
		}
	case len(p.Srcs) == 1 && len(p.Dsts) == 1:
		copy(p.Dsts[0][:p.N], p.Srcs[0][:p.N])
	default:
		for i := 0; i < p.N; i++ {
			sum := float32(0)
			for _, src := range p.Srcs {
				sum += src[i]
			}
			for _, dst := range p.Dsts {
				dst[i] = sum
			}
		}
	}
}
