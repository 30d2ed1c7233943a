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
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/xferbench/xferbench/pkg/memory"
)

// executorGroup aggregates all transfers sharing one executing agent,
// plus the streams, events and device-resident work-unit buffer they
// need. Groups are built fresh for each ExecuteTransfers call and torn
// down at its end.
type executorGroup struct {
	agent         Agent
	physIndex     int
	transfers     []*Transfer
	totalSubExecs int
	totalBytes    int64

	device      Device
	streams     []Stream
	groupParams []SubExecParam
	groupTime   time.Duration
}

// folded returns true when all of the group's transfers are issued as
// one combined launch.
func (g *executorGroup) folded(cfg *Config) bool {
	return g.agent.Kind == AgentGpuGfx && cfg.SingleStream
}

// numLaunches returns the number of independently schedulable launches
// per iteration.
func (g *executorGroup) numLaunches(cfg *Config) int {
	if g.folded(cfg) {
		return 1
	}
	return len(g.transfers)
}

// buildGroups keys transfers by their executing agent and resolves the
// physical index of each group, in deterministic agent order.
func (e *Engine) buildGroups(transfers []*Transfer) ([]*executorGroup, error) {
	byAgent := make(map[Agent]*executorGroup)
	for i, t := range transfers {
		t.index = i
		g, ok := byAgent[t.Agent]
		if !ok {
			g = &executorGroup{agent: t.Agent}
			byAgent[t.Agent] = g
		}
		g.transfers = append(g.transfers, t)
	}

	groups := make([]*executorGroup, 0, len(byAgent))
	for _, g := range byAgent {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(a, b int) bool {
		if groups[a].agent.Kind != groups[b].agent.Kind {
			return groups[a].agent.Kind < groups[b].agent.Kind
		}
		return groups[a].agent.Index < groups[b].agent.Index
	})

	for _, g := range groups {
		var err error
		if g.agent.Kind.IsGpu() {
			g.physIndex, err = e.sys.RemapGpu(g.agent.Index)
		} else {
			g.physIndex, err = e.sys.RemapCpu(g.agent.Index)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "cannot resolve executor %s", g.agent)
		}
	}
	return groups, nil
}

// prepareGroup allocates buffers, enables peer access and creates the
// group's streams and device-resident work-unit buffer.
func (e *Engine) prepareGroup(g *executorGroup, defaultBytes int64) error {
	cfg := e.cfg

	if g.agent.Kind.IsGpu() {
		dev, err := e.devices.Device(g.physIndex)
		if err != nil {
			return err
		}
		g.device = dev
	} else if cpus := e.sys.Oracle().CpuCountOnNode(g.physIndex); cpus == 0 {
		return errors.Errorf("cannot execute on NUMA node %d: no CPUs attached", g.physIndex)
	}

	for _, t := range g.transfers {
		t.numBytesActual = t.NumBytes
		if t.numBytesActual == 0 {
			t.numBytesActual = defaultBytes
		}
		allocBytes := t.numBytesActual + int64(cfg.ByteOffset)

		for _, src := range t.Srcs {
			buf, err := e.allocate(g, src, allocBytes)
			if err != nil {
				return errors.Wrapf(err, "source allocation for transfer %02d failed", t.index)
			}
			t.srcBufs = append(t.srcBufs, buf)
		}
		for _, dst := range t.Dsts {
			buf, err := e.allocate(g, dst, allocBytes)
			if err != nil {
				return errors.Wrapf(err, "destination allocation for transfer %02d failed", t.index)
			}
			t.dstBufs = append(t.dstBufs, buf)
		}

		g.totalSubExecs += t.NumSubExecs
		g.totalBytes += t.numBytesActual
	}

	if g.agent.Kind.IsGpu() {
		numStreams := len(g.transfers)
		if g.folded(cfg) {
			numStreams = 1
		}
		for i := 0; i < numStreams; i++ {
			stream, err := g.device.NewStream()
			if err != nil {
				return errors.Wrapf(err, "cannot create stream %d on executor %s", i, g.agent)
			}
			g.streams = append(g.streams, stream)
		}
		if g.agent.Kind == AgentGpuGfx {
			// One contiguous buffer holds every sub-executor's work
			// unit for this agent, supporting both one launch per
			// transfer and a single combined launch.
			g.groupParams = make([]SubExecParam, g.totalSubExecs)
		}
	}
	return nil
}

// allocate resolves a memory endpoint's physical index, lazily enables
// peer access for cross-device traffic, and allocates the buffer.
func (e *Engine) allocate(g *executorGroup, loc MemLoc, numBytes int64) (*memory.Buffer, error) {
	var (
		physIndex int
		err       error
	)
	if loc.Kind.IsGpu() {
		physIndex, err = e.sys.RemapGpu(loc.Index)
	} else {
		physIndex, err = e.sys.RemapCpu(loc.Index)
	}
	if err != nil {
		return nil, err
	}

	if g.agent.Kind.IsGpu() && loc.Kind.IsGpu() && physIndex != g.physIndex {
		if err := g.device.EnablePeerAccess(physIndex); err != nil {
			return nil, errors.Wrapf(err, "unable to enable peer access from GPU %02d to %02d",
				g.physIndex, physIndex)
		}
	}

	return e.alloc.Allocate(loc.Kind, physIndex, numBytes)
}

// layoutGroupUnits writes every transfer's work units into the group's
// contiguous buffer according to the configured ordering and records
// the slot each unit landed in. The ordering affects only placement,
// never correctness.
func (e *Engine) layoutGroupUnits(g *executorGroup) {
	if g.groupParams == nil {
		return
	}
	cfg := e.cfg

	switch {
	case !g.folded(cfg) || cfg.UnitOrder == OrderSequential:
		slot := 0
		for _, t := range g.transfers {
			for i := range t.subExec {
				t.subExecIdx = append(t.subExecIdx, slot)
				g.groupParams[slot] = t.subExec[i]
				slot++
			}
		}

	case cfg.UnitOrder == OrderInterleaved:
		slot := 0
		for unit := 0; slot < g.totalSubExecs; unit++ {
			for _, t := range g.transfers {
				if unit < t.NumSubExecs {
					t.subExecIdx = append(t.subExecIdx, slot)
					g.groupParams[slot] = t.subExec[unit]
					slot++
				}
			}
		}

	case cfg.UnitOrder == OrderRandom:
		type unitRef struct {
			transfer int
			unit     int
		}
		var refs []unitRef
		for i, t := range g.transfers {
			for unit := 0; unit < t.NumSubExecs; unit++ {
				refs = append(refs, unitRef{transfer: i, unit: unit})
			}
		}
		e.rng.Shuffle(len(refs), func(a, b int) {
			refs[a], refs[b] = refs[b], refs[a]
		})
		for slot, ref := range refs {
			t := g.transfers[ref.transfer]
			t.subExecIdx = append(t.subExecIdx, slot)
			g.groupParams[slot] = t.subExec[ref.unit]
		}
	}
}

// transferUnits returns the slots of one transfer's units inside the
// group buffer, in layout order.
func (g *executorGroup) transferUnits(t *Transfer) []*SubExecParam {
	units := make([]*SubExecParam, 0, len(t.subExecIdx))
	for _, slot := range t.subExecIdx {
		units = append(units, &g.groupParams[slot])
	}
	return units
}

// groupUnits returns every unit in the group buffer, in slot order.
func (g *executorGroup) groupUnits() []*SubExecParam {
	units := make([]*SubExecParam, len(g.groupParams))
	for i := range g.groupParams {
		units[i] = &g.groupParams[i]
	}
	return units
}

// teardown releases the group's streams and the transfers' buffers.
func (e *Engine) teardown(groups []*executorGroup) {
	for _, g := range groups {
		for _, t := range g.transfers {
			for _, buf := range t.srcBufs {
				if err := e.alloc.Release(buf); err != nil {
					log.Warn("failed to release source buffer: %v", err)
				}
			}
			for _, buf := range t.dstBufs {
				if err := e.alloc.Release(buf); err != nil {
					log.Warn("failed to release destination buffer: %v", err)
				}
			}
			t.resetRunState()
		}
		for _, stream := range g.streams {
			if err := stream.Close(); err != nil {
				log.Warn("failed to close stream on executor %s: %v", g.agent, err)
			}
		}
		g.streams = nil
		g.groupParams = nil
	}
}
