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

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/xferbench/xferbench/pkg/memory"
)

// cyclesToDuration converts a device cycle delta to wall-clock time.
func cyclesToDuration(clockMHz int, delta int64) time.Duration {
	return time.Duration(delta * 1000 / int64(clockMHz))
}

// runIterations drives the warmup and timed iterations over all groups.
// It returns the number of timed iterations executed and the total wall
// time spent in them. A positive Iterations runs exactly that many
// timed iterations; a negative one runs until at least that many
// seconds of timed wall time have accumulated.
func (e *Engine) runIterations(groups []*executorGroup) (int, time.Duration, error) {
	cfg := e.cfg

	numTimed := 0
	totalWall := time.Duration(0)
	for iteration := -cfg.Warmups; ; iteration++ {
		if cfg.Iterations > 0 {
			if iteration >= cfg.Iterations {
				break
			}
		} else if totalWall >= time.Duration(-cfg.Iterations)*time.Second {
			break
		}

		timed := iteration >= 0
		start := time.Now()
		if err := e.runIteration(groups, timed); err != nil {
			return numTimed, totalWall, err
		}
		if timed {
			numTimed++
			totalWall += time.Since(start)
		}

		if timed && cfg.ValidateEvery {
			if err := e.validateAll(groups); err != nil {
				if !cfg.ContinueOnError {
					return numTimed, totalWall, err
				}
				log.Error("iteration %d: %v", iteration, err)
				e.failed = true
			}
		}
	}
	return numTimed, totalWall, nil
}

// runIteration launches every group's transfers concurrently and waits
// for all of them. Timing state is only accumulated on timed iterations.
func (e *Engine) runIteration(groups []*executorGroup, timed bool) error {
	var (
		wg      sync.WaitGroup
		mutex   sync.Mutex
		runErrs *multierror.Error
	)
	fail := func(err error) {
		mutex.Lock()
		defer mutex.Unlock()
		runErrs = multierror.Append(runErrs, err)
	}

	for _, g := range groups {
		for idx := 0; idx < g.numLaunches(e.cfg); idx++ {
			wg.Add(1)
			go func(g *executorGroup, idx int) {
				defer wg.Done()
				var err error
				switch g.agent.Kind {
				case AgentGpuGfx:
					err = e.runGfxLaunch(g, idx, timed)
				case AgentGpuDma:
					err = e.runDmaLaunch(g, idx, timed)
				case AgentCpu:
					err = e.runCpuLaunch(g, idx, timed)
				}
				if err != nil {
					fail(errors.Wrapf(err, "executor %s launch %d", g.agent, idx))
				}
			}(g, idx)
		}
	}
	wg.Wait()

	return runErrs.ErrorOrNil()
}

// runGfxLaunch submits one GFX launch: either a single transfer's units
// or, when folded, every unit of the group in one kernel.
func (e *Engine) runGfxLaunch(g *executorGroup, idx int, timed bool) error {
	var (
		stream Stream
		units  []*SubExecParam
	)
	if g.folded(e.cfg) {
		stream, units = g.streams[0], g.groupUnits()
	} else {
		stream, units = g.streams[idx], g.transferUnits(g.transfers[idx])
	}

	h, err := stream.Submit(units)
	if err != nil {
		return err
	}
	if err := stream.Synchronize(h); err != nil {
		return err
	}
	if !timed {
		return nil
	}

	elapsed, err := stream.Elapsed(h)
	if err != nil {
		return err
	}

	if g.folded(e.cfg) {
		g.groupTime += elapsed
		// The single launch times the whole group. Per-transfer time is
		// recovered from the unit timestamps: earliest start to latest
		// stop over the transfer's own units.
		for _, t := range g.transfers {
			e.recordFoldedTiming(g, t)
		}
		return nil
	}

	t := g.transfers[idx]
	t.elapsed += elapsed
	if e.cfg.ShowIterations {
		t.perIterElapsed = append(t.perIterElapsed, elapsed)
		t.perIterUnits = append(t.perIterUnits, unitLocations(units))
	}
	return nil
}

// recordFoldedTiming reconstructs one transfer's iteration time from
// the start/stop cycles its units reported.
func (e *Engine) recordFoldedTiming(g *executorGroup, t *Transfer) {
	units := g.transferUnits(t)

	var minStart, maxStop int64
	seen := false
	for _, p := range units {
		if p.N == 0 {
			continue
		}
		if !seen || p.StartCycle < minStart {
			minStart = p.StartCycle
		}
		if !seen || p.StopCycle > maxStop {
			maxStop = p.StopCycle
		}
		seen = true
	}

	elapsed := cyclesToDuration(g.device.ClockMHz(), maxStop-minStart)
	t.elapsed += elapsed
	if e.cfg.ShowIterations {
		t.perIterElapsed = append(t.perIterElapsed, elapsed)
		t.perIterUnits = append(t.perIterUnits, unitLocations(units))
	}
}

// runDmaLaunch submits one transfer as a single DMA copy of its whole
// byte range. A transfer with no source is a fill.
func (e *Engine) runDmaLaunch(g *executorGroup, idx int, timed bool) error {
	t := g.transfers[idx]
	if len(t.dstBufs) == 0 {
		return nil
	}

	n := int(t.numBytesActual / memory.ElemBytes)
	offset := e.cfg.ByteOffset / memory.ElemBytes
	dst := t.dstBufs[0].Span(offset, n)
	var src []float32
	if len(t.srcBufs) > 0 {
		src = t.srcBufs[0].Span(offset, n)
	}

	stream := g.streams[idx]
	h, err := stream.SubmitCopy(dst, src)
	if err != nil {
		return err
	}
	if err := stream.Synchronize(h); err != nil {
		return err
	}
	if !timed {
		return nil
	}

	elapsed, err := stream.Elapsed(h)
	if err != nil {
		return err
	}
	t.elapsed += elapsed
	if e.cfg.ShowIterations {
		t.perIterElapsed = append(t.perIterElapsed, elapsed)
		t.perIterUnits = append(t.perIterUnits, nil)
	}
	return nil
}

// runCpuLaunch executes one transfer with a goroutine per sub-executor
// and wall-clock timing around the join.
func (e *Engine) runCpuLaunch(g *executorGroup, idx int, timed bool) error {
	t := g.transfers[idx]

	start := time.Now()
	var wg sync.WaitGroup
	for i := range t.subExec {
		wg.Add(1)
		go func(p *SubExecParam) {
			defer wg.Done()
			runReduceKernel(p)
		}(&t.subExec[i])
	}
	wg.Wait()
	elapsed := time.Since(start)

	if !timed {
		return nil
	}
	t.elapsed += elapsed
	if e.cfg.ShowIterations {
		t.perIterElapsed = append(t.perIterElapsed, elapsed)
		t.perIterUnits = append(t.perIterUnits, nil)
	}
	return nil
}

func unitLocations(units []*SubExecParam) []UnitLocation {
	locs := make([]UnitLocation, len(units))
	for i, p := range units {
		locs[i] = p.Location
	}
	return locs
}
