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

package campaign

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/xferbench/xferbench/pkg/engine"
	"github.com/xferbench/xferbench/pkg/memory"
	"github.com/xferbench/xferbench/pkg/topology"
)

// sweepTriple is one eligible (src, exe, dst) combination.
type sweepTriple struct {
	src engine.MemLoc
	exe engine.Agent
	dst engine.MemLoc
}

// Sweep enumerates tests over subsets of the eligible (src, exe, dst)
// universe: exhaustively in lexicographic order, or by random subsets.
// Every generated test is recorded in replay form, so an interesting
// result can be re-run from the log.
type Sweep struct {
	cfg      *engine.Config
	universe []sweepTriple
	maxBytes int64

	random   bool
	rng      *rand.Rand
	size     int
	maxSize  int
	combo    []int
	count    int
	deadline time.Time
	replay   []string
}

// NewSweep builds the sweep campaign. The universe is every (src, exe,
// dst) triple allowed by the sweep configuration's participant kinds
// and fabric hop bounds; maxBytes caps randomized per-transfer byte
// counts.
func NewSweep(sys *topology.System, cfg *engine.Config, maxBytes int64, random bool) (*Sweep, error) {
	s := &Sweep{
		cfg:      cfg,
		maxBytes: maxBytes,
		random:   random,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}
	sw := &cfg.Sweep

	exes, err := sweepAgents(sys, sw.Exe)
	if err != nil {
		return nil, err
	}
	srcs, err := sweepMemLocs(sys, sw.Src)
	if err != nil {
		return nil, err
	}
	dsts, err := sweepMemLocs(sys, sw.Dst)
	if err != nil {
		return nil, err
	}

	for _, src := range srcs {
		for _, exe := range exes {
			for _, dst := range dsts {
				ok, err := s.eligible(sys, src, exe, dst)
				if err != nil {
					return nil, err
				}
				if ok {
					s.universe = append(s.universe, sweepTriple{src: src, exe: exe, dst: dst})
				}
			}
		}
	}
	if len(s.universe) == 0 {
		return nil, errors.New("sweep universe is empty")
	}

	s.maxSize = sw.Max
	if s.maxSize == 0 || s.maxSize > len(s.universe) {
		s.maxSize = len(s.universe)
	}
	if sw.Min > s.maxSize {
		return nil, errors.Errorf("sweep subset size minimum (%d) exceeds universe size (%d)",
			sw.Min, s.maxSize)
	}
	if random && sw.TestLimit == 0 && sw.TimeLimitSec == 0 {
		return nil, errors.New("random sweep needs a test or time limit")
	}

	s.size = sw.Min
	if sw.TimeLimitSec > 0 {
		s.deadline = time.Now().Add(time.Duration(sw.TimeLimitSec) * time.Second)
	}

	log.Info("sweep universe: %d triples, subset sizes %d to %d", len(s.universe), sw.Min, s.maxSize)
	return s, nil
}

// sweepAgents expands a participant kind string into all matching
// executing agents.
func sweepAgents(sys *topology.System, kinds string) ([]engine.Agent, error) {
	var agents []engine.Agent
	for i := 0; i < len(kinds); i++ {
		kind, err := engine.AgentKindFromChar(kinds[i])
		if err != nil {
			return nil, err
		}
		n := sys.NumGpuDevices()
		if kind == engine.AgentCpu {
			n = sys.NumCpuDevices()
		}
		for idx := 0; idx < n; idx++ {
			agents = append(agents, engine.Agent{Kind: kind, Index: idx})
		}
	}
	return agents, nil
}

// sweepMemLocs expands a participant kind string into all matching
// memory endpoints.
func sweepMemLocs(sys *topology.System, kinds string) ([]engine.MemLoc, error) {
	var locs []engine.MemLoc
	for i := 0; i < len(kinds); i++ {
		kind, err := memory.KindFromChar(kinds[i])
		if err != nil {
			return nil, err
		}
		if kind == memory.KindNull {
			continue
		}
		n := sys.NumGpuDevices()
		if kind.IsCpu() {
			n = sys.NumCpuDevices()
		}
		for idx := 0; idx < n; idx++ {
			locs = append(locs, engine.MemLoc{Kind: kind, Index: idx})
		}
	}
	return locs, nil
}

// eligible applies the fabric hop bounds: for GPU executors the sum of
// direct-fabric hops to GPU endpoints must fall within the configured
// range. Other links contribute no hops.
func (s *Sweep) eligible(sys *topology.System, src engine.MemLoc, exe engine.Agent, dst engine.MemLoc) (bool, error) {
	if exe.Kind == engine.AgentGpuDma && src == dst {
		// DMA copy onto itself is pointless.
		return false, nil
	}
	sw := &s.cfg.Sweep
	if !exe.Kind.IsGpu() {
		return sw.XgmiMin <= 0, nil
	}

	hops := 0
	for _, loc := range []engine.MemLoc{src, dst} {
		if !loc.Kind.IsGpu() {
			continue
		}
		link, err := sys.LinkInfo(exe.Index, loc.Index)
		if err != nil {
			return false, err
		}
		if link.Kind == topology.LinkXGMI {
			hops += link.Hops
		}
	}
	if hops < sw.XgmiMin {
		return false, nil
	}
	if sw.XgmiMax >= 0 && hops > sw.XgmiMax {
		return false, nil
	}
	return true, nil
}

// UniverseSize returns the number of eligible triples.
func (s *Sweep) UniverseSize() int {
	return len(s.universe)
}

// Count returns the number of tests generated so far.
func (s *Sweep) Count() int {
	return s.count
}

// ReplayLines returns every generated test in advanced transfer-list
// form, suitable for re-running.
func (s *Sweep) ReplayLines() []string {
	return s.replay
}

// Next returns the next sweep test, or nil when the sweep is exhausted
// or has hit its test or time limit.
func (s *Sweep) Next() *Test {
	sw := &s.cfg.Sweep
	if sw.TestLimit > 0 && s.count >= sw.TestLimit {
		return nil
	}
	if !s.deadline.IsZero() && time.Now().After(s.deadline) {
		return nil
	}

	var picks []int
	if s.random {
		picks = s.randomSubset()
	} else {
		picks = s.nextCombination()
	}
	if picks == nil {
		return nil
	}

	s.count++
	test := &Test{Name: fmt.Sprintf("sweep %d", s.count)}
	for _, i := range picks {
		triple := s.universe[i]
		agent := triple.exe
		xfer := &engine.Transfer{
			Srcs:        []engine.MemLoc{triple.src},
			Dsts:        []engine.MemLoc{triple.dst},
			Agent:       agent,
			NumSubExecs: numSubExecs(s.cfg, agent),
		}
		if sw.RandBytes {
			blocks := int(s.maxBytes / int64(s.cfg.BlockBytes))
			if blocks > 0 {
				xfer.NumBytes = int64(1+s.rng.Intn(blocks)) * int64(s.cfg.BlockBytes)
			}
		}
		test.Transfers = append(test.Transfers, xfer)
	}
	s.replay = append(s.replay, s.replayLine(test))
	return test
}

// randomSubset draws a uniform subset size and that many distinct
// triples.
func (s *Sweep) randomSubset() []int {
	size := s.cfg.Sweep.Min + s.rng.Intn(s.maxSize-s.cfg.Sweep.Min+1)
	perm := s.rng.Perm(len(s.universe))
	return perm[:size]
}

// nextCombination steps the lexicographic enumeration: all subsets of
// the current size, then the next size up.
func (s *Sweep) nextCombination() []int {
	if s.combo == nil {
		s.combo = make([]int, s.size)
		for i := range s.combo {
			s.combo[i] = i
		}
		return s.combo
	}

	n, k := len(s.universe), len(s.combo)
	i := k - 1
	for i >= 0 && s.combo[i] == n-k+i {
		i--
	}
	if i < 0 {
		if s.size >= s.maxSize {
			return nil
		}
		s.size++
		s.combo = nil
		return s.nextCombination()
	}
	s.combo[i]++
	for j := i + 1; j < k; j++ {
		s.combo[j] = s.combo[j-1] + 1
	}
	return s.combo
}

// replayLine renders a test in advanced transfer-list form.
func (s *Sweep) replayLine(test *Test) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "-%d", len(test.Transfers))
	for _, t := range test.Transfers {
		numBytes := t.NumBytes
		if numBytes == 0 {
			numBytes = s.maxBytes
		}
		fmt.Fprintf(&sb, " (%s %s %s %d %d)",
			t.SrcString(), t.Agent, t.DstString(), t.NumSubExecs, numBytes)
	}
	return sb.String()
}
