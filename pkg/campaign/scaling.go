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

	"github.com/pkg/errors"

	"github.com/xferbench/xferbench/pkg/engine"
	"github.com/xferbench/xferbench/pkg/topology"
)

// Scaling measures how one GPU's copy bandwidth scales with the number
// of sub-executors, from 1 up to the device's compute unit count,
// against every device in turn: all CPU NUMA nodes and all GPUs, the
// source GPU included.
type Scaling struct {
	cfg     *engine.Config
	src     int
	targets []device
	maxSubs int
	tests   []*Test
}

// NewScaling builds the scaling campaign for one source GPU. A
// maxSubExecs of 0 scales up to the device's compute unit count.
func NewScaling(sys *topology.System, cfg *engine.Config, srcGpu, maxSubExecs int) (*Scaling, error) {
	numGpus := sys.NumGpuDevices()
	if srcGpu < 0 || srcGpu >= numGpus {
		return nil, errors.Errorf("GPU index must be between 0 and %d (instead of %d)",
			numGpus-1, srcGpu)
	}
	if maxSubExecs <= 0 {
		phys, err := sys.RemapGpu(srcGpu)
		if err != nil {
			return nil, err
		}
		maxSubExecs = sys.Oracle().GpuComputeUnits(phys)
	}

	s := &Scaling{
		cfg:     cfg,
		src:     srcGpu,
		targets: allDevices(sys, cfg),
		maxSubs: maxSubExecs,
	}

	// One single-transfer test per count and destination, so every
	// bandwidth is measured without cross-destination contention.
	for numSubExecs := 1; numSubExecs <= maxSubExecs; numSubExecs++ {
		for _, target := range s.targets {
			s.tests = append(s.tests, &Test{
				Name: fmt.Sprintf("GPU %02d -> %s, %d sub-executors",
					srcGpu, target.mem, numSubExecs),
				Transfers: []*engine.Transfer{{
					Srcs:        []engine.MemLoc{{Kind: gpuMemKind(cfg), Index: srcGpu}},
					Dsts:        []engine.MemLoc{target.mem},
					Agent:       engine.Agent{Kind: engine.AgentGpuGfx, Index: srcGpu},
					NumSubExecs: numSubExecs,
				}},
			})
		}
	}
	log.Debug("scaling campaign: GPU %02d to %d targets, up to %d sub-executors",
		srcGpu, len(s.targets), maxSubExecs)
	return s, nil
}

// Tests returns the generated tests, one per sub-executor count and
// destination.
func (s *Scaling) Tests() []*Test {
	return s.tests
}

// Targets returns the destination labels, in test order within each
// sub-executor count.
func (s *Scaling) Targets() []string {
	labels := make([]string, len(s.targets))
	for i, d := range s.targets {
		labels[i] = d.mem.String()
	}
	return labels
}

// ScalingSummary holds per-destination bandwidth as a function of the
// sub-executor count. Bandwidth[n][d] is the rate to destination d with
// n+1 sub-executors; Best[d] is the lowest sub-executor count achieving
// the peak rate to destination d.
type ScalingSummary struct {
	Src       int
	Targets   []string
	Bandwidth [][]float64
	Best      []int
}

// Summarize folds per-test results into the scaling table. The results
// must be in Tests() order.
func (s *Scaling) Summarize(results []*engine.TestResult) (*ScalingSummary, error) {
	if len(results) != len(s.tests) {
		return nil, errors.Errorf("expected %d results, got %d", len(s.tests), len(results))
	}

	summary := &ScalingSummary{
		Src:     s.src,
		Targets: s.Targets(),
		Best:    make([]int, len(s.targets)),
	}
	for n := 0; n < s.maxSubs; n++ {
		row := make([]float64, len(s.targets))
		for d := range s.targets {
			row[d] = sumTransferBandwidth(results[n*len(s.targets)+d])
		}
		summary.Bandwidth = append(summary.Bandwidth, row)
	}

	for d := range s.targets {
		best, bestBw := 1, 0.0
		for n, row := range summary.Bandwidth {
			if row[d] > bestBw {
				best, bestBw = n+1, row[d]
			}
		}
		summary.Best[d] = best
	}
	return summary, nil
}
