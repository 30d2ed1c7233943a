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
	"github.com/pkg/errors"

	"github.com/xferbench/xferbench/pkg/engine"
	"github.com/xferbench/xferbench/pkg/topology"
)

// AllToAll generates a single test in which every GPU copies to every
// other GPU simultaneously, stressing the full fabric at once.
type AllToAll struct {
	numGpus int
	pairs   [][2]int
	test    *Test
}

// NewAllToAll builds the all-to-all campaign. With direct-only mode the
// pairs are restricted to 1-hop fabric neighbors.
func NewAllToAll(sys *topology.System, cfg *engine.Config) (*AllToAll, error) {
	numGpus := sys.NumGpuDevices()
	if numGpus < 2 {
		return nil, errors.New("all-to-all campaign needs at least two GPUs")
	}

	a := &AllToAll{
		numGpus: numGpus,
		test:    &Test{Name: "all-to-all"},
	}
	for src := 0; src < numGpus; src++ {
		for dst := 0; dst < numGpus; dst++ {
			if src == dst {
				continue
			}
			if cfg.A2aDirect {
				link, err := sys.LinkInfo(src, dst)
				if err != nil {
					return nil, err
				}
				if link.Kind != topology.LinkXGMI || link.Hops != 1 {
					log.Debug("all-to-all: skipping GPU %02d -> %02d: %s with %d hops",
						src, dst, link.Kind, link.Hops)
					continue
				}
			}
			agent := gpuAgent(cfg, src)
			a.test.Transfers = append(a.test.Transfers, &engine.Transfer{
				Srcs:        []engine.MemLoc{{Kind: gpuMemKind(cfg), Index: src}},
				Dsts:        []engine.MemLoc{{Kind: gpuMemKind(cfg), Index: dst}},
				Agent:       agent,
				NumSubExecs: numSubExecs(cfg, agent),
			})
			a.pairs = append(a.pairs, [2]int{src, dst})
		}
	}
	if len(a.test.Transfers) == 0 {
		return nil, errors.New("all-to-all campaign: no eligible GPU pairs")
	}
	return a, nil
}

// Tests returns the single all-to-all test.
func (a *AllToAll) Tests() []*Test {
	return []*Test{a.test}
}

// AllToAllSummary holds the simultaneous per-pair bandwidth matrix in
// GB/s, indexed [src][dst], with per-GPU read/write totals, the
// average over measured pairs and the fabric total.
type AllToAllSummary struct {
	NumGpus   int
	Bandwidth [][]float64
	RowTotal  []float64
	ColTotal  []float64
	Average   float64
	Total     float64
}

// Summarize folds the single test result into the pair matrix.
func (a *AllToAll) Summarize(result *engine.TestResult) (*AllToAllSummary, error) {
	summary := &AllToAllSummary{
		NumGpus:   a.numGpus,
		Bandwidth: newMatrix(a.numGpus),
		RowTotal:  make([]float64, a.numGpus),
		ColTotal:  make([]float64, a.numGpus),
	}

	seen := 0
	for _, agent := range result.Agents {
		for _, tr := range agent.Transfers {
			if tr.Index < 0 || tr.Index >= len(a.pairs) {
				return nil, errors.Errorf("unexpected transfer result index %d", tr.Index)
			}
			pair := a.pairs[tr.Index]
			summary.Bandwidth[pair[0]][pair[1]] = tr.BandwidthGBs
			summary.RowTotal[pair[0]] += tr.BandwidthGBs
			summary.ColTotal[pair[1]] += tr.BandwidthGBs
			summary.Total += tr.BandwidthGBs
			seen++
		}
	}
	if seen != len(a.pairs) {
		return nil, errors.Errorf("expected %d transfer results, got %d", len(a.pairs), seen)
	}
	summary.Average = summary.Total / float64(seen)
	return summary, nil
}
