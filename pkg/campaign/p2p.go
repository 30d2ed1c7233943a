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

// P2pModeBoth and friends select which directions the peer-to-peer
// campaign measures.
const (
	P2pModeBoth = iota
	P2pModeUnidirectional
	P2pModeBidirectional
)

type p2pPair struct {
	src, dst int
	bidi     bool
}

// P2P generates one test per device pair: every CPU NUMA node and GPU
// copying to every other, unidirectionally and bidirectionally.
type P2P struct {
	cfg     *engine.Config
	devices []device
	tests   []*Test
	pairs   []p2pPair
}

// NewP2P builds the peer-to-peer campaign over all devices of the
// topology.
func NewP2P(sys *topology.System, cfg *engine.Config) *P2P {
	p := &P2P{
		cfg:     cfg,
		devices: allDevices(sys, cfg),
	}

	n := len(p.devices)
	for src := 0; src < n; src++ {
		for dst := 0; dst < n; dst++ {
			if cfg.P2pMode != P2pModeBidirectional {
				p.addTest(src, dst, false)
			}
			// A bidirectional pair against itself degenerates to the
			// unidirectional case.
			if cfg.P2pMode != P2pModeUnidirectional && src != dst {
				p.addTest(src, dst, true)
			}
		}
	}
	log.Debug("peer-to-peer campaign: %d devices, %d tests", n, len(p.tests))
	return p
}

func (p *P2P) addTest(src, dst int, bidi bool) {
	srcDev, dstDev := p.devices[src], p.devices[dst]

	test := &Test{
		Transfers: []*engine.Transfer{newTransfer(p.cfg, srcDev, dstDev)},
	}
	if bidi {
		test.Name = fmt.Sprintf("%s <-> %s", srcDev.mem, dstDev.mem)
		test.Transfers = append(test.Transfers, newTransfer(p.cfg, dstDev, srcDev))
	} else {
		test.Name = fmt.Sprintf("%s -> %s", srcDev.mem, dstDev.mem)
	}

	p.tests = append(p.tests, test)
	p.pairs = append(p.pairs, p2pPair{src: src, dst: dst, bidi: bidi})
}

// Tests returns the generated tests in execution order.
func (p *P2P) Tests() []*Test {
	return p.tests
}

// DeviceLabels returns the row/column labels of the summary matrices.
func (p *P2P) DeviceLabels() []string {
	labels := make([]string, len(p.devices))
	for i, d := range p.devices {
		labels[i] = d.mem.String()
	}
	return labels
}

// P2PSummary holds the per-pair bandwidth matrices in GB/s, indexed
// [src][dst], plus the averages over all remote pairs and over the
// CPU/GPU device-class combinations.
type P2PSummary struct {
	Labels      []string
	Uni         [][]float64
	Bidi        [][]float64
	AvgUni      float64
	AvgBidi     float64
	ClassLabels []string
	ClassUni    [][]float64
	ClassBidi   [][]float64
}

// Summarize folds per-test results back into the pair matrices. The
// results must be in Tests() order.
func (p *P2P) Summarize(results []*engine.TestResult) (*P2PSummary, error) {
	if len(results) != len(p.tests) {
		return nil, errors.Errorf("expected %d results, got %d", len(p.tests), len(results))
	}

	n := len(p.devices)
	summary := &P2PSummary{
		Labels: p.DeviceLabels(),
		Uni:    newMatrix(n),
		Bidi:   newMatrix(n),
	}

	for i, result := range results {
		pair := p.pairs[i]
		bw := sumTransferBandwidth(result)
		if pair.bidi {
			summary.Bidi[pair.src][pair.dst] = bw
		} else {
			summary.Uni[pair.src][pair.dst] = bw
			if pair.src == pair.dst {
				summary.Bidi[pair.src][pair.dst] = bw
			}
		}
	}

	summary.AvgUni = remoteAverage(summary.Uni)
	summary.AvgBidi = remoteAverage(summary.Bidi)
	summary.ClassLabels = []string{"CPU", "GPU"}
	summary.ClassUni = p.classAverage(summary.Uni)
	summary.ClassBidi = p.classAverage(summary.Bidi)
	return summary, nil
}

func (p *P2P) deviceClass(i int) int {
	if p.devices[i].mem.Kind.IsGpu() {
		return 1
	}
	return 0
}

// classAverage folds the pair matrix down to average bandwidth per
// CPU/GPU source and destination class, remote pairs only.
func (p *P2P) classAverage(m [][]float64) [][]float64 {
	avg, cnt := newMatrix(2), newMatrix(2)
	for i := range m {
		for j := range m[i] {
			if i == j || m[i][j] == 0 {
				continue
			}
			si, dj := p.deviceClass(i), p.deviceClass(j)
			avg[si][dj] += m[i][j]
			cnt[si][dj]++
		}
	}
	for i := range avg {
		for j := range avg[i] {
			if cnt[i][j] > 0 {
				avg[i][j] /= cnt[i][j]
			}
		}
	}
	return avg
}

func newMatrix(n int) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
	}
	return m
}

// sumTransferBandwidth adds up the per-transfer bandwidths of a test,
// so a bidirectional pair reports the combined rate of both directions.
func sumTransferBandwidth(result *engine.TestResult) float64 {
	sum := 0.0
	for _, agent := range result.Agents {
		for _, tr := range agent.Transfers {
			sum += tr.BandwidthGBs
		}
	}
	return sum
}

// remoteAverage averages the off-diagonal cells that carry a value.
func remoteAverage(m [][]float64) float64 {
	sum, cnt := 0.0, 0
	for i := range m {
		for j := range m[i] {
			if i != j && m[i][j] > 0 {
				sum += m[i][j]
				cnt++
			}
		}
	}
	if cnt == 0 {
		return 0
	}
	return sum / float64(cnt)
}
