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

package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xferbench/xferbench/pkg/campaign"
	"github.com/xferbench/xferbench/pkg/engine"
	"github.com/xferbench/xferbench/pkg/topology"
)

func testResult() *engine.TestResult {
	return &engine.TestResult{
		TestNum:            3,
		NumTimedIterations: 10,
		TotalBytes:         1 << 20,
		AvgTotalTime:       time.Millisecond,
		TotalBandwidthGBs:  1.049,
		Passed:             true,
		Agents: []engine.AgentResult{
			{
				Agent:        engine.Agent{Kind: engine.AgentGpuGfx, Index: 0},
				NumBytes:     1 << 20,
				AvgTime:      time.Millisecond,
				BandwidthGBs: 1.049,
				Transfers: []engine.TransferResult{
					{
						Index:        0,
						Src:          "C0",
						Exe:          "G0",
						Dst:          "G1",
						NumSubExecs:  4,
						NumBytes:     1 << 20,
						SrcAddrs:     []string{"0xc000100000"},
						DstAddrs:     []string{"0xc000200000"},
						AvgTime:      time.Millisecond,
						BandwidthGBs: 1.049,
					},
				},
			},
		},
	}
}

func TestTestTable(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, false)
	r.TestHeader()
	r.Test("C0 -> G1", testResult())

	out := buf.String()
	require.Contains(t, out, "Test 3: C0 -> G1")
	require.Contains(t, out, "Transfer 00")
	require.Contains(t, out, "C0 -> G0:4 -> G1")
	require.Contains(t, out, "Aggregate")
	require.NotContains(t, out, "Test#,")
}

func TestTestCsv(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf, true)
	r.TestHeader()
	r.Test("C0 -> G1", testResult())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Equal(t,
		"Test#,Transfer#,NumBytes,Src,Exe,Dst,CUs,BW(GB/s),Time(ms),SrcAddr,DstAddr",
		lines[0])
	require.Equal(t,
		"3,0,1048576,C0,G0,G1,4,1.049,1.000,0xc000100000,0xc000200000",
		lines[1])
}

func TestTopology(t *testing.T) {
	sys := topology.NewSystem(topology.NewSimOracle(2, 2))

	var buf bytes.Buffer
	New(&buf, false).Topology(sys)

	out := buf.String()
	require.Contains(t, out, "NUMA topology")
	require.Contains(t, out, "node 0")
	require.Contains(t, out, "GPU topology")
	require.Contains(t, out, "XGMI-1")

	buf.Reset()
	New(&buf, true).Topology(sys)
	require.Contains(t, buf.String(), "NumaNode,CPUs,Distances,ClosestGPUs")
	require.Contains(t, buf.String(), "SrcGpu,DstGpu,Link,Hops")
}

func TestP2PSummary(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, false).P2PSummary(&campaign.P2PSummary{
		Labels:  []string{"C0", "G0"},
		Uni:     [][]float64{{10, 20}, {30, 40}},
		Bidi:    [][]float64{{10, 50}, {60, 40}},
		AvgUni:  25,
		AvgBidi: 55,
	})

	out := buf.String()
	require.Contains(t, out, "Unidirectional bandwidth")
	require.Contains(t, out, "Bidirectional bandwidth")
	require.Contains(t, out, "25.000 GB/s")
	require.Contains(t, out, "55.000 GB/s")
}

func TestScalingSummary(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, false).ScalingSummary(&campaign.ScalingSummary{
		Src:       0,
		Targets:   []string{"C0", "G1"},
		Bandwidth: [][]float64{{5, 10}, {9, 20}, {8, 19}},
		Best:      []int{2, 2},
	})

	out := buf.String()
	require.Contains(t, out, "Scaling from GPU 00")
	require.Contains(t, out, "Best for G1: 2 sub-executors")
}

func TestAllToAllSummary(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, false).AllToAllSummary(&campaign.AllToAllSummary{
		NumGpus:   2,
		Bandwidth: [][]float64{{0, 12}, {11, 0}},
		RowTotal:  []float64{12, 11},
		ColTotal:  []float64{11, 12},
		Average:   11.5,
		Total:     23,
	})

	out := buf.String()
	require.Contains(t, out, "All-to-all bandwidth")
	require.Contains(t, out, "Average pair bandwidth: 11.500 GB/s")
	require.Contains(t, out, "Total fabric bandwidth: 23.000 GB/s")
}
