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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xferbench/xferbench/pkg/memory"
	"github.com/xferbench/xferbench/pkg/topology"
)

func newSimSystem(numNodes, numGpus int) *topology.System {
	return topology.NewSystem(topology.NewSimOracle(numNodes, numGpus))
}

func newSimEngine(t *testing.T, cfg *Config, numNodes, numGpus int) (*Engine, *memory.SimAllocator) {
	sys := newSimSystem(numNodes, numGpus)
	alloc := memory.NewSimAllocator()
	devices := NewSimDeviceSet(sys.Oracle(), 1)
	e, err := New(sys, alloc, devices, cfg)
	require.NoError(t, err)
	return e, alloc
}

func TestExecuteSingleTransfer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Warmups = 1
	cfg.Iterations = 3

	e, alloc := newSimEngine(t, cfg, 2, 2)

	transfers := []*Transfer{
		{
			Srcs:        []MemLoc{{Kind: memory.KindCpu, Index: 0}},
			Dsts:        []MemLoc{{Kind: memory.KindGpu, Index: 0}},
			Agent:       Agent{Kind: AgentGpuGfx, Index: 0},
			NumSubExecs: 4,
		},
	}

	result, err := e.ExecuteTransfers(1, 1<<20, transfers)
	require.NoError(t, err)
	require.True(t, result.Passed)
	require.Equal(t, 1, result.TestNum)
	require.Equal(t, 3, result.NumTimedIterations)
	require.Equal(t, int64(1<<20), result.TotalBytes)
	require.Len(t, result.Agents, 1)
	require.Len(t, result.Agents[0].Transfers, 1)

	tr := result.Agents[0].Transfers[0]
	require.Equal(t, "C0", tr.Src)
	require.Equal(t, "G0", tr.Exe)
	require.Equal(t, "G0", tr.Dst)
	require.Equal(t, int64(1<<20), tr.NumBytes)
	require.Greater(t, tr.AvgTime.Nanoseconds(), int64(0))
	require.Greater(t, tr.BandwidthGBs, 0.0)

	require.Zero(t, alloc.Outstanding(), "buffers leaked")
}

func TestExecuteFoldedGroup(t *testing.T) {
	for _, order := range []Ordering{OrderSequential, OrderInterleaved, OrderRandom} {
		t.Run(order.String(), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Warmups = 1
			cfg.Iterations = 2
			cfg.SingleStream = true
			cfg.UnitOrder = order

			e, alloc := newSimEngine(t, cfg, 2, 4)

			transfers := []*Transfer{
				{
					Srcs:        []MemLoc{{Kind: memory.KindGpu, Index: 0}},
					Dsts:        []MemLoc{{Kind: memory.KindGpu, Index: 1}},
					Agent:       Agent{Kind: AgentGpuGfx, Index: 0},
					NumSubExecs: 4,
				},
				{
					Srcs:        []MemLoc{{Kind: memory.KindGpu, Index: 0}},
					Dsts:        []MemLoc{{Kind: memory.KindGpu, Index: 2}},
					Agent:       Agent{Kind: AgentGpuGfx, Index: 0},
					NumSubExecs: 2,
				},
			}

			result, err := e.ExecuteTransfers(1, 1<<20, transfers)
			require.NoError(t, err)
			require.True(t, result.Passed)
			require.Len(t, result.Agents, 1)
			require.Len(t, result.Agents[0].Transfers, 2)
			require.Greater(t, result.Agents[0].AvgTime.Nanoseconds(), int64(0))
			for _, tr := range result.Agents[0].Transfers {
				require.Greater(t, tr.BandwidthGBs, 0.0)
			}
			require.Zero(t, alloc.Outstanding())
		})
	}
}

func TestExecuteMixedAgents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Warmups = 0
	cfg.Iterations = 2

	e, alloc := newSimEngine(t, cfg, 2, 2)

	transfers := []*Transfer{
		{
			Srcs:        []MemLoc{{Kind: memory.KindCpu, Index: 0}},
			Dsts:        []MemLoc{{Kind: memory.KindCpu, Index: 1}},
			Agent:       Agent{Kind: AgentCpu, Index: 0},
			NumSubExecs: 4,
		},
		{
			Srcs:        []MemLoc{{Kind: memory.KindGpu, Index: 0}},
			Dsts:        []MemLoc{{Kind: memory.KindGpu, Index: 1}},
			Agent:       Agent{Kind: AgentGpuGfx, Index: 0},
			NumSubExecs: 8,
		},
		{
			Srcs:        []MemLoc{{Kind: memory.KindGpu, Index: 1}},
			Dsts:        []MemLoc{{Kind: memory.KindGpu, Index: 0}},
			Agent:       Agent{Kind: AgentGpuDma, Index: 1},
			NumSubExecs: 1,
		},
	}

	result, err := e.ExecuteTransfers(1, 256<<10, transfers)
	require.NoError(t, err)
	require.True(t, result.Passed)
	require.Len(t, result.Agents, 3)
	require.Equal(t, int64(3*(256<<10)), result.TotalBytes)
	require.Greater(t, result.TotalBandwidthGBs, 0.0)
	require.Zero(t, alloc.Outstanding())
}

func TestExecuteFillTransfer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Warmups = 0
	cfg.Iterations = 1

	e, _ := newSimEngine(t, cfg, 2, 2)

	transfers := []*Transfer{
		{
			Dsts:        []MemLoc{{Kind: memory.KindGpu, Index: 0}},
			Agent:       Agent{Kind: AgentGpuGfx, Index: 0},
			NumSubExecs: 4,
		},
	}

	result, err := e.ExecuteTransfers(1, 64<<10, transfers)
	require.NoError(t, err)
	require.True(t, result.Passed)
	require.Equal(t, "N", result.Agents[0].Transfers[0].Src)
}

func TestExecuteScatterGather(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Warmups = 0
	cfg.Iterations = 1

	e, alloc := newSimEngine(t, cfg, 2, 2)

	// Two sources summed into two destinations.
	transfers := []*Transfer{
		{
			Srcs: []MemLoc{
				{Kind: memory.KindCpu, Index: 0},
				{Kind: memory.KindGpu, Index: 0},
			},
			Dsts: []MemLoc{
				{Kind: memory.KindGpu, Index: 1},
				{Kind: memory.KindCpu, Index: 1},
			},
			Agent:       Agent{Kind: AgentGpuGfx, Index: 0},
			NumSubExecs: 4,
		},
	}

	result, err := e.ExecuteTransfers(1, 64<<10, transfers)
	require.NoError(t, err)
	require.True(t, result.Passed)
	require.Zero(t, alloc.Outstanding())
}

func TestExecutePerIterationResults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Warmups = 0
	cfg.Iterations = 4
	cfg.ShowIterations = true

	e, _ := newSimEngine(t, cfg, 2, 2)

	transfers := []*Transfer{
		{
			Srcs:        []MemLoc{{Kind: memory.KindGpu, Index: 0}},
			Dsts:        []MemLoc{{Kind: memory.KindGpu, Index: 1}},
			Agent:       Agent{Kind: AgentGpuGfx, Index: 0},
			NumSubExecs: 4,
		},
	}

	result, err := e.ExecuteTransfers(1, 64<<10, transfers)
	require.NoError(t, err)

	tr := result.Agents[0].Transfers[0]
	require.Len(t, tr.PerIter, 4)
	for _, iter := range tr.PerIter {
		require.Greater(t, iter.BandwidthGBs, 0.0)
		require.Len(t, iter.UnitLocations, 4)
	}
}

func TestExecuteRejectsBadInput(t *testing.T) {
	cfg := DefaultConfig()
	e, _ := newSimEngine(t, cfg, 2, 2)

	valid := &Transfer{
		Srcs:        []MemLoc{{Kind: memory.KindCpu, Index: 0}},
		Dsts:        []MemLoc{{Kind: memory.KindCpu, Index: 1}},
		Agent:       Agent{Kind: AgentCpu, Index: 0},
		NumSubExecs: 1,
	}

	_, err := e.ExecuteTransfers(1, 1<<20, nil)
	require.Error(t, err)

	_, err = e.ExecuteTransfers(1, 1022, []*Transfer{valid})
	require.Error(t, err)

	outOfRange := &Transfer{
		Srcs:        []MemLoc{{Kind: memory.KindGpu, Index: 7}},
		Dsts:        []MemLoc{{Kind: memory.KindGpu, Index: 0}},
		Agent:       Agent{Kind: AgentGpuGfx, Index: 0},
		NumSubExecs: 1,
	}
	_, err = e.ExecuteTransfers(1, 1<<20, []*Transfer{outOfRange})
	require.Error(t, err)
}

func TestValidateDst(t *testing.T) {
	cfg := DefaultConfig()
	e, _ := newSimEngine(t, cfg, 2, 2)

	elems := 1024
	xfer := &Transfer{
		Srcs:        []MemLoc{{Kind: memory.KindCpu, Index: 0}},
		Dsts:        []MemLoc{{Kind: memory.KindCpu, Index: 1}},
		Agent:       Agent{Kind: AgentCpu, Index: 0},
		NumSubExecs: 1,
	}
	xfer.numBytesActual = int64(elems * memory.ElemBytes)
	xfer.srcBufs = []*memory.Buffer{
		memory.NewBuffer(memory.KindCpu, 0, make([]float32, elems), nil),
	}
	xfer.dstBufs = []*memory.Buffer{
		memory.NewBuffer(memory.KindCpu, 1, make([]float32, elems), nil),
	}

	require.NoError(t, e.prepareBuffers(xfer))

	// Before any copy ran the destination holds the sentinel.
	require.Error(t, e.validateDst(xfer))

	copy(xfer.dstBufs[0].Elems(), xfer.srcBufs[0].Elems())
	require.NoError(t, e.validateDst(xfer))

	xfer.dstBufs[0].Elems()[17] += 1.0
	err := e.validateDst(xfer)
	require.Error(t, err)
	require.Contains(t, err.Error(), "index 17")
}

func TestValidateDstFillPattern(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FillPattern = []float32{1, 2, 3}
	e, _ := newSimEngine(t, cfg, 2, 2)

	elems := 10
	xfer := &Transfer{
		Srcs:        []MemLoc{{Kind: memory.KindCpu, Index: 0}},
		Dsts:        []MemLoc{{Kind: memory.KindCpu, Index: 0}},
		Agent:       Agent{Kind: AgentCpu, Index: 0},
		NumSubExecs: 1,
	}
	xfer.numBytesActual = int64(elems * memory.ElemBytes)
	xfer.srcBufs = []*memory.Buffer{
		memory.NewBuffer(memory.KindCpu, 0, make([]float32, elems), nil),
	}
	xfer.dstBufs = []*memory.Buffer{
		memory.NewBuffer(memory.KindCpu, 0, make([]float32, elems), nil),
	}

	require.NoError(t, e.prepareBuffers(xfer))
	require.Equal(t, []float32{1, 2, 3, 1, 2, 3, 1, 2, 3, 1}, xfer.srcBufs[0].Elems())
}

func TestPreferredDie(t *testing.T) {
	sys := newSimSystem(2, 4)
	alloc := memory.NewSimAllocator()
	devices := NewSimDeviceSet(sys.Oracle(), 4)
	e, err := New(sys, alloc, devices, DefaultConfig())
	require.NoError(t, err)

	dev, err := devices.Device(0)
	require.NoError(t, err)
	g := &executorGroup{agent: Agent{Kind: AgentGpuGfx, Index: 0}, device: dev}

	toGpu3 := &Transfer{Dsts: []MemLoc{{Kind: memory.KindGpu, Index: 3}}}
	require.Equal(t, 3, e.preferredDie(g, toGpu3))

	toHost := &Transfer{Dsts: []MemLoc{{Kind: memory.KindCpu, Index: 0}}}
	require.Equal(t, -1, e.preferredDie(g, toHost))

	cpuGroup := &executorGroup{agent: Agent{Kind: AgentCpu, Index: 0}}
	require.Equal(t, -1, e.preferredDie(cpuGroup, toGpu3))
}

func TestAggregateBandwidthUsesWallClock(t *testing.T) {
	cfg := DefaultConfig()
	e, _ := newSimEngine(t, cfg, 1, 1)

	tr := &Transfer{
		Srcs:        []MemLoc{{Kind: memory.KindCpu, Index: 0}},
		Dsts:        []MemLoc{{Kind: memory.KindGpu, Index: 0}},
		Agent:       Agent{Kind: AgentCpu, Index: 0},
		NumSubExecs: 1,
	}
	tr.numBytesActual = 1 << 20
	tr.elapsed = 10 * time.Millisecond

	g := &executorGroup{
		agent:      tr.Agent,
		transfers:  []*Transfer{tr},
		totalBytes: tr.numBytesActual,
	}

	// 10 timed iterations, 20ms of wall time: the agent was busy 1ms
	// per iteration but each iteration took 2ms end to end.
	result := e.buildResult(1, []*executorGroup{g}, 10, 20*time.Millisecond)
	require.Equal(t, 2*time.Millisecond, result.WallTimePerIter)
	require.Equal(t, time.Millisecond, result.AvgTotalTime)
	require.Equal(t, time.Millisecond, result.OverheadTime)

	// The aggregate rate reflects the wall clock, not the agent time.
	require.InDelta(t, 0.524288, result.TotalBandwidthGBs, 1e-9)
}
