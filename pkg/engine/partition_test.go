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
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xferbench/xferbench/pkg/memory"
)

func newPartitionedTransfer(t *testing.T, numBytes int64, numSubExecs int, cfg *Config) *Transfer {
	elems := int(numBytes+int64(cfg.ByteOffset)) / memory.ElemBytes
	xfer := &Transfer{
		Srcs:        []MemLoc{{Kind: memory.KindCpu, Index: 0}},
		Dsts:        []MemLoc{{Kind: memory.KindCpu, Index: 0}},
		Agent:       Agent{Kind: AgentCpu, Index: 0},
		NumSubExecs: numSubExecs,
	}
	xfer.numBytesActual = numBytes
	xfer.srcBufs = []*memory.Buffer{
		memory.NewBuffer(memory.KindCpu, 0, make([]float32, elems), nil),
	}
	xfer.dstBufs = []*memory.Buffer{
		memory.NewBuffer(memory.KindCpu, 0, make([]float32, elems), nil),
	}
	xfer.prepareSubExecParams(cfg, -1)
	return xfer
}

func TestPrepareSubExecParams(t *testing.T) {
	type testCase struct {
		name        string
		numBytes    int64
		numSubExecs int
		blockBytes  int
		byteOffset  int
	}
	for _, tc := range []*testCase{
		{
			name:        "even split",
			numBytes:    1 << 20,
			numSubExecs: 4,
			blockBytes:  256,
		},
		{
			name:        "uneven split",
			numBytes:    1000 * memory.ElemBytes,
			numSubExecs: 7,
			blockBytes:  256,
		},
		{
			name:        "more units than blocks",
			numBytes:    512,
			numSubExecs: 16,
			blockBytes:  256,
		},
		{
			name:        "single element",
			numBytes:    memory.ElemBytes,
			numSubExecs: 4,
			blockBytes:  256,
		},
		{
			name:        "offset base",
			numBytes:    4096,
			numSubExecs: 3,
			blockBytes:  256,
			byteOffset:  64,
		},
		{
			name:        "large block granularity",
			numBytes:    3 << 20,
			numSubExecs: 8,
			blockBytes:  64 << 10,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.BlockBytes = tc.blockBytes
			cfg.ByteOffset = tc.byteOffset

			xfer := newPartitionedTransfer(t, tc.numBytes, tc.numSubExecs, cfg)
			require.Len(t, xfer.subExec, tc.numSubExecs)

			elems := int(tc.numBytes) / memory.ElemBytes
			granularity := tc.blockBytes / memory.ElemBytes

			total := 0
			lastAssigned := -1
			for i := range xfer.subExec {
				p := &xfer.subExec[i]
				total += p.N
				if p.N > 0 {
					lastAssigned = i
				}
			}
			require.Equal(t, elems, total, "units must cover the whole range")

			for i := range xfer.subExec {
				p := &xfer.subExec[i]
				if p.N > 0 && i != lastAssigned {
					require.Zero(t, p.N%granularity,
						"unit %d size %d not a multiple of granularity %d", i, p.N, granularity)
				}
			}

			// Mark every element through the unit views: full coverage
			// with no overlap leaves every element marked exactly once.
			for i := range xfer.subExec {
				span := xfer.subExec[i].Dsts[0]
				for j := 0; j < xfer.subExec[i].N; j++ {
					span[j] += 1.0
				}
			}
			base := cfg.ByteOffset / memory.ElemBytes
			full := xfer.dstBufs[0].Elems()
			for i := 0; i < base; i++ {
				require.Zero(t, full[i], "element %d before the base offset was touched", i)
			}
			for i := base; i < base+elems; i++ {
				require.Equal(t, float32(1.0), full[i], "element %d covered %v times", i, full[i])
			}
		})
	}
}

func TestPrepareSubExecParamsIdleUnits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlockBytes = 256

	// 2 blocks of work split over 8 units leaves 6 idle.
	xfer := newPartitionedTransfer(t, 512, 8, cfg)

	active := 0
	for i := range xfer.subExec {
		if xfer.subExec[i].N > 0 {
			active++
		}
	}
	require.Equal(t, 2, active)
}

func TestTransferValidate(t *testing.T) {
	type testCase struct {
		name    string
		xfer    *Transfer
		invalid bool
	}
	for _, tc := range []*testCase{
		{
			name: "simple copy",
			xfer: &Transfer{
				Srcs:        []MemLoc{{Kind: memory.KindCpu}},
				Dsts:        []MemLoc{{Kind: memory.KindGpu}},
				Agent:       Agent{Kind: AgentGpuGfx},
				NumSubExecs: 4,
			},
		},
		{
			name: "source only read",
			xfer: &Transfer{
				Srcs:        []MemLoc{{Kind: memory.KindGpu}},
				Agent:       Agent{Kind: AgentGpuGfx},
				NumSubExecs: 4,
			},
		},
		{
			name: "fill without source",
			xfer: &Transfer{
				Dsts:        []MemLoc{{Kind: memory.KindGpu}},
				Agent:       Agent{Kind: AgentGpuGfx},
				NumSubExecs: 4,
			},
		},
		{
			name: "no endpoints",
			xfer: &Transfer{
				Agent:       Agent{Kind: AgentGpuGfx},
				NumSubExecs: 4,
			},
			invalid: true,
		},
		{
			name: "no sub-executors",
			xfer: &Transfer{
				Srcs:  []MemLoc{{Kind: memory.KindCpu}},
				Dsts:  []MemLoc{{Kind: memory.KindGpu}},
				Agent: Agent{Kind: AgentGpuGfx},
			},
			invalid: true,
		},
		{
			name: "DMA multi destination",
			xfer: &Transfer{
				Srcs:        []MemLoc{{Kind: memory.KindGpu}},
				Dsts:        []MemLoc{{Kind: memory.KindGpu}, {Kind: memory.KindCpu}},
				Agent:       Agent{Kind: AgentGpuDma},
				NumSubExecs: 1,
			},
			invalid: true,
		},
		{
			name: "unaligned byte count",
			xfer: &Transfer{
				Srcs:        []MemLoc{{Kind: memory.KindCpu}},
				Dsts:        []MemLoc{{Kind: memory.KindGpu}},
				Agent:       Agent{Kind: AgentGpuGfx},
				NumSubExecs: 4,
				NumBytes:    1022,
			},
			invalid: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.xfer.Validate()
			if tc.invalid {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLayoutGroupUnits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SingleStream = true

	newGroup := func(e *Engine, sizes ...int) *executorGroup {
		g := &executorGroup{agent: Agent{Kind: AgentGpuGfx, Index: 0}}
		for _, numSubExecs := range sizes {
			xfer := newPartitionedTransfer(t, 1<<20, numSubExecs, e.cfg)
			xfer.Agent = g.agent
			g.transfers = append(g.transfers, xfer)
			g.totalSubExecs += numSubExecs
		}
		g.groupParams = make([]SubExecParam, g.totalSubExecs)
		return g
	}

	checkBijection := func(t *testing.T, g *executorGroup) {
		seen := make(map[int]bool)
		for _, xfer := range g.transfers {
			require.Len(t, xfer.subExecIdx, xfer.NumSubExecs)
			for unit, slot := range xfer.subExecIdx {
				require.False(t, seen[slot], "slot %d assigned twice", slot)
				seen[slot] = true
				require.Equal(t, xfer.subExec[unit].N, g.groupParams[slot].N)
			}
		}
		require.Len(t, seen, g.totalSubExecs)
	}

	for _, order := range []Ordering{OrderSequential, OrderInterleaved, OrderRandom} {
		t.Run(fmt.Sprintf("%s layout", order), func(t *testing.T) {
			cfg := *cfg
			cfg.UnitOrder = order
			e, err := New(newSimSystem(2, 2), memory.NewSimAllocator(), nil, &cfg)
			require.NoError(t, err)

			g := newGroup(e, 4, 2, 3)
			e.layoutGroupUnits(g)
			checkBijection(t, g)
		})
	}

	t.Run("interleaved slot order", func(t *testing.T) {
		cfg := *cfg
		cfg.UnitOrder = OrderInterleaved
		e, err := New(newSimSystem(2, 2), memory.NewSimAllocator(), nil, &cfg)
		require.NoError(t, err)

		g := newGroup(e, 2, 3)
		e.layoutGroupUnits(g)

		// Units alternate between transfers until the shorter one runs
		// out: A0 B0 A1 B1 B2.
		require.Equal(t, []int{0, 2}, g.transfers[0].subExecIdx)
		require.Equal(t, []int{1, 3, 4}, g.transfers[1].subExecIdx)
	})
}
