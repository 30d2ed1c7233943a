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
	"time"

	"github.com/xferbench/xferbench/pkg/memory"
)

// bufAddrs renders the base addresses of a buffer list, for diagnosing
// alignment effects.
func bufAddrs(bufs []*memory.Buffer) []string {
	addrs := make([]string, len(bufs))
	for i, buf := range bufs {
		elems := buf.Elems()
		if len(elems) > 0 {
			addrs[i] = fmt.Sprintf("%p", &elems[0])
		}
	}
	return addrs
}

// IterResult is one timed iteration of one transfer.
type IterResult struct {
	Elapsed       time.Duration
	BandwidthGBs  float64
	UnitLocations []UnitLocation
}

// TransferResult is the aggregate outcome of one transfer.
type TransferResult struct {
	Index        int
	Src          string
	Exe          string
	Dst          string
	NumSubExecs  int
	NumBytes     int64
	SrcAddrs     []string
	DstAddrs     []string
	AvgTime      time.Duration
	BandwidthGBs float64
	PerIter      []IterResult
}

// AgentResult aggregates the transfers of one executing agent. AvgTime
// is the agent's busy time per iteration: the mean combined launch time
// when the agent's transfers are folded, the slowest transfer's mean
// otherwise.
type AgentResult struct {
	Agent        Agent
	NumBytes     int64
	AvgTime      time.Duration
	BandwidthGBs float64
	Transfers    []TransferResult
}

// TestResult is the outcome of one ExecuteTransfers call.
type TestResult struct {
	TestNum            int
	NumTimedIterations int
	TotalBytes         int64
	AvgTotalTime       time.Duration
	TotalBandwidthGBs  float64
	WallTimePerIter    time.Duration
	OverheadTime       time.Duration
	Agents             []AgentResult
	Passed             bool
}

// bandwidthGBs returns bytes moved per elapsed time in GB/s.
func bandwidthGBs(numBytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(numBytes) / elapsed.Seconds() / 1e9
}

// buildResult folds the accumulated per-transfer timing into a
// TestResult. Aggregate bandwidth is total bytes over the host-timed
// wall clock per iteration; AvgTotalTime is the slowest agent's busy
// time and the overhead is the gap between the two.
func (e *Engine) buildResult(testNum int, groups []*executorGroup, numTimed int, totalWall time.Duration) *TestResult {
	result := &TestResult{
		TestNum:            testNum,
		NumTimedIterations: numTimed,
		Passed:             !e.failed,
	}
	if numTimed == 0 {
		return result
	}
	result.WallTimePerIter = totalWall / time.Duration(numTimed)

	for _, g := range groups {
		agent := AgentResult{
			Agent:    g.agent,
			NumBytes: g.totalBytes,
		}
		for _, t := range g.transfers {
			tr := TransferResult{
				Index:       t.index,
				Src:         t.SrcString(),
				Exe:         t.Agent.String(),
				Dst:         t.DstString(),
				NumSubExecs: t.NumSubExecs,
				NumBytes:    t.numBytesActual,
				SrcAddrs:    bufAddrs(t.srcBufs),
				DstAddrs:    bufAddrs(t.dstBufs),
				AvgTime:     t.elapsed / time.Duration(numTimed),
			}
			tr.BandwidthGBs = bandwidthGBs(tr.NumBytes, tr.AvgTime)
			for i, d := range t.perIterElapsed {
				iter := IterResult{
					Elapsed:      d,
					BandwidthGBs: bandwidthGBs(tr.NumBytes, d),
				}
				if i < len(t.perIterUnits) {
					iter.UnitLocations = t.perIterUnits[i]
				}
				tr.PerIter = append(tr.PerIter, iter)
			}
			agent.Transfers = append(agent.Transfers, tr)

			if tr.AvgTime > agent.AvgTime {
				agent.AvgTime = tr.AvgTime
			}
		}
		if g.folded(e.cfg) {
			agent.AvgTime = g.groupTime / time.Duration(numTimed)
		}
		agent.BandwidthGBs = bandwidthGBs(agent.NumBytes, agent.AvgTime)
		result.Agents = append(result.Agents, agent)

		result.TotalBytes += agent.NumBytes
		if agent.AvgTime > result.AvgTotalTime {
			result.AvgTotalTime = agent.AvgTime
		}
	}

	result.TotalBandwidthGBs = bandwidthGBs(result.TotalBytes, result.WallTimePerIter)
	if result.WallTimePerIter > result.AvgTotalTime {
		result.OverheadTime = result.WallTimePerIter - result.AvgTotalTime
	}
	return result
}
