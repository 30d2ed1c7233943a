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

// Package engine schedules and times sets of concurrent memory-copy
// transfers across CPU and GPU execution agents.
package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/xferbench/xferbench/pkg/memory"
)

// AgentKind identifies the kind of execution agent driving a Transfer.
type AgentKind int

const (
	// AgentCpu executes with one thread per sub-executor on a NUMA node.
	AgentCpu AgentKind = iota
	// AgentGpuGfx executes with GPU compute units.
	AgentGpuGfx
	// AgentGpuDma executes with a GPU DMA engine.
	AgentGpuDma

	numAgentKinds
)

// AgentChars lists the one-character codes of all agent kinds.
const AgentChars = "CGD"

var agentKindNames = [numAgentKinds]string{"CPU", "GPU", "DMA"}

// AgentKindFromChar resolves a one-character agent kind code.
func AgentKindFromChar(c byte) (AgentKind, error) {
	switch c {
	case 'C', 'c':
		return AgentCpu, nil
	case 'G', 'g':
		return AgentGpuGfx, nil
	case 'D', 'd':
		return AgentGpuDma, nil
	}
	return AgentCpu, errors.Errorf("unrecognized executor %q, expected one of %q", string(c), AgentChars)
}

// Char returns the one-character code of the agent kind.
func (k AgentKind) Char() byte {
	return AgentChars[k]
}

// String returns the name of the agent kind.
func (k AgentKind) String() string {
	if k < 0 || k >= numAgentKinds {
		return "Invalid"
	}
	return agentKindNames[k]
}

// IsGpu returns true for device-driven agent kinds.
func (k AgentKind) IsGpu() bool {
	switch k {
	case AgentGpuGfx, AgentGpuDma:
		return true
	case AgentCpu:
		return false
	}
	return false
}

// Agent identifies one physical execution resource by kind and logical
// index. Transfers sharing an Agent are scheduled as one group.
type Agent struct {
	Kind  AgentKind
	Index int
}

// String returns the agent in <char><index> form.
func (a Agent) String() string {
	return fmt.Sprintf("%c%d", a.Kind.Char(), a.Index)
}

// MemLoc is one memory endpoint: a kind plus a logical device index.
type MemLoc struct {
	Kind  memory.Kind
	Index int
}

// String returns the location in <char><index> form.
func (m MemLoc) String() string {
	return fmt.Sprintf("%c%d", m.Kind.Char(), m.Index)
}

// UnitLocation identifies the physical execution slot that ran a work
// unit, for diagnosing scheduling placement.
type UnitLocation struct {
	Die  int
	Unit int
}

// SubExecParam is one work unit: a bounded slice of a Transfer's byte
// range assigned to one execution slot. StartCycle, StopCycle and
// Location are written back by the executing agent.
type SubExecParam struct {
	N    int
	Srcs [][]float32
	Dsts [][]float32

	// PreferredDie routes the unit to a sub-partition of a multi-die
	// device; -1 means no preference.
	PreferredDie int

	StartCycle int64
	StopCycle  int64
	Location   UnitLocation
}

// Transfer is one declarative copy/reduce task. The engine borrows
// Transfers for the duration of one ExecuteTransfers call; the caller
// owns them.
type Transfer struct {
	Srcs        []MemLoc
	Dsts        []MemLoc
	Agent       Agent
	NumSubExecs int
	// NumBytes is the requested byte count; 0 means the engine
	// supplies the per-test byte count at execution time.
	NumBytes int64

	// Run state, valid only within one ExecuteTransfers call.
	index          int
	numBytesActual int64
	srcBufs        []*memory.Buffer
	dstBufs        []*memory.Buffer
	subExec        []SubExecParam
	subExecIdx     []int
	elapsed        time.Duration
	perIterElapsed []time.Duration
	perIterUnits   [][]UnitLocation
}

// Validate checks agent/endpoint combinations that are illegal by
// construction, before any allocation happens.
func (t *Transfer) Validate() error {
	if len(t.Srcs) == 0 && len(t.Dsts) == 0 {
		return errors.New("transfer must have at least one src or dst")
	}
	if t.NumSubExecs <= 0 {
		return errors.Errorf("number of sub-executors (%d) must be greater than 0", t.NumSubExecs)
	}
	switch t.Agent.Kind {
	case AgentGpuDma:
		if len(t.Srcs) > 1 || len(t.Dsts) > 1 {
			return errors.New("GPU DMA executor can only be used for single source / single dst transfers")
		}
	case AgentCpu, AgentGpuGfx:
	}
	if t.NumBytes < 0 || t.NumBytes%memory.ElemBytes != 0 {
		return errors.Errorf("transfer byte count (%d) must be a non-negative multiple of %d",
			t.NumBytes, memory.ElemBytes)
	}
	return nil
}

// SrcString returns the source list in compact token form.
func (t *Transfer) SrcString() string {
	if len(t.Srcs) == 0 {
		return "N"
	}
	var sb strings.Builder
	for _, s := range t.Srcs {
		sb.WriteString(s.String())
	}
	return sb.String()
}

// DstString returns the destination list in compact token form.
func (t *Transfer) DstString() string {
	if len(t.Dsts) == 0 {
		return "N"
	}
	var sb strings.Builder
	for _, d := range t.Dsts {
		sb.WriteString(d.String())
	}
	return sb.String()
}

// String returns the full transfer descriptor.
func (t *Transfer) String() string {
	return fmt.Sprintf("%s -> [%s:%d] -> %s",
		t.SrcString(), t.Agent, t.NumSubExecs, t.DstString())
}

// resetRunState clears per-call mutable state.
func (t *Transfer) resetRunState() {
	t.numBytesActual = 0
	t.srcBufs = nil
	t.dstBufs = nil
	t.subExec = nil
	t.subExecIdx = nil
	t.elapsed = 0
	t.perIterElapsed = nil
	t.perIterUnits = nil
}
