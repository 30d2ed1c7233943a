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

// Package campaign generates preset benchmark test sequences over the
// devices of a topology: peer-to-peer pairs, sub-executor scaling,
// all-to-all and configuration sweeps.
package campaign

import (
	"github.com/xferbench/xferbench/pkg/engine"
	logger "github.com/xferbench/xferbench/pkg/log"
	"github.com/xferbench/xferbench/pkg/memory"
	"github.com/xferbench/xferbench/pkg/topology"
)

// campaign logger instance
var log = logger.NewLogger("campaign")

// Test is one generated benchmark test: a named set of transfers to
// execute concurrently.
type Test struct {
	Name      string
	Transfers []*engine.Transfer
}

// device is one peer-to-peer participant: a memory endpoint plus the
// agent that executes transfers local to it.
type device struct {
	mem   engine.MemLoc
	agent engine.Agent
}

// cpuMemKind returns the host memory kind the configuration selects.
func cpuMemKind(cfg *engine.Config) memory.Kind {
	if cfg.UseFineGrain {
		return memory.KindCpuFine
	}
	return memory.KindCpu
}

// gpuMemKind returns the device memory kind the configuration selects.
func gpuMemKind(cfg *engine.Config) memory.Kind {
	if cfg.UseFineGrain {
		return memory.KindGpuFine
	}
	return memory.KindGpu
}

// gpuAgent returns the executing agent for transfers driven by a GPU.
func gpuAgent(cfg *engine.Config, index int) engine.Agent {
	if cfg.UseDmaCopy {
		return engine.Agent{Kind: engine.AgentGpuDma, Index: index}
	}
	return engine.Agent{Kind: engine.AgentGpuGfx, Index: index}
}

// numSubExecs returns the configured sub-executor count for an agent.
func numSubExecs(cfg *engine.Config, agent engine.Agent) int {
	switch agent.Kind {
	case engine.AgentCpu:
		return cfg.NumCpuSubExecs
	case engine.AgentGpuGfx:
		return cfg.NumGpuSubExecs
	case engine.AgentGpuDma:
		return 1
	}
	return 1
}

// allDevices enumerates every CPU NUMA node followed by every GPU, each
// paired with its local executing agent. Memory-only NUMA nodes have no
// CPUs to execute on and are left out.
func allDevices(sys *topology.System, cfg *engine.Config) []device {
	var devices []device
	for i := 0; i < sys.NumCpuDevices(); i++ {
		if cnt, err := sys.CpuCount(i); err != nil || cnt == 0 {
			log.Debug("skipping NUMA node %d: no CPUs attached", i)
			continue
		}
		devices = append(devices, device{
			mem:   engine.MemLoc{Kind: cpuMemKind(cfg), Index: i},
			agent: engine.Agent{Kind: engine.AgentCpu, Index: i},
		})
	}
	for i := 0; i < sys.NumGpuDevices(); i++ {
		devices = append(devices, device{
			mem:   engine.MemLoc{Kind: gpuMemKind(cfg), Index: i},
			agent: gpuAgent(cfg, i),
		})
	}
	return devices
}

// newTransfer builds one single-source single-destination transfer.
// With remote reads the destination side executes, otherwise the
// source side does.
func newTransfer(cfg *engine.Config, src, dst device) *engine.Transfer {
	agent := src.agent
	if cfg.UseRemoteRead {
		agent = dst.agent
	}
	return &engine.Transfer{
		Srcs:        []engine.MemLoc{src.mem},
		Dsts:        []engine.MemLoc{dst.mem},
		Agent:       agent,
		NumSubExecs: numSubExecs(cfg, agent),
	}
}
