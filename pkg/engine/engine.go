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
	"math/rand"

	"github.com/pkg/errors"

	logger "github.com/xferbench/xferbench/pkg/log"
	"github.com/xferbench/xferbench/pkg/memory"
	"github.com/xferbench/xferbench/pkg/topology"
)

// engine logger instance
var log = logger.NewLogger("engine")

// PauseFunc is invoked at interactive pause points with a short
// description of the upcoming stage.
type PauseFunc func(stage string)

// Engine executes sets of concurrent transfers: it groups them by
// agent, allocates and partitions their memory, runs warmup and timed
// iterations, validates results and aggregates timing.
type Engine struct {
	sys     *topology.System
	alloc   memory.Allocator
	devices DeviceSet
	cfg     *Config
	rng     *rand.Rand
	pause   PauseFunc

	failed bool
}

// New creates an engine over the given topology, allocator and device
// set.
func New(sys *topology.System, alloc memory.Allocator, devices DeviceSet, cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		sys:     sys,
		alloc:   alloc,
		devices: devices,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Config returns the engine's run configuration.
func (e *Engine) Config() *Config {
	return e.cfg
}

// System returns the engine's topology remapping context.
func (e *Engine) System() *topology.System {
	return e.sys
}

// SetPauseFunc installs the interactive pause hook.
func (e *Engine) SetPauseFunc(pause PauseFunc) {
	e.pause = pause
}

func (e *Engine) pauseAt(stage string) {
	if e.cfg.Interactive && e.pause != nil {
		e.pause(stage)
	}
}

// preferredDie picks the device sub-partition a GFX transfer's units
// should land on: the one derived from the destination device for
// single-destination device-to-device copies, no preference otherwise.
func (e *Engine) preferredDie(g *executorGroup, t *Transfer) int {
	if g.agent.Kind != AgentGpuGfx || g.device == nil || g.device.NumDies() <= 1 {
		return -1
	}
	if len(t.Dsts) != 1 || !t.Dsts[0].Kind.IsGpu() {
		return -1
	}
	dstPhys, err := e.sys.RemapGpu(t.Dsts[0].Index)
	if err != nil {
		return -1
	}
	return dstPhys % g.device.NumDies()
}

// ExecuteTransfers runs one test: all transfers concurrently, warmups
// plus timed iterations, with validation of every destination. A
// transfer with NumBytes 0 copies defaultBytes. Runtime failures are
// returned as errors; validation mismatches are returned as errors
// unless the configuration says to log and continue, in which case the
// result reports Passed false.
func (e *Engine) ExecuteTransfers(testNum int, defaultBytes int64, transfers []*Transfer) (*TestResult, error) {
	if len(transfers) == 0 {
		return nil, errors.New("no transfers to execute")
	}
	if defaultBytes <= 0 || defaultBytes%memory.ElemBytes != 0 {
		return nil, errors.Errorf("default byte count (%d) must be a positive multiple of %d",
			defaultBytes, memory.ElemBytes)
	}
	for i, t := range transfers {
		if err := t.Validate(); err != nil {
			return nil, errors.Wrapf(err, "transfer %02d", i)
		}
	}
	e.failed = false

	groups, err := e.buildGroups(transfers)
	if err != nil {
		return nil, err
	}
	defer e.teardown(groups)

	for _, g := range groups {
		if err := e.prepareGroup(g, defaultBytes); err != nil {
			return nil, err
		}
	}

	for _, g := range groups {
		for _, t := range g.transfers {
			t.prepareSubExecParams(e.cfg, e.preferredDie(g, t))
			if err := e.prepareBuffers(t); err != nil {
				if !e.cfg.ContinueOnError {
					return nil, err
				}
				log.Error("test %d: %v", testNum, err)
				return &TestResult{TestNum: testNum, Passed: false}, nil
			}
		}
		e.layoutGroupUnits(g)
	}

	if e.cfg.Interactive {
		for _, g := range groups {
			for _, t := range g.transfers {
				log.Info("transfer %02d: src %v dst %v",
					t.index, bufAddrs(t.srcBufs), bufAddrs(t.dstBufs))
			}
		}
	}
	e.pauseAt("before first iteration")

	numTimed, totalWall, err := e.runIterations(groups)
	if err != nil {
		return nil, err
	}

	if err := e.validateAll(groups); err != nil {
		if !e.cfg.ContinueOnError {
			return nil, err
		}
		log.Error("test %d: %v", testNum, err)
		e.failed = true
	}

	result := e.buildResult(testNum, groups, numTimed, totalWall)
	e.pauseAt("after last iteration")
	return result, nil
}
