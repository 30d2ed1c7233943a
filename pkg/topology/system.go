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

package topology

import (
	"sort"

	logger "github.com/xferbench/xferbench/pkg/log"
)

// our logger instance
var log = logger.NewLogger("topology")

// System binds an Oracle to the logical-to-physical index remapping
// used throughout a run. The remap tables are built once here, before
// any concurrency is introduced, and are read-only afterwards.
type System struct {
	oracle Oracle
	cpuMap []int
	gpuMap []int
}

// SystemOption adjusts how a System is constructed.
type SystemOption func(*systemConfig)

type systemConfig struct {
	pcieIndexing bool
}

// WithPCIeIndexing orders logical GPU indices by PCIe bus address
// instead of the device runtime's native enumeration order.
func WithPCIeIndexing() SystemOption {
	return func(c *systemConfig) {
		c.pcieIndexing = true
	}
}

// NewSystem builds the remap context for an oracle.
func NewSystem(oracle Oracle, options ...SystemOption) *System {
	cfg := &systemConfig{}
	for _, o := range options {
		o(cfg)
	}

	s := &System{oracle: oracle}

	// Skip NUMA nodes that are not configured.
	s.cpuMap = append(s.cpuMap, oracle.ConfiguredNodes()...)

	numGpus := oracle.NumGpus()
	s.gpuMap = make([]int, numGpus)
	for i := range s.gpuMap {
		s.gpuMap[i] = i
	}
	if cfg.pcieIndexing {
		sort.Slice(s.gpuMap, func(a, b int) bool {
			return oracle.GpuBusID(s.gpuMap[a]) < oracle.GpuBusID(s.gpuMap[b])
		})
		log.Debug("GPU indices remapped by PCIe bus address: %v", s.gpuMap)
	}

	return s
}

// Oracle returns the underlying topology oracle.
func (s *System) Oracle() Oracle {
	return s.oracle
}

// NumCpuDevices returns the number of usable CPU NUMA nodes.
func (s *System) NumCpuDevices() int {
	return len(s.cpuMap)
}

// NumGpuDevices returns the number of GPU devices.
func (s *System) NumGpuDevices() int {
	return len(s.gpuMap)
}

// RemapCpu translates a logical CPU NUMA index to its physical node ID.
func (s *System) RemapCpu(logical int) (int, error) {
	if logical < 0 || logical >= len(s.cpuMap) {
		return -1, errBadIndex("CPU", logical, len(s.cpuMap))
	}
	return s.cpuMap[logical], nil
}

// RemapGpu translates a logical GPU index to its physical device ID.
func (s *System) RemapGpu(logical int) (int, error) {
	if logical < 0 || logical >= len(s.gpuMap) {
		return -1, errBadIndex("GPU", logical, len(s.gpuMap))
	}
	return s.gpuMap[logical], nil
}

// LinkInfo returns the interconnect between two logical GPU indices.
func (s *System) LinkInfo(from, to int) (Link, error) {
	physFrom, err := s.RemapGpu(from)
	if err != nil {
		return Link{}, err
	}
	physTo, err := s.RemapGpu(to)
	if err != nil {
		return Link{}, err
	}
	return s.oracle.LinkInfo(physFrom, physTo)
}

// CpuCount returns the CPU count of a logical NUMA index.
func (s *System) CpuCount(logical int) (int, error) {
	phys, err := s.RemapCpu(logical)
	if err != nil {
		return 0, err
	}
	return s.oracle.CpuCountOnNode(phys), nil
}
