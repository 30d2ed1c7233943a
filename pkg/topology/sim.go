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
	"fmt"
)

const (
	// defaultLocalDistance is the NUMA distance of a node to itself.
	defaultLocalDistance = 10
	// defaultRemoteDistance is the NUMA distance between distinct nodes.
	defaultRemoteDistance = 21
	// defaultGpuClockMHz is the wall-clock rate of simulated GPUs.
	defaultGpuClockMHz = 25
	// defaultGpuComputeUnits is the CU count of simulated GPUs.
	defaultGpuComputeUnits = 104
	// defaultCpusPerNode is the CPU count of simulated NUMA nodes.
	defaultCpusPerNode = 16
)

// SimOracle is a synthetic topology used for tests and dry runs.
type SimOracle struct {
	nodes    []int
	cpus     map[int]int
	distance map[[2]int]int
	links    map[[2]int]Link
	gpuNode  []int
	clockMHz int
	cuCount  int
}

// SimOption adjusts a simulated topology.
type SimOption func(*SimOracle)

// WithCpuCounts sets per-node CPU counts, keyed by physical node ID.
func WithCpuCounts(cpus map[int]int) SimOption {
	return func(s *SimOracle) {
		for node, cnt := range cpus {
			s.cpus[node] = cnt
		}
	}
}

// WithNumaDistance sets the distance between one ordered node pair.
func WithNumaDistance(from, to, distance int) SimOption {
	return func(s *SimOracle) {
		s.distance[[2]int{from, to}] = distance
	}
}

// WithLink sets the interconnect between one ordered GPU pair.
func WithLink(from, to int, kind LinkKind, hops int) SimOption {
	return func(s *SimOracle) {
		s.links[[2]int{from, to}] = Link{Kind: kind, Hops: hops}
	}
}

// WithGpuNode attaches a GPU to a NUMA node.
func WithGpuNode(gpu, node int) SimOption {
	return func(s *SimOracle) {
		s.gpuNode[gpu] = node
	}
}

// WithGpuClockMHz sets the simulated device timer rate.
func WithGpuClockMHz(mhz int) SimOption {
	return func(s *SimOracle) {
		s.clockMHz = mhz
	}
}

// NewSimOracle creates a synthetic topology with the given number of
// NUMA nodes and GPUs. All GPU pairs default to a 1-hop XGMI link and
// every node carries CPUs unless overridden.
func NewSimOracle(numNodes, numGpus int, options ...SimOption) *SimOracle {
	s := &SimOracle{
		cpus:     make(map[int]int),
		distance: make(map[[2]int]int),
		links:    make(map[[2]int]Link),
		gpuNode:  make([]int, numGpus),
		clockMHz: defaultGpuClockMHz,
		cuCount:  defaultGpuComputeUnits,
	}
	for node := 0; node < numNodes; node++ {
		s.nodes = append(s.nodes, node)
		s.cpus[node] = defaultCpusPerNode
	}
	for gpu := 0; gpu < numGpus; gpu++ {
		if numNodes > 0 {
			s.gpuNode[gpu] = gpu % numNodes
		}
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// NumNumaNodes returns the number of configured NUMA nodes.
func (s *SimOracle) NumNumaNodes() int {
	return len(s.nodes)
}

// NumGpus returns the number of GPU devices.
func (s *SimOracle) NumGpus() int {
	return len(s.gpuNode)
}

// ConfiguredNodes returns the physical IDs of usable NUMA nodes.
func (s *SimOracle) ConfiguredNodes() []int {
	nodes := make([]int, len(s.nodes))
	copy(nodes, s.nodes)
	return nodes
}

// NumaDistance returns the distance between two physical nodes.
func (s *SimOracle) NumaDistance(from, to int) int {
	if d, ok := s.distance[[2]int{from, to}]; ok {
		return d
	}
	if from == to {
		return defaultLocalDistance
	}
	return defaultRemoteDistance
}

// CpuCountOnNode returns the number of CPUs attached to a node.
func (s *SimOracle) CpuCountOnNode(node int) int {
	return s.cpus[node]
}

// LinkInfo returns the interconnect between two physical GPUs.
func (s *SimOracle) LinkInfo(from, to int) (Link, error) {
	if from < 0 || from >= len(s.gpuNode) {
		return Link{}, errBadIndex("GPU", from, len(s.gpuNode))
	}
	if to < 0 || to >= len(s.gpuNode) {
		return Link{}, errBadIndex("GPU", to, len(s.gpuNode))
	}
	if from == to {
		return Link{Kind: LinkXGMI, Hops: 0}, nil
	}
	if l, ok := s.links[[2]int{from, to}]; ok {
		return l, nil
	}
	return Link{Kind: LinkXGMI, Hops: 1}, nil
}

// ClosestNumaNode returns the NUMA node a GPU is attached to.
func (s *SimOracle) ClosestNumaNode(gpu int) int {
	if gpu < 0 || gpu >= len(s.gpuNode) {
		return -1
	}
	return s.gpuNode[gpu]
}

// GpuBusID returns a synthetic PCIe address for a GPU.
func (s *SimOracle) GpuBusID(gpu int) string {
	return fmt.Sprintf("0000:%02x:00.0", gpu+1)
}

// GpuClockMHz returns the simulated device timer rate.
func (s *SimOracle) GpuClockMHz(gpu int) int {
	return s.clockMHz
}

// GpuComputeUnits returns the simulated CU count.
func (s *SimOracle) GpuComputeUnits(gpu int) int {
	return s.cuCount
}

var _ Oracle = &SimOracle{}
