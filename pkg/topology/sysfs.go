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
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	// sysfs node subdirectory path
	sysfsNumaNodePath = "devices/system/node"
	// sysfs DRM subdirectory path
	sysfsDrmPath = "class/drm"
)

// SysfsOracle discovers the host topology from sysfs: NUMA nodes with
// their CPUs and distances, and GPUs with their PCIe addresses and
// NUMA affinity. Fabric details sysfs cannot see fall back to PCIe
// links and default device parameters.
type SysfsOracle struct {
	root     string
	nodes    []int
	cpus     map[int]int
	distance map[int][]int
	gpuNode  []int
	gpuBusID []string
}

// SysfsOption adjusts sysfs discovery.
type SysfsOption func(*SysfsOracle)

// WithSysRoot reads sysfs mounted under a non-standard parent
// directory.
func WithSysRoot(root string) SysfsOption {
	return func(s *SysfsOracle) {
		s.root = root
	}
}

// NewSysfsOracle discovers the host topology.
func NewSysfsOracle(options ...SysfsOption) (*SysfsOracle, error) {
	s := &SysfsOracle{
		cpus:     make(map[int]int),
		distance: make(map[int][]int),
	}
	for _, o := range options {
		o(s)
	}

	if err := s.discoverNodes(); err != nil {
		return nil, err
	}
	if err := s.discoverGpus(); err != nil {
		return nil, err
	}

	log.Info("discovered %d NUMA nodes, %d GPUs", len(s.nodes), len(s.gpuNode))
	return s, nil
}

func (s *SysfsOracle) path(elems ...string) string {
	return filepath.Join(append([]string{s.root, "/sys"}, elems...)...)
}

func (s *SysfsOracle) discoverNodes() error {
	entries, err := filepath.Glob(s.path(sysfsNumaNodePath, "node[0-9]*"))
	if err != nil {
		return errors.Wrap(err, "failed to enumerate NUMA nodes")
	}
	if len(entries) == 0 {
		return errors.Errorf("no NUMA nodes found under %q", s.path(sysfsNumaNodePath))
	}

	for _, dir := range entries {
		id, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(dir), "node"))
		if err != nil {
			continue
		}
		s.nodes = append(s.nodes, id)

		cpulist, err := readSysfsString(filepath.Join(dir, "cpulist"))
		if err != nil {
			return errors.Wrapf(err, "failed to read CPUs of node %d", id)
		}
		cnt, err := countCpuList(cpulist)
		if err != nil {
			return errors.Wrapf(err, "failed to parse CPU list of node %d", id)
		}
		s.cpus[id] = cnt

		distances, err := readSysfsString(filepath.Join(dir, "distance"))
		if err != nil {
			return errors.Wrapf(err, "failed to read distances of node %d", id)
		}
		for _, f := range strings.Fields(distances) {
			d, err := strconv.Atoi(f)
			if err != nil {
				return errors.Wrapf(err, "failed to parse distances of node %d", id)
			}
			s.distance[id] = append(s.distance[id], d)
		}
	}
	sort.Ints(s.nodes)
	return nil
}

// discoverGpus enumerates DRM cards. Render and virtual devices are
// skipped; what remains is ordered by card number, matching the device
// runtime's native enumeration.
func (s *SysfsOracle) discoverGpus() error {
	entries, err := filepath.Glob(s.path(sysfsDrmPath, "card[0-9]*"))
	if err != nil {
		return errors.Wrap(err, "failed to enumerate DRM devices")
	}

	var cards []int
	for _, dir := range entries {
		base := filepath.Base(dir)
		if strings.Contains(base, "-") {
			// Connector entries like card0-DP-1.
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(base, "card"))
		if err != nil {
			continue
		}
		cards = append(cards, id)
	}
	sort.Ints(cards)

	for _, card := range cards {
		devDir := s.path(sysfsDrmPath, "card"+strconv.Itoa(card), "device")

		node := 0
		if str, err := readSysfsString(filepath.Join(devDir, "numa_node")); err == nil {
			if n, err := strconv.Atoi(str); err == nil && n >= 0 {
				node = n
			}
		}

		busID := ""
		if target, err := os.Readlink(devDir); err == nil {
			busID = filepath.Base(target)
		}

		s.gpuNode = append(s.gpuNode, node)
		s.gpuBusID = append(s.gpuBusID, busID)
	}
	return nil
}

func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// countCpuList counts the CPUs in a kernel cpulist string, e.g.
// "0-3,8-11".
func countCpuList(list string) (int, error) {
	if list == "" {
		return 0, nil
	}
	cnt := 0
	for _, part := range strings.Split(list, ",") {
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			l, err := strconv.Atoi(lo)
			if err != nil {
				return 0, errors.Errorf("invalid CPU range %q", part)
			}
			h, err := strconv.Atoi(hi)
			if err != nil || h < l {
				return 0, errors.Errorf("invalid CPU range %q", part)
			}
			cnt += h - l + 1
		} else {
			if _, err := strconv.Atoi(part); err != nil {
				return 0, errors.Errorf("invalid CPU %q", part)
			}
			cnt++
		}
	}
	return cnt, nil
}

// NumNumaNodes returns the number of online NUMA nodes.
func (s *SysfsOracle) NumNumaNodes() int {
	return len(s.nodes)
}

// NumGpus returns the number of discovered GPUs.
func (s *SysfsOracle) NumGpus() int {
	return len(s.gpuNode)
}

// ConfiguredNodes returns the physical IDs of online NUMA nodes.
func (s *SysfsOracle) ConfiguredNodes() []int {
	nodes := make([]int, len(s.nodes))
	copy(nodes, s.nodes)
	return nodes
}

// NumaDistance returns the distance between two physical nodes.
func (s *SysfsOracle) NumaDistance(from, to int) int {
	if d, ok := s.distance[from]; ok && to >= 0 && to < len(d) {
		return d[to]
	}
	return 0
}

// CpuCountOnNode returns the number of CPUs attached to a node.
func (s *SysfsOracle) CpuCountOnNode(node int) int {
	return s.cpus[node]
}

// LinkInfo returns the interconnect between two physical GPUs. Sysfs
// carries no fabric information, so distinct devices report a 1-hop
// PCIe link.
func (s *SysfsOracle) LinkInfo(from, to int) (Link, error) {
	if from < 0 || from >= len(s.gpuNode) {
		return Link{}, errBadIndex("GPU", from, len(s.gpuNode))
	}
	if to < 0 || to >= len(s.gpuNode) {
		return Link{}, errBadIndex("GPU", to, len(s.gpuNode))
	}
	if from == to {
		return Link{Kind: LinkPCIe, Hops: 0}, nil
	}
	return Link{Kind: LinkPCIe, Hops: 1}, nil
}

// ClosestNumaNode returns the NUMA node a GPU is attached to.
func (s *SysfsOracle) ClosestNumaNode(gpu int) int {
	if gpu < 0 || gpu >= len(s.gpuNode) {
		return -1
	}
	return s.gpuNode[gpu]
}

// GpuBusID returns the PCIe address of a GPU.
func (s *SysfsOracle) GpuBusID(gpu int) string {
	if gpu < 0 || gpu >= len(s.gpuBusID) {
		return ""
	}
	return s.gpuBusID[gpu]
}

// GpuClockMHz returns the device timer rate. Sysfs does not expose it;
// the common wall-clock rate is used.
func (s *SysfsOracle) GpuClockMHz(gpu int) int {
	return defaultGpuClockMHz
}

// GpuComputeUnits returns the compute unit count of a GPU.
func (s *SysfsOracle) GpuComputeUnits(gpu int) int {
	return defaultGpuComputeUnits
}

var _ Oracle = &SysfsOracle{}
