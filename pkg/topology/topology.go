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

// Package topology describes the device and NUMA interconnect graph
// the benchmark engine schedules against.
package topology

import (
	"github.com/pkg/errors"
)

// LinkKind identifies the interconnect kind between two GPU devices.
type LinkKind int

const (
	// LinkUnknown is an unrecognized interconnect.
	LinkUnknown LinkKind = iota
	// LinkHyperTransport is a HyperTransport link.
	LinkHyperTransport
	// LinkQPI is a QuickPath link.
	LinkQPI
	// LinkPCIe is a PCI Express link.
	LinkPCIe
	// LinkInfiniBand is an InfiniBand link.
	LinkInfiniBand
	// LinkXGMI is a direct inter-GPU fabric link.
	LinkXGMI
)

var linkKindNames = map[LinkKind]string{
	LinkUnknown:        "????",
	LinkHyperTransport: "  HT",
	LinkQPI:            " QPI",
	LinkPCIe:           "PCIE",
	LinkInfiniBand:     "INFB",
	LinkXGMI:           "XGMI",
}

// String returns a short name for the link kind.
func (k LinkKind) String() string {
	if name, ok := linkKindNames[k]; ok {
		return name
	}
	return linkKindNames[LinkUnknown]
}

// Link is one edge of the GPU interconnect graph.
type Link struct {
	Kind LinkKind
	Hops int
}

// Oracle answers topology queries for one machine. Implementations may
// discover a real system or describe a synthetic one.
type Oracle interface {
	// NumNumaNodes returns the number of configured NUMA nodes.
	NumNumaNodes() int
	// NumGpus returns the number of GPU devices.
	NumGpus() int
	// ConfiguredNodes returns the physical IDs of usable NUMA nodes,
	// in ascending order.
	ConfiguredNodes() []int
	// NumaDistance returns the distance between two physical nodes.
	NumaDistance(from, to int) int
	// CpuCountOnNode returns the number of CPUs attached to a
	// physical node. Memory-only nodes return 0.
	CpuCountOnNode(node int) int
	// LinkInfo returns the interconnect kind and hop count between
	// two physical GPU devices.
	LinkInfo(from, to int) (Link, error)
	// ClosestNumaNode returns the physical NUMA node closest to a
	// physical GPU device.
	ClosestNumaNode(gpu int) int
	// GpuBusID returns the PCIe bus address of a physical GPU device.
	GpuBusID(gpu int) string
	// GpuClockMHz returns the wall-clock timer rate of a GPU device.
	GpuClockMHz(gpu int) int
	// GpuComputeUnits returns the compute unit count of a GPU device.
	GpuComputeUnits(gpu int) int
}

// errBadIndex reports an out-of-range device index.
func errBadIndex(what string, idx, limit int) error {
	return errors.Errorf("%s index must be between 0 and %d (instead of %d)", what, limit-1, idx)
}
