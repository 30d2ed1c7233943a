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

//go:build linux

package memory

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// HostAllocator provides NUMA-bound host memory on Linux. Pinned kinds
// are mmapped and mlocked; unpinned kinds are mmapped only. Device
// kinds are not supported and must go through a device allocator.
type HostAllocator struct {
	verifyPlacement bool
}

// NewHostAllocator creates a host allocator. With verifyPlacement set,
// each allocation is checked page by page for residency on its target
// node and rejected on mismatch.
func NewHostAllocator(verifyPlacement bool) *HostAllocator {
	return &HostAllocator{verifyPlacement: verifyPlacement}
}

// Allocate returns a zeroed, NUMA-bound buffer of numBytes bytes.
func (a *HostAllocator) Allocate(kind Kind, node int, numBytes int64) (*Buffer, error) {
	if err := checkSize(numBytes); err != nil {
		return nil, err
	}
	if !kind.IsCpu() {
		return nil, errors.Errorf("host allocator cannot provide %s memory", kind)
	}

	// Prefer the target node for the duration of the first touch.
	if err := setPreferredNode(node); err != nil {
		return nil, errors.Wrapf(err, "failed to set preferred NUMA node %d", node)
	}
	defer func() {
		if err := resetMempolicy(); err != nil {
			log.Warn("failed to reset memory policy: %v", err)
		}
	}()

	raw, err := unix.Mmap(-1, 0, int(numBytes),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrapf(ErrOutOfMemory,
			"unable to allocate %d bytes on NUMA node %d: %v", numBytes, node, err)
	}

	switch kind {
	case KindCpu, KindCpuFine:
		if err := unix.Mlock(raw); err != nil {
			_ = unix.Munmap(raw)
			return nil, errors.Wrapf(err, "unable to pin %d bytes on NUMA node %d", numBytes, node)
		}
	case KindCpuUnpinned:
	case KindGpu, KindGpuFine, KindNull:
		_ = unix.Munmap(raw)
		return nil, errors.Errorf("host allocator cannot provide %s memory", kind)
	}

	// First touch places the pages under the preferred policy.
	for i := range raw {
		raw[i] = 0
	}

	if a.verifyPlacement {
		if err := checkPages(raw, node); err != nil {
			_ = unix.Munmap(raw)
			return nil, err
		}
	}

	data := unsafe.Slice((*float32)(unsafe.Pointer(&raw[0])), numBytes/ElemBytes)
	return NewBuffer(kind, node, data, func() error {
		return unix.Munmap(raw)
	}), nil
}

// Release returns a buffer to the system.
func (a *HostAllocator) Release(b *Buffer) error {
	if b == nil || b.release == nil {
		return nil
	}
	release := b.release
	b.release = nil
	return release()
}

var _ Allocator = &HostAllocator{}
