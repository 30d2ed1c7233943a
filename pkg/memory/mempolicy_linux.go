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
	"os"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
)

// Low-level NUMA memory policy plumbing via raw syscalls: the engine
// only needs set_mempolicy(MPOL_PREFERRED) around first touch and
// move_pages(flags=0) for placement queries.
const (
	mpolDefault   = 0
	mpolPreferred = 1

	sysSetMempolicy = 238
	sysMovePages    = 279

	maxNumaNodes = 1024
)

func setPreferredNode(node int) error {
	if node < 0 || node >= maxNumaNodes {
		return errors.Errorf("node %d out of range", node)
	}
	mask := make([]uint64, node/64+1)
	mask[node/64] |= 1 << (node % 64)
	_, _, errno := syscall.Syscall(sysSetMempolicy,
		uintptr(mpolPreferred),
		uintptr(unsafe.Pointer(&mask[0])),
		uintptr(len(mask)*64))
	if errno != 0 {
		return errno
	}
	return nil
}

func resetMempolicy() error {
	_, _, errno := syscall.Syscall(sysSetMempolicy, uintptr(mpolDefault), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// checkPages queries the resident node of every page in the region and
// fails if any page is not on the target node.
func checkPages(region []byte, targetNode int) error {
	pageSize := os.Getpagesize()
	numPages := (len(region) + pageSize - 1) / pageSize

	pages := make([]uintptr, numPages)
	status := make([]int32, numPages)
	for i := range pages {
		pages[i] = uintptr(unsafe.Pointer(&region[i*pageSize]))
	}

	_, _, errno := syscall.Syscall6(sysMovePages,
		0,
		uintptr(numPages),
		uintptr(unsafe.Pointer(&pages[0])),
		0,
		uintptr(unsafe.Pointer(&status[0])),
		0)
	if errno != 0 {
		return errors.Wrapf(errno, "unable to collect page placement info")
	}

	misplaced := 0
	for i, st := range status {
		if st < 0 {
			return errors.Errorf("unexpected page status %d for page %d", st, i)
		}
		if int(st) != targetNode {
			misplaced++
		}
	}
	if misplaced > 0 {
		return errors.Wrapf(ErrPlacementMismatch,
			"%d out of %d pages were not on NUMA node %d", misplaced, numPages, targetNode)
	}
	return nil
}
