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

package memory

import (
	"sync"

	logger "github.com/xferbench/xferbench/pkg/log"
)

var log = logger.NewLogger("memory")

// SimAllocator backs every memory kind with ordinary heap storage. It
// keeps the engine fully runnable without NUMA or device support, and
// tracks outstanding allocations so leaks show up in tests.
type SimAllocator struct {
	sync.Mutex
	outstanding int
}

// NewSimAllocator creates a simulated allocator.
func NewSimAllocator() *SimAllocator {
	return &SimAllocator{}
}

// Allocate returns a zeroed buffer of numBytes bytes.
func (a *SimAllocator) Allocate(kind Kind, index int, numBytes int64) (*Buffer, error) {
	if err := checkSize(numBytes); err != nil {
		return nil, err
	}
	if kind == KindNull {
		return nil, ErrOutOfMemory
	}

	data := make([]float32, numBytes/ElemBytes)

	a.Lock()
	a.outstanding++
	a.Unlock()

	log.Debug("allocated %d bytes of %s memory on device %d", numBytes, kind, index)

	return NewBuffer(kind, index, data, func() error {
		a.Lock()
		a.outstanding--
		a.Unlock()
		return nil
	}), nil
}

// Release returns a buffer to the system.
func (a *SimAllocator) Release(b *Buffer) error {
	if b == nil || b.release == nil {
		return nil
	}
	release := b.release
	b.release = nil
	return release()
}

// Outstanding returns the number of unreleased allocations.
func (a *SimAllocator) Outstanding() int {
	a.Lock()
	defer a.Unlock()
	return a.outstanding
}

var _ Allocator = &SimAllocator{}
