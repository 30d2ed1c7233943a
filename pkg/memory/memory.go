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

// Package memory provides the memory kinds and allocation capability
// consumed by the transfer engine.
package memory

import (
	"math"

	"github.com/pkg/errors"
)

// ElemBytes is the size of one transfer element. All byte counts the
// engine accepts must be a multiple of this.
const ElemBytes = 4

// FillByte is the byte written by fill (zero-source) transfers.
const FillByte byte = 0x75

// FillValue is FillByte replicated over one element.
var FillValue = math.Float32frombits(0x75757575)

// Kind identifies a memory kind.
type Kind int

const (
	// KindCpu is coarse-grained pinned host memory.
	KindCpu Kind = iota
	// KindCpuFine is fine-grained pinned host memory.
	KindCpuFine
	// KindCpuUnpinned is pageable host memory.
	KindCpuUnpinned
	// KindGpu is coarse-grained device memory.
	KindGpu
	// KindGpuFine is fine-grained device memory.
	KindGpuFine
	// KindNull discards the slot it appears in.
	KindNull

	numKinds
)

// KindChars lists the one-character codes of all kinds, in Kind order.
const KindChars = "CBUGFN"

var kindNames = [numKinds]string{
	"CPU",
	"CPU-Fine",
	"CPU-Unpinned",
	"GPU",
	"GPU-Fine",
	"Null",
}

// KindFromChar resolves a one-character memory kind code.
func KindFromChar(c byte) (Kind, error) {
	switch c {
	case 'C', 'c':
		return KindCpu, nil
	case 'B', 'b':
		return KindCpuFine, nil
	case 'U', 'u':
		return KindCpuUnpinned, nil
	case 'G', 'g':
		return KindGpu, nil
	case 'F', 'f':
		return KindGpuFine, nil
	case 'N', 'n':
		return KindNull, nil
	}
	return KindNull, errors.Errorf("unrecognized memory kind %q, expected one of %q", string(c), KindChars)
}

// Char returns the one-character code of a kind.
func (k Kind) Char() byte {
	return KindChars[k]
}

// String returns the name of the kind.
func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return "Invalid"
	}
	return kindNames[k]
}

// IsCpu returns true for host memory kinds.
func (k Kind) IsCpu() bool {
	switch k {
	case KindCpu, KindCpuFine, KindCpuUnpinned:
		return true
	case KindGpu, KindGpuFine, KindNull:
		return false
	}
	return false
}

// IsGpu returns true for device memory kinds.
func (k Kind) IsGpu() bool {
	switch k {
	case KindGpu, KindGpuFine:
		return true
	case KindCpu, KindCpuFine, KindCpuUnpinned, KindNull:
		return false
	}
	return false
}

// Buffer is one allocated region, viewed as transfer elements.
type Buffer struct {
	kind    Kind
	index   int
	data    []float32
	release func() error
}

// NewBuffer wraps externally-owned storage in a Buffer. Used by
// allocator implementations.
func NewBuffer(kind Kind, index int, data []float32, release func() error) *Buffer {
	return &Buffer{kind: kind, index: index, data: data, release: release}
}

// Kind returns the memory kind of the buffer.
func (b *Buffer) Kind() Kind {
	return b.kind
}

// Index returns the locality (NUMA node or GPU) of the buffer.
func (b *Buffer) Index() int {
	return b.index
}

// Len returns the element count of the buffer.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Elems returns the full element view of the buffer.
func (b *Buffer) Elems() []float32 {
	return b.data
}

// Span returns the element view [off, off+n) of the buffer.
func (b *Buffer) Span(off, n int) []float32 {
	return b.data[off : off+n]
}

// Allocation/placement failures.
var (
	// ErrOutOfMemory reports an allocation failure.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrPlacementMismatch reports pages resident off their target.
	ErrPlacementMismatch = errors.New("memory placement mismatch")
)

// Allocator provides memory of a given kind on a given locality.
// Localities are physical indices (post remapping).
type Allocator interface {
	// Allocate returns a zeroed buffer of numBytes bytes.
	Allocate(kind Kind, index int, numBytes int64) (*Buffer, error)
	// Release returns a buffer to the system.
	Release(b *Buffer) error
}

// checkSize validates a requested allocation size.
func checkSize(numBytes int64) error {
	if numBytes == 0 {
		return errors.New("unable to allocate 0 bytes")
	}
	if numBytes%ElemBytes != 0 {
		return errors.Errorf("allocation size %d is not a multiple of %d", numBytes, ElemBytes)
	}
	return nil
}
