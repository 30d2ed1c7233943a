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
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindFromChar(t *testing.T) {
	for i := 0; i < len(KindChars); i++ {
		kind, err := KindFromChar(KindChars[i])
		require.NoError(t, err)
		require.Equal(t, Kind(i), kind)
		require.Equal(t, KindChars[i], kind.Char())

		lower, err := KindFromChar(KindChars[i] | 0x20)
		require.NoError(t, err)
		require.Equal(t, kind, lower)
	}

	_, err := KindFromChar('X')
	require.Error(t, err)
}

func TestKindClasses(t *testing.T) {
	require.True(t, KindCpu.IsCpu())
	require.True(t, KindCpuFine.IsCpu())
	require.True(t, KindCpuUnpinned.IsCpu())
	require.True(t, KindGpu.IsGpu())
	require.True(t, KindGpuFine.IsGpu())
	require.False(t, KindNull.IsCpu())
	require.False(t, KindNull.IsGpu())
	require.False(t, KindGpu.IsCpu())
	require.False(t, KindCpu.IsGpu())
}

func TestFillValue(t *testing.T) {
	bits := math.Float32bits(FillValue)
	for shift := 0; shift < 32; shift += 8 {
		require.Equal(t, uint32(FillByte), (bits>>shift)&0xff)
	}
}

func TestSimAllocator(t *testing.T) {
	a := NewSimAllocator()

	buf, err := a.Allocate(KindCpu, 0, 1024)
	require.NoError(t, err)
	require.Equal(t, KindCpu, buf.Kind())
	require.Equal(t, 0, buf.Index())
	require.Equal(t, 256, buf.Len())
	require.Equal(t, 1, a.Outstanding())

	span := buf.Span(16, 8)
	require.Len(t, span, 8)
	span[0] = 42
	require.Equal(t, float32(42), buf.Elems()[16])

	require.NoError(t, a.Release(buf))
	require.Zero(t, a.Outstanding())
	// Releasing twice must not double-count.
	require.NoError(t, a.Release(buf))
	require.Zero(t, a.Outstanding())

	_, err = a.Allocate(KindCpu, 0, 0)
	require.Error(t, err)
	_, err = a.Allocate(KindCpu, 0, 1022)
	require.Error(t, err)
	_, err = a.Allocate(KindNull, 0, 1024)
	require.ErrorIs(t, err, ErrOutOfMemory)
}
