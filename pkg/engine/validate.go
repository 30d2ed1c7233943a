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
	"math"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/xferbench/xferbench/pkg/memory"
)

// dstSentinel is written to destinations before execution so a launch
// that silently did nothing fails validation.
const dstSentinel = float32(-1.0)

// srcValue returns the reference value of element idx of source number
// srcIdx. Unless a fill pattern overrides it, values follow an
// index-derived progression that differs between sources, so a reduce
// over multiple sources can be checked exactly.
func (e *Engine) srcValue(srcIdx, idx int) float32 {
	if len(e.cfg.FillPattern) > 0 {
		return e.cfg.FillPattern[idx%len(e.cfg.FillPattern)]
	}
	return float32((idx%383)*517%383+31) * float32(srcIdx+1)
}

// expectedValue returns the reference value of destination element idx:
// the elementwise sum over all sources, or the fill value for transfers
// with no source.
func (e *Engine) expectedValue(t *Transfer, idx int) float32 {
	if len(t.Srcs) == 0 {
		return memory.FillValue
	}
	sum := float32(0)
	for srcIdx := range t.Srcs {
		sum += e.srcValue(srcIdx, idx)
	}
	return sum
}

// prepareBuffers writes the reference pattern to every source buffer,
// reads it back to catch placement or accessibility problems before any
// timing happens, and resets every destination to a sentinel.
func (e *Engine) prepareBuffers(t *Transfer) error {
	n := int(t.numBytesActual / memory.ElemBytes)
	offset := e.cfg.ByteOffset / memory.ElemBytes

	for srcIdx, buf := range t.srcBufs {
		span := buf.Span(offset, n)
		for i := range span {
			span[i] = e.srcValue(srcIdx, i)
		}
		for i := range span {
			if expected := e.srcValue(srcIdx, i); span[i] != expected {
				return errors.Errorf(
					"transfer %02d: unexpected mismatch at source %s index %d: expected %.f (0x%08X) got %.f (0x%08X)",
					t.index, t.Srcs[srcIdx], i,
					expected, math.Float32bits(expected),
					span[i], math.Float32bits(span[i]))
			}
		}
	}
	for _, buf := range t.dstBufs {
		span := buf.Span(offset, n)
		for i := range span {
			span[i] = dstSentinel
		}
	}
	return nil
}

// validateDst checks every destination of the transfer against the
// reference pattern. All failing destinations are reported, first
// mismatching element each.
func (e *Engine) validateDst(t *Transfer) error {
	n := int(t.numBytesActual / memory.ElemBytes)
	offset := e.cfg.ByteOffset / memory.ElemBytes

	var result *multierror.Error
	for dstIdx, buf := range t.dstBufs {
		span := buf.Span(offset, n)
		for i := range span {
			expected := e.expectedValue(t, i)
			if span[i] != expected {
				result = multierror.Append(result, errors.Errorf(
					"transfer %02d: mismatch at destination %s index %d: expected %.f (0x%08X) got %.f (0x%08X)",
					t.index, t.Dsts[dstIdx], i,
					expected, math.Float32bits(expected),
					span[i], math.Float32bits(span[i])))
				break
			}
		}
	}
	return result.ErrorOrNil()
}

// validateAll validates every transfer of every group.
func (e *Engine) validateAll(groups []*executorGroup) error {
	var result *multierror.Error
	for _, g := range groups {
		for _, t := range g.transfers {
			if err := e.validateDst(t); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}
