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
	"github.com/xferbench/xferbench/pkg/memory"
)

// prepareSubExecParams splits the transfer's resolved element range
// into numSubExecs contiguous work units. Units are kept multiples of
// the block granularity except possibly the last assigned one; when
// the transfer is too small, trailing units receive zero elements and
// execute as no-ops.
func (t *Transfer) prepareSubExecParams(cfg *Config, preferredDie int) {
	n := int(t.numBytesActual / memory.ElemBytes)
	initOffset := cfg.ByteOffset / memory.ElemBytes
	granularity := cfg.BlockBytes / memory.ElemBytes

	maxUsable := (n + granularity - 1) / granularity
	if maxUsable > t.NumSubExecs {
		maxUsable = t.NumSubExecs
	}

	t.subExec = make([]SubExecParam, t.NumSubExecs)
	t.subExecIdx = nil

	assigned := 0
	for i := range t.subExec {
		unitsLeft := maxUsable - i
		leftover := n - assigned

		size := 0
		if unitsLeft > 0 {
			blocks := (leftover + granularity - 1) / granularity
			size = (blocks / unitsLeft) * granularity
			if size > leftover {
				size = leftover
			}
		}

		p := &t.subExec[i]
		p.N = size
		p.PreferredDie = preferredDie
		p.StartCycle = 0
		p.StopCycle = 0
		p.Srcs = make([][]float32, len(t.srcBufs))
		for iSrc, buf := range t.srcBufs {
			p.Srcs[iSrc] = buf.Span(initOffset+assigned, size)
		}
		p.Dsts = make([][]float32, len(t.dstBufs))
		for iDst, buf := range t.dstBufs {
			p.Dsts[iDst] = buf.Span(initOffset+assigned, size)
		}

		log.Debug("transfer %02d SE:%02d: %d elements: %d to %d",
			t.index, i, size, assigned, assigned+size)

		assigned += size
	}

	t.elapsed = 0
	t.perIterElapsed = nil
	t.perIterUnits = nil
}
