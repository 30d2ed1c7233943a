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

package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xferbench/xferbench/pkg/engine"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()

	r.Record(&engine.TestResult{
		TestNum:           1,
		TotalBandwidthGBs: 42.0,
		Passed:            true,
		Agents: []engine.AgentResult{
			{
				Agent: engine.Agent{Kind: engine.AgentGpuGfx, Index: 0},
				Transfers: []engine.TransferResult{
					{
						Index:        0,
						Src:          "C0",
						Exe:          "G0",
						Dst:          "G0",
						AvgTime:      2 * time.Millisecond,
						BandwidthGBs: 42.0,
					},
				},
			},
		},
	})
	r.Record(&engine.TestResult{TestNum: 2, Passed: false})

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				values[mf.GetName()] = m.GetCounter().GetValue()
			}
		}
	}

	require.Equal(t, 42.0, values["xferbench_transfer_bandwidth_gbps"])
	require.Equal(t, 2.0, values["xferbench_transfer_time_milliseconds"])
	require.Equal(t, 42.0, values["xferbench_test_bandwidth_gbps"])
	require.Equal(t, 2.0, values["xferbench_tests_total"])
	require.Equal(t, 1.0, values["xferbench_test_failures_total"])
}
