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

// Package report renders topology and benchmark results, either as
// human-readable tables or as CSV.
package report

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/xferbench/xferbench/pkg/campaign"
	"github.com/xferbench/xferbench/pkg/engine"
	"github.com/xferbench/xferbench/pkg/topology"
)

// Writer renders reports to an output stream.
type Writer struct {
	out io.Writer
	csv bool
}

// New creates a report writer. With csv set, machine-readable CSV is
// emitted instead of tables.
func New(out io.Writer, csv bool) *Writer {
	return &Writer{out: out, csv: csv}
}

func (r *Writer) printf(format string, args ...interface{}) {
	fmt.Fprintf(r.out, format, args...)
}

// Comment echoes a passthrough comment line from a configuration file.
// Suppressed in CSV mode to keep the output machine-readable.
func (r *Writer) Comment(line string) {
	if r.csv {
		return
	}
	r.printf("%s\n", line)
}

// Topology renders the NUMA and GPU topology.
func (r *Writer) Topology(sys *topology.System) {
	oracle := sys.Oracle()

	if r.csv {
		r.printf("NumaNode,CPUs,Distances,ClosestGPUs\n")
	} else {
		r.printf("NUMA topology:\n")
		r.printf("%-10s %6s  %-20s %s\n", "Node", "CPUs", "Distances", "Closest GPUs")
	}
	for i := 0; i < sys.NumCpuDevices(); i++ {
		phys, err := sys.RemapCpu(i)
		if err != nil {
			continue
		}

		var distances []string
		for j := 0; j < sys.NumCpuDevices(); j++ {
			other, err := sys.RemapCpu(j)
			if err != nil {
				continue
			}
			distances = append(distances, fmt.Sprintf("%d", oracle.NumaDistance(phys, other)))
		}

		var closest []string
		for gpu := 0; gpu < sys.NumGpuDevices(); gpu++ {
			physGpu, err := sys.RemapGpu(gpu)
			if err != nil {
				continue
			}
			if oracle.ClosestNumaNode(physGpu) == phys {
				closest = append(closest, fmt.Sprintf("GPU %02d", gpu))
			}
		}

		if r.csv {
			r.printf("%d,%d,%s,%s\n", phys, oracle.CpuCountOnNode(phys),
				strings.Join(distances, " "), strings.Join(closest, " "))
		} else {
			r.printf("%-10s %6d  %-20s %s\n", fmt.Sprintf("node %d", phys),
				oracle.CpuCountOnNode(phys),
				strings.Join(distances, " "), strings.Join(closest, " "))
		}
	}

	numGpus := sys.NumGpuDevices()
	if numGpus == 0 {
		return
	}

	if r.csv {
		r.printf("SrcGpu,DstGpu,Link,Hops\n")
		for i := 0; i < numGpus; i++ {
			for j := 0; j < numGpus; j++ {
				link, err := sys.LinkInfo(i, j)
				if err != nil {
					continue
				}
				r.printf("%d,%d,%s,%d\n", i, j, link.Kind, link.Hops)
			}
		}
		return
	}

	r.printf("\nGPU topology (link kind and hop count):\n")
	r.printf("%8s", "")
	for j := 0; j < numGpus; j++ {
		r.printf(" %8s", fmt.Sprintf("GPU %02d", j))
	}
	r.printf("   PCIe address       NUMA\n")
	for i := 0; i < numGpus; i++ {
		r.printf("%8s", fmt.Sprintf("GPU %02d", i))
		for j := 0; j < numGpus; j++ {
			link, err := sys.LinkInfo(i, j)
			if err != nil {
				r.printf(" %8s", "-")
				continue
			}
			if i == j {
				r.printf(" %8s", "-")
			} else {
				r.printf(" %8s", fmt.Sprintf("%s-%d", link.Kind, link.Hops))
			}
		}
		phys, err := sys.RemapGpu(i)
		if err != nil {
			r.printf("\n")
			continue
		}
		r.printf("   %-16s %4d\n", oracle.GpuBusID(phys), oracle.ClosestNumaNode(phys))
	}
}

// TestHeader renders the CSV column header. A no-op in table mode.
func (r *Writer) TestHeader() {
	if r.csv {
		r.printf("Test#,Transfer#,NumBytes,Src,Exe,Dst,CUs,BW(GB/s),Time(ms),SrcAddr,DstAddr\n")
	}
}

func msec(d int64) float64 {
	return float64(d) / 1e6
}

// Test renders one test result.
func (r *Writer) Test(name string, result *engine.TestResult) {
	if r.csv {
		for _, agent := range result.Agents {
			for _, tr := range agent.Transfers {
				r.printf("%d,%d,%d,%s,%s,%s,%d,%.3f,%.3f,%s,%s\n",
					result.TestNum, tr.Index, tr.NumBytes,
					tr.Src, tr.Exe, tr.Dst, tr.NumSubExecs,
					tr.BandwidthGBs, msec(tr.AvgTime.Nanoseconds()),
					strings.Join(tr.SrcAddrs, " "), strings.Join(tr.DstAddrs, " "))
			}
		}
		return
	}

	r.printf("Test %d: %s\n", result.TestNum, name)
	if !result.Passed {
		r.printf(" FAILED validation\n")
	}
	for _, agent := range result.Agents {
		r.printf(" Executor %s: %9.3f GB/s | %8.3f ms | %12d bytes\n",
			agent.Agent, agent.BandwidthGBs, msec(agent.AvgTime.Nanoseconds()), agent.NumBytes)
		for _, tr := range agent.Transfers {
			r.printf("  Transfer %02d: %9.3f GB/s | %8.3f ms | %12d bytes | %s -> %s:%d -> %s\n",
				tr.Index, tr.BandwidthGBs, msec(tr.AvgTime.Nanoseconds()), tr.NumBytes,
				tr.Src, tr.Exe, tr.NumSubExecs, tr.Dst)
			for _, i := range iterOrder(tr.PerIter) {
				iter := tr.PerIter[i]
				r.printf("   Iter %03d: %9.3f GB/s | %8.3f ms%s\n",
					i+1, iter.BandwidthGBs, msec(iter.Elapsed.Nanoseconds()),
					unitLocationString(iter.UnitLocations))
			}
			if len(tr.PerIter) > 1 {
				r.printf("   StdDev: %12s | %8.3f ms\n", "", iterStdDev(tr.PerIter))
			}
		}
	}
	r.printf(" Aggregate: %9.3f GB/s | %8.3f ms | %12d bytes | Overhead: %.3f ms\n",
		result.TotalBandwidthGBs, msec(result.AvgTotalTime.Nanoseconds()),
		result.TotalBytes, msec(result.OverheadTime.Nanoseconds()))
}

// iterOrder sorts iteration indices by elapsed time, slowest first, so
// outliers show up at the top of the listing.
func iterOrder(iters []engine.IterResult) []int {
	order := make([]int, len(iters))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return iters[order[a]].Elapsed > iters[order[b]].Elapsed
	})
	return order
}

func iterStdDev(iters []engine.IterResult) float64 {
	mean := 0.0
	for _, iter := range iters {
		mean += msec(iter.Elapsed.Nanoseconds())
	}
	mean /= float64(len(iters))

	variance := 0.0
	for _, iter := range iters {
		d := msec(iter.Elapsed.Nanoseconds()) - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(iters)))
}

func unitLocationString(locs []engine.UnitLocation) string {
	if len(locs) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(" |")
	for _, loc := range locs {
		fmt.Fprintf(&sb, " %d:%d", loc.Die, loc.Unit)
	}
	return sb.String()
}

// matrix renders a labeled bandwidth matrix.
func (r *Writer) matrix(rows, cols []string, bw [][]float64) {
	if r.csv {
		r.printf("SrcDst,%s\n", strings.Join(cols, ","))
		for i, label := range rows {
			cells := make([]string, len(bw[i]))
			for j, v := range bw[i] {
				cells[j] = fmt.Sprintf("%.3f", v)
			}
			r.printf("%s,%s\n", label, strings.Join(cells, ","))
		}
		return
	}

	r.printf("%10s", "SRC\\DST")
	for _, label := range cols {
		r.printf(" %9s", label)
	}
	r.printf("\n")
	for i, label := range rows {
		r.printf("%10s", label)
		for _, v := range bw[i] {
			if v == 0 {
				r.printf(" %9s", "-")
			} else {
				r.printf(" %9.3f", v)
			}
		}
		r.printf("\n")
	}
}

// P2PSummary renders the peer-to-peer bandwidth matrices and averages.
func (r *Writer) P2PSummary(s *campaign.P2PSummary) {
	r.printf("\nUnidirectional bandwidth (GB/s):\n")
	r.matrix(s.Labels, s.Labels, s.Uni)
	r.printf("Average (remote pairs): %.3f GB/s\n", s.AvgUni)

	r.printf("\nBidirectional bandwidth (GB/s):\n")
	r.matrix(s.Labels, s.Labels, s.Bidi)
	r.printf("Average (remote pairs): %.3f GB/s\n", s.AvgBidi)

	if len(s.ClassUni) > 0 {
		r.printf("\nAverage bandwidth by device class, unidirectional (GB/s):\n")
		r.matrix(s.ClassLabels, s.ClassLabels, s.ClassUni)
		r.printf("\nAverage bandwidth by device class, bidirectional (GB/s):\n")
		r.matrix(s.ClassLabels, s.ClassLabels, s.ClassBidi)
	}
}

// ScalingSummary renders per-destination bandwidth as a function of
// the sub-executor count, plus the best count per destination.
func (r *Writer) ScalingSummary(s *campaign.ScalingSummary) {
	rows := make([]string, len(s.Bandwidth))
	for i := range s.Bandwidth {
		rows[i] = fmt.Sprintf("%d SE", i+1)
	}

	r.printf("\nScaling from GPU %02d (GB/s):\n", s.Src)
	r.matrix(rows, s.Targets, s.Bandwidth)
	for i, target := range s.Targets {
		r.printf("Best for %s: %d sub-executors\n", target, s.Best[i])
	}
}

// AllToAllSummary renders the simultaneous pair bandwidth matrix and
// the fabric total.
func (r *Writer) AllToAllSummary(s *campaign.AllToAllSummary) {
	labels := make([]string, s.NumGpus)
	for i := range labels {
		labels[i] = fmt.Sprintf("GPU %02d", i)
	}
	r.printf("\nAll-to-all bandwidth (GB/s):\n")
	r.matrix(labels, labels, s.Bandwidth)
	for i, label := range labels {
		r.printf("%10s: read %9.3f GB/s | write %9.3f GB/s\n",
			label, s.RowTotal[i], s.ColTotal[i])
	}
	r.printf("Average pair bandwidth: %.3f GB/s\n", s.Average)
	r.printf("Total fabric bandwidth: %.3f GB/s\n", s.Total)
}
