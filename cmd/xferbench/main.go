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

// xferbench measures memory-copy bandwidth between CPU and GPU
// memories, driven by preset campaigns or transfer-list files.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/xferbench/xferbench/pkg/campaign"
	"github.com/xferbench/xferbench/pkg/engine"
	logger "github.com/xferbench/xferbench/pkg/log"
	"github.com/xferbench/xferbench/pkg/memory"
	"github.com/xferbench/xferbench/pkg/metrics"
	"github.com/xferbench/xferbench/pkg/report"
	"github.com/xferbench/xferbench/pkg/topology"
)

const (
	// sampled byte counts when no explicit byte count is given
	minSampledBytes = 256
	maxSampledBytes = 1 << 27

	sweepLogFile = "lastSweep.cfg"
)

type logrusFormatter struct{}

func (f *logrusFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return fmt.Appendf(nil, "xferbench: %s %s\n", entry.Level, entry.Message), nil
}

var (
	log *logrus.Logger
)

// runner ties the engine, reporting and metrics together for one
// invocation.
type runner struct {
	eng      *engine.Engine
	rep      *report.Writer
	rec      *metrics.Recorder
	numBytes int64
	sampling int
	testNum  int
	failed   bool
}

// run executes one test at one byte count and reports it.
func (r *runner) run(name string, numBytes int64, transfers []*engine.Transfer) error {
	r.testNum++
	result, err := r.eng.ExecuteTransfers(r.testNum, numBytes, transfers)
	if err != nil {
		return err
	}
	if !result.Passed {
		r.failed = true
	}
	r.rep.Test(name, result)
	if r.rec != nil {
		r.rec.Record(result)
	}
	return nil
}

// runTest executes a test at the configured byte count, or samples the
// whole byte range when no byte count was given.
func (r *runner) runTest(test *campaign.Test) error {
	if r.numBytes > 0 {
		return r.run(test.Name, r.numBytes, test.Transfers)
	}
	for base := int64(minSampledBytes); base <= maxSampledBytes; base *= 2 {
		step := base / int64(r.sampling)
		for i := 0; i < r.sampling; i++ {
			numBytes := base + int64(i)*step
			numBytes -= numBytes % memory.ElemBytes
			if numBytes > maxSampledBytes {
				break
			}
			name := fmt.Sprintf("%s (%s)", test.Name, units.BytesSize(float64(numBytes)))
			if err := r.run(name, numBytes, test.Transfers); err != nil {
				return err
			}
		}
	}
	return nil
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "usage: %s [options] <mode> [args]\n\n", os.Args[0])
	fmt.Fprintf(out, "modes:\n")
	fmt.Fprintf(out, "  p2p                     benchmark every device pair\n")
	fmt.Fprintf(out, "  scaling [gpu [maxSE]]   scale sub-executors for one GPU\n")
	fmt.Fprintf(out, "  a2a                     all GPUs to all GPUs at once\n")
	fmt.Fprintf(out, "  sweep | rsweep          sweep (src,exe,dst) subsets, ordered or random\n")
	fmt.Fprintf(out, "  cmdline '<transfers>'   run one transfer-list line\n")
	fmt.Fprintf(out, "  <file>                  run a transfer-list file\n\n")
	fmt.Fprintf(out, "options:\n")
	flag.PrintDefaults()
}

func main() {
	log = logrus.StandardLogger()
	log.SetFormatter(&logrusFormatter{})

	configFlag := flag.String("config", "", "YAML run configuration file")
	bytesFlag := flag.String("bytes", "64M", "Bytes per transfer; 0 samples the range 256B..128M")
	iterFlag := flag.Int("iterations", 0, "Timed iterations; negative runs for that many seconds")
	warmupFlag := flag.Int("warmups", -1, "Untimed warmup iterations")
	csvFlag := flag.Bool("csv", false, "Emit CSV instead of tables")
	simFlag := flag.String("sim", "", "Simulate a topology, e.g. 2,8 for 2 NUMA nodes and 8 GPUs")
	diesFlag := flag.Int("dies", 1, "Sub-partitions per simulated GPU")
	pcieFlag := flag.Bool("pcie-indexing", false, "Order GPU indices by PCIe bus address")
	verifyFlag := flag.Bool("verify-placement", false, "Verify NUMA placement of host allocations")
	metricsFlag := flag.String("metrics", "", "Serve prometheus metrics on this address")
	interactiveFlag := flag.Bool("interactive", false, "Pause around the timed iterations")
	showIterFlag := flag.Bool("showiter", false, "Report each timed iteration")
	verboseFlag := flag.Bool("v", false, "Enable verbose logging")
	veryVerboseFlag := flag.Bool("vv", false, "Enable very verbose logging")
	flag.Usage = usage
	flag.Parse()

	log.SetLevel(logrus.InfoLevel)
	if *verboseFlag || *veryVerboseFlag {
		log.SetLevel(logrus.DebugLevel)
		logger.SetLevel(logger.LevelDebug)
		logger.EnableDebug("*")
	}

	cfg := engine.DefaultConfig()
	if *configFlag != "" {
		var err error
		cfg, err = engine.LoadConfig(*configFlag)
		if err != nil {
			log.Fatalf("%v", err)
		}
	}
	if *iterFlag != 0 {
		cfg.Iterations = *iterFlag
	}
	if *warmupFlag >= 0 {
		cfg.Warmups = *warmupFlag
	}
	cfg.CsvOutput = cfg.CsvOutput || *csvFlag
	cfg.Interactive = cfg.Interactive || *interactiveFlag
	cfg.ShowIterations = cfg.ShowIterations || *showIterFlag

	numBytes, err := units.RAMInBytes(*bytesFlag)
	if err != nil || numBytes < 0 || numBytes%memory.ElemBytes != 0 {
		log.Fatalf("invalid -bytes %q", *bytesFlag)
	}

	oracle, simulated, err := buildOracle(*simFlag)
	if err != nil {
		log.Fatalf("%v", err)
	}
	var sysOpts []topology.SystemOption
	if *pcieFlag {
		sysOpts = append(sysOpts, topology.WithPCIeIndexing())
	}
	sys := topology.NewSystem(oracle, sysOpts...)

	var alloc memory.Allocator
	if simulated {
		alloc = memory.NewSimAllocator()
	} else {
		alloc = newHostAllocator(*verifyFlag)
	}
	devices := engine.NewSimDeviceSet(oracle, *diesFlag)

	eng, err := engine.New(sys, alloc, devices, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if cfg.Interactive {
		eng.SetPauseFunc(pauseOnStdin)
	}

	rep := report.New(os.Stdout, cfg.CsvOutput)

	var rec *metrics.Recorder
	if *metricsFlag != "" {
		rec = metrics.NewRecorder()
		go serveMetrics(*metricsFlag, rec)
	}

	if flag.NArg() == 0 {
		usage()
		fmt.Println()
		rep.Topology(sys)
		return
	}

	r := &runner{
		eng:      eng,
		rep:      rep,
		rec:      rec,
		numBytes: numBytes,
		sampling: cfg.SamplingFactor,
	}
	rep.TestHeader()

	mode, args := flag.Arg(0), flag.Args()[1:]
	switch mode {
	case "p2p":
		err = runP2P(r, sys, cfg)
	case "scaling":
		err = runScaling(r, sys, cfg, args)
	case "a2a":
		err = runAllToAll(r, sys, cfg)
	case "sweep", "rsweep":
		err = runSweep(r, sys, cfg, numBytes, mode == "rsweep")
	case "cmdline":
		err = runLine(r, strings.Join(args, " "))
	default:
		err = runFile(r, rep, mode)
	}
	if err != nil {
		log.Fatalf("%v", err)
	}
	if r.failed {
		log.Errorf("one or more tests failed validation")
		os.Exit(1)
	}
}

// buildOracle picks the topology source: discovered from the host, or
// simulated from a "nodes,gpus" spec.
func buildOracle(sim string) (topology.Oracle, bool, error) {
	if sim == "" {
		oracle, err := topology.NewSysfsOracle()
		return oracle, false, err
	}

	nodesStr, gpusStr, ok := strings.Cut(sim, ",")
	if !ok {
		return nil, false, fmt.Errorf("invalid -sim %q, expected nodes,gpus", sim)
	}
	nodes, err := strconv.Atoi(nodesStr)
	if err != nil || nodes < 1 {
		return nil, false, fmt.Errorf("invalid -sim node count %q", nodesStr)
	}
	gpus, err := strconv.Atoi(gpusStr)
	if err != nil || gpus < 0 {
		return nil, false, fmt.Errorf("invalid -sim GPU count %q", gpusStr)
	}
	return topology.NewSimOracle(nodes, gpus), true, nil
}

func serveMetrics(addr string, rec *metrics.Recorder) {
	handler := promhttp.HandlerFor(rec.Gatherer(), promhttp.HandlerOpts{})
	log.Infof("serving metrics on %s", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Errorf("metrics server failed: %v", err)
	}
}

func pauseOnStdin(stage string) {
	fmt.Printf("Hit <Enter> to continue (%s)...", stage)
	bufio.NewScanner(os.Stdin).Scan()
}

func runP2P(r *runner, sys *topology.System, cfg *engine.Config) error {
	p2p := campaign.NewP2P(sys, cfg)

	var results []*engine.TestResult
	for _, test := range p2p.Tests() {
		r.testNum++
		result, err := r.eng.ExecuteTransfers(r.testNum, r.defaultBytes(), test.Transfers)
		if err != nil {
			return err
		}
		if !result.Passed {
			r.failed = true
		}
		r.rep.Test(test.Name, result)
		if r.rec != nil {
			r.rec.Record(result)
		}
		results = append(results, result)
	}

	summary, err := p2p.Summarize(results)
	if err != nil {
		return err
	}
	r.rep.P2PSummary(summary)
	return nil
}

func runScaling(r *runner, sys *topology.System, cfg *engine.Config, args []string) error {
	srcGpu, maxSubExecs := 0, 0
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid scaling GPU %q", args[0])
		}
		srcGpu = n
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid scaling sub-executor bound %q", args[1])
		}
		maxSubExecs = n
	}

	scaling, err := campaign.NewScaling(sys, cfg, srcGpu, maxSubExecs)
	if err != nil {
		return err
	}

	var results []*engine.TestResult
	for _, test := range scaling.Tests() {
		r.testNum++
		result, err := r.eng.ExecuteTransfers(r.testNum, r.defaultBytes(), test.Transfers)
		if err != nil {
			return err
		}
		if !result.Passed {
			r.failed = true
		}
		if r.rec != nil {
			r.rec.Record(result)
		}
		results = append(results, result)
	}

	summary, err := scaling.Summarize(results)
	if err != nil {
		return err
	}
	r.rep.ScalingSummary(summary)
	return nil
}

func runAllToAll(r *runner, sys *topology.System, cfg *engine.Config) error {
	a2a, err := campaign.NewAllToAll(sys, cfg)
	if err != nil {
		return err
	}

	test := a2a.Tests()[0]
	r.testNum++
	result, err := r.eng.ExecuteTransfers(r.testNum, r.defaultBytes(), test.Transfers)
	if err != nil {
		return err
	}
	if !result.Passed {
		r.failed = true
	}
	r.rep.Test(test.Name, result)
	if r.rec != nil {
		r.rec.Record(result)
	}

	summary, err := a2a.Summarize(result)
	if err != nil {
		return err
	}
	r.rep.AllToAllSummary(summary)
	return nil
}

func runSweep(r *runner, sys *topology.System, cfg *engine.Config, maxBytes int64, random bool) error {
	if maxBytes == 0 {
		maxBytes = maxSampledBytes
	}
	sweep, err := campaign.NewSweep(sys, cfg, maxBytes, random)
	if err != nil {
		return err
	}

	for test := sweep.Next(); test != nil; test = sweep.Next() {
		if err := r.run(test.Name, maxBytes, test.Transfers); err != nil {
			return err
		}
	}

	// The replay log allows re-running any generated test from a file.
	data := strings.Join(sweep.ReplayLines(), "\n") + "\n"
	if err := os.WriteFile(sweepLogFile, []byte(data), 0o644); err != nil {
		log.Errorf("failed to write %s: %v", sweepLogFile, err)
	} else {
		log.Infof("wrote %d sweep tests to %s", sweep.Count(), sweepLogFile)
	}
	return nil
}

func runLine(r *runner, line string) error {
	transfers, err := engine.ParseTransfers(line)
	if err != nil {
		return err
	}
	if len(transfers) == 0 {
		return fmt.Errorf("no transfers on command line")
	}
	return r.runTest(&campaign.Test{Name: line, Transfers: transfers})
}

func runFile(r *runner, rep *report.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "##"):
			// Double-comment lines are echoed into the output.
			rep.Comment(line)
			continue
		case strings.HasPrefix(line, "#"):
			continue
		}

		transfers, err := engine.ParseTransfers(line)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if len(transfers) == 0 {
			continue
		}
		if err := r.runTest(&campaign.Test{Name: line, Transfers: transfers}); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// defaultBytes returns the configured byte count, falling back to the
// upper sampling bound for campaigns that need a concrete size.
func (r *runner) defaultBytes() int64 {
	if r.numBytes > 0 {
		return r.numBytes
	}
	return maxSampledBytes
}
