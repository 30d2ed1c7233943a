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

// Package metrics publishes benchmark results as prometheus metrics,
// so long-running or repeated campaigns can be scraped and graphed.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xferbench/xferbench/pkg/engine"
	logger "github.com/xferbench/xferbench/pkg/log"
)

// metrics logger instance
var log = logger.NewLogger("metrics")

const namespace = "xferbench"

// Recorder tracks per-transfer and per-test outcomes in a prometheus
// registry.
type Recorder struct {
	registry *prometheus.Registry

	transferBandwidth *prometheus.GaugeVec
	transferTime      *prometheus.GaugeVec
	testBandwidth     *prometheus.GaugeVec
	testsTotal        prometheus.Counter
	failuresTotal     prometheus.Counter
}

// NewRecorder creates a recorder with its own registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewPedanticRegistry(),
		transferBandwidth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "transfer_bandwidth_gbps",
				Help:      "Per-transfer copy bandwidth in GB/s.",
			},
			[]string{"test", "transfer", "src", "exe", "dst"},
		),
		transferTime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "transfer_time_milliseconds",
				Help:      "Per-transfer mean iteration time in milliseconds.",
			},
			[]string{"test", "transfer", "src", "exe", "dst"},
		),
		testBandwidth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "test_bandwidth_gbps",
				Help:      "Aggregate test bandwidth in GB/s.",
			},
			[]string{"test"},
		),
		testsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tests_total",
				Help:      "Number of executed tests.",
			},
		),
		failuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "test_failures_total",
				Help:      "Number of tests that failed validation.",
			},
		),
	}

	for _, c := range []prometheus.Collector{
		r.transferBandwidth,
		r.transferTime,
		r.testBandwidth,
		r.testsTotal,
		r.failuresTotal,
	} {
		if err := r.registry.Register(c); err != nil {
			log.Error("failed to register collector: %v", err)
		}
	}
	return r
}

// Record publishes the outcome of one test.
func (r *Recorder) Record(result *engine.TestResult) {
	test := strconv.Itoa(result.TestNum)

	r.testsTotal.Inc()
	if !result.Passed {
		r.failuresTotal.Inc()
		return
	}
	r.testBandwidth.WithLabelValues(test).Set(result.TotalBandwidthGBs)

	for _, agent := range result.Agents {
		for _, tr := range agent.Transfers {
			labels := []string{test, strconv.Itoa(tr.Index), tr.Src, tr.Exe, tr.Dst}
			r.transferBandwidth.WithLabelValues(labels...).Set(tr.BandwidthGBs)
			r.transferTime.WithLabelValues(labels...).Set(
				float64(tr.AvgTime.Microseconds()) / 1000.0)
		}
	}
}

// Gatherer exposes the recorder's registry for scraping.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}
