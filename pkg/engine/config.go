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
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/xferbench/xferbench/pkg/memory"
)

// Ordering selects how a folded GFX group lays out its work units.
type Ordering int

const (
	// OrderSequential keeps each transfer's units contiguous.
	OrderSequential Ordering = iota
	// OrderInterleaved assigns units round-robin across transfers.
	OrderInterleaved
	// OrderRandom shuffles all units with the run-scoped generator.
	OrderRandom
)

var orderingNames = map[Ordering]string{
	OrderSequential:  "sequential",
	OrderInterleaved: "interleaved",
	OrderRandom:      "random",
}

// String returns the name of the ordering.
func (o Ordering) String() string {
	if name, ok := orderingNames[o]; ok {
		return name
	}
	return "invalid"
}

// MarshalJSON marshals the ordering as its name.
func (o Ordering) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// UnmarshalJSON unmarshals an ordering from its name.
func (o *Ordering) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for ord, n := range orderingNames {
		if n == name {
			*o = ord
			return nil
		}
	}
	return errors.Errorf("unrecognized unit ordering %q", name)
}

// SweepConfig holds the knobs of the sweep campaign.
type SweepConfig struct {
	// Src, Exe and Dst are the participant kind codes, e.g. "CG".
	Src string `json:"src"`
	Exe string `json:"exe"`
	Dst string `json:"dst"`
	// Min and Max bound the subset size; Max 0 means the universe size.
	Min int `json:"min"`
	Max int `json:"max"`
	// TestLimit and TimeLimitSec bound the whole sweep; 0 disables.
	TestLimit    int `json:"testLimit"`
	TimeLimitSec int `json:"timeLimitSec"`
	// XgmiMin and XgmiMax constrain the exe<->src plus exe<->dst hop
	// sum over direct-fabric links; XgmiMax < 0 disables the ceiling.
	XgmiMin int `json:"xgmiMin"`
	XgmiMax int `json:"xgmiMax"`
	// RandBytes randomizes each generated transfer's byte count.
	RandBytes bool `json:"randBytes"`
}

// Config holds the per-run execution configuration.
type Config struct {
	// Warmups is the number of untimed iterations run first.
	Warmups int `json:"warmups"`
	// Iterations is the timed iteration count; a negative value means
	// run until at least that many seconds of timed iterations elapsed.
	Iterations int `json:"iterations"`
	// SingleStream folds all of a GFX agent's transfers into one launch.
	SingleStream bool `json:"singleStream"`
	// UnitOrder lays out folded-launch work units.
	UnitOrder Ordering `json:"unitOrder"`
	// BlockBytes is the partitioning granularity in bytes.
	BlockBytes int `json:"blockBytes"`
	// ByteOffset shifts every buffer base address, for testing
	// misaligned bases.
	ByteOffset int `json:"byteOffset"`
	// ValidateEvery validates destinations after every iteration
	// instead of only once at the end.
	ValidateEvery bool `json:"validateEvery"`
	// ContinueOnError logs validation mismatches and continues.
	ContinueOnError bool `json:"continueOnError"`
	// FillPattern overrides the index-derived source pattern.
	FillPattern []float32 `json:"fillPattern,omitempty"`
	// Interactive pauses before the first timed iteration and after
	// the run.
	Interactive bool `json:"interactive"`
	// ShowIterations collects per-iteration diagnostics.
	ShowIterations bool `json:"showIterations"`
	// Seed seeds the run-scoped random generator.
	Seed int64 `json:"seed"`
	// SamplingFactor controls byte-range sampling density when no
	// byte count is given.
	SamplingFactor int `json:"samplingFactor"`
	// CsvOutput selects CSV rendering over tables.
	CsvOutput bool `json:"csvOutput"`

	// Campaign knobs.
	NumGpuSubExecs int  `json:"numGpuSubExecs"`
	NumCpuSubExecs int  `json:"numCpuSubExecs"`
	UseRemoteRead  bool `json:"useRemoteRead"`
	UseDmaCopy     bool `json:"useDmaCopy"`
	UseFineGrain   bool `json:"useFineGrain"`
	// P2pMode: 0 = both, 1 = unidirectional only, 2 = bidirectional only.
	P2pMode int `json:"p2pMode"`
	// A2aDirect restricts all-to-all to 1-hop connected pairs.
	A2aDirect bool `json:"a2aDirect"`

	Sweep SweepConfig `json:"sweep"`
}

// DefaultConfig returns the default run configuration.
func DefaultConfig() *Config {
	return &Config{
		Warmups:        3,
		Iterations:     10,
		UnitOrder:      OrderSequential,
		BlockBytes:     256,
		SamplingFactor: 1,
		NumGpuSubExecs: 4,
		NumCpuSubExecs: 4,
		Seed:           1,
		Sweep: SweepConfig{
			Src:     "CG",
			Exe:     "CG",
			Dst:     "CG",
			Min:     1,
			XgmiMax: -1,
		},
	}
}

// LoadConfig reads a YAML run configuration, applying defaults for
// unset fields.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration %q", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse configuration %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration %q", path)
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Warmups < 0 {
		return errors.Errorf("warmups (%d) cannot be negative", c.Warmups)
	}
	if c.Iterations == 0 {
		return errors.New("iterations cannot be 0")
	}
	if c.BlockBytes <= 0 || c.BlockBytes%memory.ElemBytes != 0 {
		return errors.Errorf("blockBytes (%d) must be a positive multiple of %d",
			c.BlockBytes, memory.ElemBytes)
	}
	if c.ByteOffset < 0 || c.ByteOffset%memory.ElemBytes != 0 {
		return errors.Errorf("byteOffset (%d) must be a non-negative multiple of %d",
			c.ByteOffset, memory.ElemBytes)
	}
	if c.SamplingFactor < 1 {
		return errors.Errorf("samplingFactor (%d) must be at least 1", c.SamplingFactor)
	}
	if c.Sweep.Min < 1 {
		return errors.Errorf("sweep subset size minimum (%d) must be at least 1", c.Sweep.Min)
	}
	if c.Sweep.Max < 0 {
		return errors.Errorf("sweep subset size maximum (%d) cannot be negative", c.Sweep.Max)
	}
	return nil
}
