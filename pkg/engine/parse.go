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
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/pkg/errors"

	"github.com/xferbench/xferbench/pkg/memory"
)

// ParseMemLocs parses a compact memory endpoint token: a concatenation
// of kind characters each followed by a device index, e.g. "C0G1". The
// token "N" stands for no endpoints.
func ParseMemLocs(token string) ([]MemLoc, error) {
	var locs []MemLoc
	i := 0
	for i < len(token) {
		c := token[i]
		if c == 'N' || c == 'n' {
			i++
			continue
		}
		kind, err := memory.KindFromChar(c)
		if err != nil {
			return nil, err
		}
		i++
		start := i
		for i < len(token) && token[i] >= '0' && token[i] <= '9' {
			i++
		}
		if start == i {
			return nil, errors.Errorf("memory token %q: missing device index after %q", token, string(c))
		}
		index, err := strconv.Atoi(token[start:i])
		if err != nil {
			return nil, errors.Wrapf(err, "memory token %q", token)
		}
		locs = append(locs, MemLoc{Kind: kind, Index: index})
	}
	return locs, nil
}

// ParseAgent parses an executor token: a kind character followed by a
// device index, e.g. "G2" or "D0".
func ParseAgent(token string) (Agent, error) {
	if len(token) < 2 {
		return Agent{}, errors.Errorf("invalid executor token %q", token)
	}
	kind, err := AgentKindFromChar(token[0])
	if err != nil {
		return Agent{}, err
	}
	index, err := strconv.Atoi(token[1:])
	if err != nil {
		return Agent{}, errors.Errorf("invalid executor token %q: bad device index", token)
	}
	return Agent{Kind: kind, Index: index}, nil
}

// ParseTransfers parses one transfer-list line. The line starts with a
// transfer count followed by per-transfer tuples; parentheses are
// decorative. A positive count selects the simple format
//
//	N (src exe dst numSubExecs) ...
//
// where every transfer copies the test's default byte count. A negative
// count selects the advanced format
//
//	-N (srcs exe dsts numSubExecs numBytes) ...
//
// with multi-endpoint src/dst tokens and per-transfer byte counts that
// accept size suffixes like 64M.
func ParseTransfers(line string) ([]*Transfer, error) {
	cleaned := strings.NewReplacer("(", " ", ")", " ").Replace(line)
	fields := strings.Fields(cleaned)
	if len(fields) == 0 {
		return nil, nil
	}

	count, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, errors.Errorf("invalid transfer count %q", fields[0])
	}
	if count == 0 {
		return nil, nil
	}

	advanced := count < 0
	if advanced {
		count = -count
	}
	tokensPer := 4
	if advanced {
		tokensPer = 5
	}
	tokens := fields[1:]
	if len(tokens) != count*tokensPer {
		return nil, errors.Errorf("expected %d tokens for %d transfers, got %d",
			count*tokensPer, count, len(tokens))
	}

	var transfers []*Transfer
	for i := 0; i < count; i++ {
		tuple := tokens[i*tokensPer : (i+1)*tokensPer]

		srcs, err := ParseMemLocs(tuple[0])
		if err != nil {
			return nil, errors.Wrapf(err, "transfer %02d", i)
		}
		agent, err := ParseAgent(tuple[1])
		if err != nil {
			return nil, errors.Wrapf(err, "transfer %02d", i)
		}
		dsts, err := ParseMemLocs(tuple[2])
		if err != nil {
			return nil, errors.Wrapf(err, "transfer %02d", i)
		}
		numSubExecs, err := strconv.Atoi(tuple[3])
		if err != nil {
			return nil, errors.Errorf("transfer %02d: invalid sub-executor count %q", i, tuple[3])
		}

		t := &Transfer{
			Srcs:        srcs,
			Dsts:        dsts,
			Agent:       agent,
			NumSubExecs: numSubExecs,
		}
		if advanced {
			numBytes, err := units.RAMInBytes(tuple[4])
			if err != nil {
				return nil, errors.Wrapf(err, "transfer %02d: invalid byte count %q", i, tuple[4])
			}
			t.NumBytes = numBytes
		}
		if err := t.Validate(); err != nil {
			return nil, errors.Wrapf(err, "transfer %02d", i)
		}
		transfers = append(transfers, t)
	}
	return transfers, nil
}
