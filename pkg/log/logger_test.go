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

package log

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerRegistry(t *testing.T) {
	a := NewLogger("test-source")
	b := Get("test-source")
	require.Equal(t, a.Source(), b.Source())
	require.Equal(t, "default", Default().Source())
}

func TestDebugToggle(t *testing.T) {
	l := NewLogger("debug-source")
	require.False(t, l.DebugEnabled())

	EnableDebug("debug-source")
	require.True(t, l.DebugEnabled())

	DisableDebug("debug-source")
	require.False(t, l.DebugEnabled())

	// The wildcard applies to sources without an explicit setting.
	other := NewLogger("wildcard-source")
	EnableDebug("*")
	require.True(t, other.DebugEnabled())
	require.False(t, l.DebugEnabled())
	DisableDebug("*")
	require.False(t, other.DebugEnabled())

	// "all" is an alias for the wildcard.
	EnableDebug("all")
	require.True(t, other.DebugEnabled())
	DisableDebug("all")
}

func TestDebugOverridesLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	l := NewLogger("level-source")
	l.Debug("hidden")
	require.Empty(t, buf.String())

	// The global level defaults to info; an enabled debug source must
	// still print, as with sources seeded from LOGGER_DEBUG.
	EnableDebug("level-source")
	defer DisableDebug("level-source")
	l.Debug("visible %d", 1)
	require.Contains(t, buf.String(), "D: [level-source] visible 1")
}
