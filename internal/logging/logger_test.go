/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error", ""} {
		l, err := New(Config{Level: lvl, OutputPaths: []string{filepath.Join(t.TempDir(), "log")}})
		require.NoError(t, err, "level %q", lvl)
		require.NotNil(t, l)
	}
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
}

func TestLevelIsApplied(t *testing.T) {
	l, err := New(Config{Level: "warn", OutputPaths: []string{filepath.Join(t.TempDir(), "log")}})
	require.NoError(t, err)
	require.False(t, l.Core().Enabled(zapcore.InfoLevel))
	require.True(t, l.Core().Enabled(zapcore.WarnLevel))
}

func TestNewOrNopFallsBack(t *testing.T) {
	l := NewOrNop(Config{Level: "loud"})
	require.NotNil(t, l)
	require.False(t, l.Core().Enabled(zapcore.ErrorLevel))
}

func TestDevelopmentEncoding(t *testing.T) {
	require.Equal(t, "console", encodingFormat(true))
	require.Equal(t, "json", encodingFormat(false))
}
