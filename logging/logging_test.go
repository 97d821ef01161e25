// SPDX-License-Identifier: GPL-3.0-or-later

package logging_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m2osw/wpkg-go/logging"
)

func TestLoggerWritesTextOutput(t *testing.T) {
	var buf bytes.Buffer
	l := logging.New(logging.Options{Level: logging.LevelInfo, Output: &buf})

	l.Log(logging.Record{Level: logging.LevelInfo, Module: "engine", Package: "foo", Action: "unpack", Message: "unpacking foo"})

	assert.Contains(t, buf.String(), "unpacking foo")
	assert.Contains(t, buf.String(), "package=foo")
}

func TestLoggerRespectsMinimumLevel(t *testing.T) {
	var buf bytes.Buffer
	l := logging.New(logging.Options{Level: logging.LevelWarning, Output: &buf})

	l.Log(logging.Record{Level: logging.LevelInfo, Message: "should be suppressed"})
	l.Log(logging.Record{Level: logging.LevelError, Message: "should appear"})

	assert.NotContains(t, buf.String(), "should be suppressed")
	assert.Contains(t, buf.String(), "should appear")
}

func TestLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := logging.New(logging.Options{Level: logging.LevelInfo, JSON: true, Output: &buf})

	l.Log(logging.Record{Level: logging.LevelInfo, Message: "hello"})

	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestLoggerWritesRotatingFile(t *testing.T) {
	var buf bytes.Buffer
	dir := t.TempDir()
	logFile := filepath.Join(dir, "wpkg.log")
	l := logging.New(logging.Options{Level: logging.LevelInfo, Output: &buf, LogFile: logFile})

	l.Log(logging.Record{Level: logging.LevelInfo, Message: "to file"})

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}
