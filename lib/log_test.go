package lib

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDefaultLogger(t *testing.T) {
	// pre-define expected
	expected := NewLogger(LoggerConfig{
		Level: DebugLevel,
		Out:   os.Stdout,
	})
	// execute the function call
	got := NewDefaultLogger()
	// compare got vs expected
	require.Equal(t, got, expected)
}

func TestNewNullLogger(t *testing.T) {
	expected := NewLogger(LoggerConfig{
		Level: DebugLevel,
		Out:   io.Discard,
	})
	got := NewNullLogger()
	require.Equal(t, got, expected)
}

func TestLoggerLevels(t *testing.T) {
	buf := new(bytes.Buffer)
	log := NewLogger(LoggerConfig{Level: WarnLevel, Out: buf})
	// below the configured level nothing is written
	log.Debug("debug message")
	log.Infof("info %s", "message")
	require.Zero(t, buf.Len())
	// at or above the configured level the message is written
	log.Warnf("warn %d", 1)
	require.Contains(t, buf.String(), "WARN: warn 1")
	log.Error("error message")
	require.Contains(t, buf.String(), "ERROR: error message")
}

func TestWithPrefix(t *testing.T) {
	buf := new(bytes.Buffer)
	log := WithPrefix(WithPrefix(NewLogger(LoggerConfig{Level: DebugLevel, Out: buf}), "node"), "session 4")
	log.Infof("started")
	require.True(t, strings.Contains(buf.String(), "INFO: [node] [session 4] started"), buf.String())
}
