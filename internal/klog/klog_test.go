package klog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coderunner/kestrel/internal/klog"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.log")
	logger := klog.New(klog.Config{Path: path, Level: "info"})
	defer func() { _ = logger.Close() }()

	logger.Info("hello", "fp", "abc123")

	data, err := readFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello")
	require.Contains(t, string(data), "abc123")
}

func TestDiscardAcceptsLogCalls(t *testing.T) {
	logger := klog.Discard()
	logger.Info("should not panic")
}

func TestLevelFiltering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.log")
	logger := klog.New(klog.Config{Path: path, Level: "error"})
	defer func() { _ = logger.Close() }()

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Error("error message")

	data, err := readFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "debug message")
	require.NotContains(t, string(data), "info message")
	require.Contains(t, string(data), "error message")
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}
