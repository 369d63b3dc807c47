// File: internal/observability/logger_test.go
package observability

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/webpilot/internal/config"
)

func initBuffer(t *testing.T, cfg config.LoggerConfig) *bytes.Buffer {
	t.Helper()
	ResetForTest()
	t.Cleanup(ResetForTest)
	var buf bytes.Buffer
	Initialize(cfg, zapcore.AddSync(&buf))
	return &buf
}

func TestInitialize_ConsoleColors(t *testing.T) {
	buf := initBuffer(t, config.LoggerConfig{
		Level:       "debug",
		Format:      "console",
		ServiceName: "webpilot",
		Colors:      config.ColorConfig{Info: "green"},
	})

	GetLogger().Named("step_machine").Info("Action executed")

	out := buf.String()
	assert.Contains(t, out, ansiColors["green"]+"INFO"+ansiReset)
	assert.Contains(t, out, "webpilot.step_machine.")
	assert.Contains(t, out, "Action executed")
}

func TestInitialize_UnknownColorLeavesLevelPlain(t *testing.T) {
	buf := initBuffer(t, config.LoggerConfig{Level: "info", Format: "console", Colors: config.ColorConfig{Warn: "plaid"}})

	GetLogger().Warn("careful")
	assert.Contains(t, buf.String(), "WARN")
	assert.NotContains(t, buf.String(), ansiReset)
}

func TestInitialize_JSON(t *testing.T) {
	buf := initBuffer(t, config.LoggerConfig{Level: "info", Format: "json", ServiceName: "json-test"})

	GetLogger().Warn("structured", zap.String("task_id", "t-1"))

	var entry map[string]interface{}
	require.NoError(t, jsoniter.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "json-test", entry["logger"])
	assert.Equal(t, "structured", entry["msg"])
	assert.Equal(t, "t-1", entry["task_id"])
}

func TestInitialize_LevelFiltering(t *testing.T) {
	buf := initBuffer(t, config.LoggerConfig{Level: "warn", Format: "json"})

	GetLogger().Info("hidden")
	GetLogger().Error("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestInitialize_InvalidLevelDefaultsToInfo(t *testing.T) {
	buf := initBuffer(t, config.LoggerConfig{Level: "loud", Format: "json"})

	GetLogger().Debug("debug line")
	GetLogger().Info("info line")

	assert.NotContains(t, buf.String(), "debug line")
	assert.Contains(t, buf.String(), "info line")
}

func TestInitialize_WritesLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webpilot.log")
	initBuffer(t, config.LoggerConfig{Level: "debug", Format: "console", LogFile: path, MaxSize: 1})

	GetLogger().Error("to the file")
	Sync()

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"msg":"to the file"`, "file output is always JSON")
}

func TestInitialize_OnlyOnce(t *testing.T) {
	buf := initBuffer(t, config.LoggerConfig{Level: "info", Format: "json", ServiceName: "first"})

	second := Initialize(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "second"}, zapcore.AddSync(&bytes.Buffer{}))
	assert.Same(t, GetLogger(), second)

	second.Info("hello")
	assert.Contains(t, buf.String(), `"logger":"first"`)
	assert.NotContains(t, buf.String(), "second")
}

func TestGetLogger_Fallback(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	logger := GetLogger()
	require.NotNil(t, logger)
	assert.Nil(t, globalLogger.Load(), "fallback must not be stored globally")
}

func TestNewWriterLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(config.LoggerConfig{Level: "info", Format: "json"}, &buf)
	logger.Info("standalone")
	assert.Contains(t, buf.String(), "standalone")
	assert.Nil(t, globalLogger.Load())
}
