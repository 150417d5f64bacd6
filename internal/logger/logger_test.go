package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("nonsense"))
}

func TestParseFormat(t *testing.T) {
	assert.Equal(t, FormatJSON, ParseFormat("JSON"))
	assert.Equal(t, FormatConsole, ParseFormat("pretty"))
}

func TestNew_RespectsLevel(t *testing.T) {
	l := New("warn", FormatJSON)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.ErrorLevel))
}

func TestFor_Named(t *testing.T) {
	assert.NotNil(t, For("journal"))
}

func TestNewTo_WritesToDestination(t *testing.T) {
	var buf bytes.Buffer
	l := NewTo("info", FormatJSON, zapcore.AddSync(&buf))
	l.Named("systemd").Info("connected")
	assert.Contains(t, buf.String(), `"component":"systemd"`)
	assert.Contains(t, buf.String(), `"msg":"connected"`)
}
