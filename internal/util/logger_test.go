package util

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	var buf bytes.Buffer
	prev := logOutput
	logOutput = &buf
	t.Cleanup(func() {
		logOutput = prev
		InitLogger(false, false)
	})
	return &buf
}

func TestInitLoggerLevels(t *testing.T) {
	buf := captureLogs(t)

	InitLogger(false, false)
	GetLogger().Debug("hidden")
	GetLogger().Info("shown", "track", "video")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown track=video")
	assert.False(t, IsVerbose())

	InitLogger(true, false)
	GetLogger().Debug("now shown")
	assert.Contains(t, buf.String(), "now shown")
	assert.True(t, IsVerbose())
}

func TestInitLoggerJSON(t *testing.T) {
	buf := captureLogs(t)
	InitLogger(false, true)
	GetLogger().Warn("stall", "ms", 120)

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "stall", rec["msg"])
}

func TestLogrusLoggerFollowsVerbose(t *testing.T) {
	buf := captureLogs(t)

	InitLogger(false, false)
	l := NewLogrusLogger("rtmp")
	l.Info("chatter")
	l.Warn("handshake slow")
	assert.NotContains(t, buf.String(), "chatter")
	assert.True(t, strings.Contains(buf.String(), "component=rtmp"))

	InitLogger(true, false)
	entry, ok := NewLogrusLogger("rtmp").(*logrus.Entry)
	require.True(t, ok)
	assert.Equal(t, logrus.DebugLevel, entry.Logger.GetLevel())
}
