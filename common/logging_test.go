package common

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected logrus.Level
	}{
		{name: "debug", level: "debug", expected: logrus.DebugLevel},
		{name: "info", level: "info", expected: logrus.InfoLevel},
		{name: "warn", level: "warn", expected: logrus.WarnLevel},
		{name: "error", level: "error", expected: logrus.ErrorLevel},
		{name: "unknown falls back to info", level: "chatty", expected: logrus.InfoLevel},
		{name: "empty falls back to info", level: "", expected: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.level, "text")
			assert.Equal(t, tt.expected, logger.GetLevel())
		})
	}
}

func TestComponentAddsField(t *testing.T) {
	logger := NewLogger("info", "json")
	entry := Component(logger, "transport")
	assert.Equal(t, "transport", entry.Data["component"])
}

func TestComponentNilLogger(t *testing.T) {
	entry := Component(nil, "cache")
	assert.NotNil(t, entry)
	assert.Equal(t, "cache", entry.Data["component"])
}
