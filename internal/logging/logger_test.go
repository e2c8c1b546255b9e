package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeLogLine_RedactsBearerTokens(t *testing.T) {
	line := `Authorization: Bearer sk-abcdefghijklmnop request sent`
	out := sanitizeLogLine(line)
	assert.NotContains(t, out, "sk-abcdefghijklmnop")
	assert.Contains(t, out, redactionPlaceholder)
}

func TestSanitizeLogLine_RedactsKeyValueSecrets(t *testing.T) {
	line := `config loaded api_key=supersecretvalue port=8080`
	out := sanitizeLogLine(line)
	assert.NotContains(t, out, "supersecretvalue")
	assert.Contains(t, out, "port=8080")
}

func TestSanitizeLogLine_PreservesPlainText(t *testing.T) {
	line := "sync run finished downloaded=3 uploaded=1 conflicts=0"
	assert.Equal(t, line, sanitizeLogLine(line))
}

func TestComponentLoggerInheritsLevel(t *testing.T) {
	logger := NewComponentLogger("Test")
	assert.Equal(t, GetLogger().level, logger.level)
	assert.Equal(t, "Test", logger.component)
}

func TestLevelToString(t *testing.T) {
	assert.Equal(t, "DEBUG", levelToString(DEBUG))
	assert.Equal(t, "INFO", levelToString(INFO))
	assert.Equal(t, "WARN", levelToString(WARN))
	assert.Equal(t, "ERROR", levelToString(ERROR))
	assert.Equal(t, "UNKNOWN", levelToString(LogLevel(42)))
}
