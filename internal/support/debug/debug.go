// Package debug holds small, switchable diagnostics for the archival agent:
// a compact one-line view of an archived message for console inspection,
// and a thin wrapper over structured logging that stays silent when DEBUG
// is off. It does not affect business logic and can be disabled in
// production via the DEBUG switch.
package debug

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"tgarchivist/internal/domain/archive"
	"tgarchivist/internal/infra/logger"
	"tgarchivist/internal/infra/pr"

	"go.uber.org/zap"
)

// DEBUG is the global switch for this package's console output. When false,
// PrintMessage is a no-op; Debug/Info/Warn/Error still gate on it too.
var DEBUG = true

const textMaxLen = 80

// PrintMessage prints a compact representation of an archived message:
// [prefix] <chat title> > <sender>: <truncated text>. Text is cut on a rune
// boundary so multi-byte UTF-8 is never split mid-character.
func PrintMessage(prefix string, chatTitle string, m archive.Message) {
	if !DEBUG {
		return
	}
	text := m.Text
	if utf8.RuneCountInString(text) > textMaxLen {
		runes := []rune(text)
		text = string(runes[:textMaxLen]) + "..."
	}
	text = strings.ReplaceAll(text, "\n", " ")

	sender := "<unknown>"
	if m.SenderID != nil {
		sender = strconv.FormatInt(*m.SenderID, 10)
	}

	pr.Printf("[%s] %s > %s: %s\n", prefix, chatTitle, sender, text)
}

// Debug writes a Debug-level structured entry when DEBUG is on.
func Debug(msg string, fields ...zap.Field) {
	if DEBUG {
		logger.Logger().Debug(msg, fields...)
	}
}

// Info writes an Info-level structured entry when DEBUG is on.
func Info(msg string, fields ...zap.Field) {
	if DEBUG {
		logger.Logger().Info(msg, fields...)
	}
}

// Warn writes a Warn-level structured entry when DEBUG is on.
func Warn(msg string, fields ...zap.Field) {
	if DEBUG {
		logger.Logger().Warn(msg, fields...)
	}
}

// Error writes an Error-level structured entry when DEBUG is on. It never
// panics or aborts execution.
func Error(msg string, fields ...zap.Field) {
	if DEBUG {
		logger.Logger().Error(msg, fields...)
	}
}
