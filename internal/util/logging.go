package util

import (
	"github.com/ironfuel/livechat/internal/logging"
)

// LogError logs "Failed to <operation>" at error level with the error, the
// component and any extra key-value fields. A nil logger is ignored.
func LogError(logger *logging.Logger, component, operation string, err error, fields ...any) {
	if logger == nil {
		return
	}
	logger.Error("Failed to "+operation, append([]any{"error", err, "component", component}, fields...)...)
}
