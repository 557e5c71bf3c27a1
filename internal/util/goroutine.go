package util

import (
	"fmt"

	"github.com/ironfuel/livechat/internal/logging"
	"github.com/ironfuel/livechat/internal/metrics"
)

// SafeGo launches a goroutine with panic recovery.
// If the goroutine panics, the panic is recovered, logged, and the error metric is incremented.
func SafeGo(logger *logging.Logger, component string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic recovered in goroutine",
					"component", component,
					"panic", fmt.Sprintf("%v", r))
				metrics.MessageErrors.WithLabelValues("PANIC").Inc()
			}
		}()
		fn()
	}()
}
