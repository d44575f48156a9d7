package bus

import "go.uber.org/zap"

// LoggingTap returns a Tap that records each event at debug level.
// It is the sanctioned interception point for event logging; handlers
// and emitters stay unaware of it.
func LoggingTap(logger *zap.Logger) Tap {
	return func(evt Event) {
		logger.Debug("bus event",
			zap.String("kind", evt.Kind),
			zap.Time("at", evt.Timestamp),
		)
	}
}
