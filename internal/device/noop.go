package device

import (
	"context"

	"go.uber.org/zap"
)

// NoopActuator logs commands instead of driving hardware.
// Use in development or when no device bus is configured.
type NoopActuator struct {
	logger *zap.Logger
}

// NewNoopActuator creates a NoopActuator backed by the given logger.
func NewNoopActuator(logger *zap.Logger) *NoopActuator {
	return &NoopActuator{logger: logger}
}

// Apply logs the command and returns nil.
func (n *NoopActuator) Apply(_ context.Context, room, device string, value uint8) error {
	n.logger.Info("actuate (noop, no hardware)",
		zap.String("room", room),
		zap.String("device", device),
		zap.Uint8("value", value),
	)
	return nil
}
