package output

import (
	"context"

	"go.uber.org/zap"

	"contextqueue/models"
)

// LogManager is an OutputManager that only logs. Used when no broker is
// configured.
type LogManager struct {
	logger *zap.Logger
}

// NewLogManager builds a log-only output manager.
func NewLogManager(logger *zap.Logger) *LogManager {
	return &LogManager{logger: logger}
}

// ProcessOutput logs the completed context and drops it.
func (m *LogManager) ProcessOutput(ctx context.Context, contextID string, c *models.Context) error {
	m.logger.Info("context output",
		zap.String("context_id", contextID),
		zap.String("service_type", c.ServiceType),
		zap.String("status", c.Status))
	return nil
}
