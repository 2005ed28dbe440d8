package email

import (
	"context"

	"go.uber.org/zap"
)

// NoopSender logs emails instead of delivering them. The body is logged at
// debug level only, since it carries recovery tokens.
type NoopSender struct {
	logger *zap.Logger
}

// NewNoopSender creates a NoopSender backed by the given logger.
func NewNoopSender(logger *zap.Logger) *NoopSender {
	return &NoopSender{logger: logger}
}

// Send logs the email and returns nil.
func (n *NoopSender) Send(_ context.Context, to, subject, body string) error {
	if err := checkHeaders(to, subject); err != nil {
		return err
	}
	n.logger.Info("email not sent (noop mailer)",
		zap.String("to", to),
		zap.String("subject", subject),
	)
	n.logger.Debug("email body", zap.String("to", to), zap.String("body", body))
	return nil
}
