package tunnelcert

import (
	"context"
	"log/slog"

	"github.com/caasmo/restinpieces/db"
)

// RenewalHandler runs the renewal flow as a restinpieces queue job, so the
// framework scheduler triggers it periodically with no interactive observer.
type RenewalHandler struct {
	manager *Manager
	logger  *slog.Logger
}

// NewRenewalHandler creates a new handler instance.
func NewRenewalHandler(manager *Manager, logger *slog.Logger) *RenewalHandler {
	if manager == nil || logger == nil {
		panic("NewRenewalHandler: received nil manager or logger")
	}
	return &RenewalHandler{
		manager: manager,
		logger:  logger.With("job_handler", "cert_renewal"),
	}
}

// Handle executes one renewal attempt. Renew already logs every terminal
// failure; the error is passed through so the queue records the outcome.
func (h *RenewalHandler) Handle(ctx context.Context, job db.Job) error {
	h.logger.Info("certificate renewal job started", "job_id", job.ID)
	return h.manager.Renew(ctx)
}
