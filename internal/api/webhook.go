package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/reviewloop/internal/event"
)

const (
	headerEvent     = "X-GitHub-Event"
	headerDelivery  = "X-GitHub-Delivery"
	headerSignature = "X-Hub-Signature-256"
)

// handleWebhook is the intake path: verify, normalize, admit, dispatch.
// Verification failures are 401 with no detail about what mismatched.
// Duplicates are 200 so the provider stops redelivering.
func (s *Server) handleWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable body"})
	}

	if err := event.VerifySignature(body, c.Request().Header.Get(headerSignature), s.webhookSecret); err != nil {
		s.logger.Warn().Str("delivery", c.Request().Header.Get(headerDelivery)).Msg("webhook signature rejected")
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "signature verification failed"})
	}

	ev, err := event.Normalize(
		c.Request().Header.Get(headerEvent),
		c.Request().Header.Get(headerDelivery),
		body,
		time.Now().UTC(),
	)
	if err != nil {
		var verr *event.VerificationError
		if errors.As(err, &verr) && verr.Kind == event.Malformed {
			s.logger.Warn().Err(err).Msg("malformed webhook payload")
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "normalization failed"})
	}

	admitted, err := s.events.Admit(c.Request().Context(), ev)
	if err != nil {
		s.logger.Error().Err(err).Str("delivery", ev.ProviderEventID).Msg("event admission failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "admission failed"})
	}
	if !admitted {
		return c.JSON(http.StatusOK, map[string]string{"status": "duplicate"})
	}

	if err := s.engine.HandleEvent(c.Request().Context(), ev); err != nil {
		// The delivery is admitted; a redelivery would dedup away. Surface
		// the failure to the operator rather than pretending success.
		s.logger.Error().Err(err).
			Str("delivery", ev.ProviderEventID).Str("kind", string(ev.Kind)).
			Msg("event dispatch failed after admission")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "dispatch failed"})
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}
