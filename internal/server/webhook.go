package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/execution"
	"planline/internal/pubsub"
)

const maxEnvelopeBytes = 1 << 20

// registerSpecStatusWebhook wires the push endpoint as a raw route: the
// envelope contract needs 400 (not 422) on malformed bodies, and the auth
// predicate must run before any body parsing feedback leaks out.
func registerSpecStatusWebhook(router chi.Router, e engine.Engine, auth AuthConfig, logger *slog.Logger) {
	router.Post("/pubsub/spec-status", func(w http.ResponseWriter, r *http.Request) {
		if !auth.authenticate(r, logger) {
			logger.Warn("webhook authentication failed",
				"auth_mode", auth.Mode, "remote_addr", r.RemoteAddr)
			respondDetail(w, http.StatusUnauthorized, "Invalid or missing authentication")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeBytes))
		if err != nil {
			respondDetail(w, http.StatusBadRequest, "Invalid message payload")
			return
		}
		env, err := pubsub.ParseEnvelope(body)
		if err != nil {
			logger.Info("malformed push envelope", "error", err.Error())
			respondDetail(w, http.StatusBadRequest, "Invalid message payload")
			return
		}
		evt, err := pubsub.DecodeStatusEvent(env)
		if err != nil {
			logger.Info("invalid status payload",
				"message_id", env.Message.MessageID, "error", err.Error())
			respondDetail(w, http.StatusBadRequest, "Invalid message payload")
			return
		}

		res, err := e.ApplyStatusEvent(r.Context(), evt)
		if err != nil {
			level := slog.LevelWarn
			if errors.Is(err, engine.ErrInternal) {
				level = slog.LevelError
			}
			logger.Log(r.Context(), level, "status update failed",
				"plan_id", evt.PlanID, "spec_index", evt.SpecIndex,
				"message_id", evt.MessageID, "error", err.Error())
			respondDetail(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		// The transition has committed; the trigger is best-effort and never
		// changes the response.
		if res.NextSpec != nil {
			fireTrigger(e, evt.PlanID, res.NextSpec.SpecIndex, *res.NextSpec)
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// fireTrigger hands a deferred trigger request to the execution notifier in
// the background.
func fireTrigger(e engine.Engine, planID string, specIndex int, spec domain.Spec) {
	execution.Fire(e.Trigger, e.Logger, planID, specIndex, spec)
}

func respondDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
