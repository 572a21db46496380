package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/iammorganparry/clive/apps/buildroom/internal/agents"
	"github.com/iammorganparry/clive/apps/buildroom/internal/build"
	"github.com/iammorganparry/clive/apps/buildroom/internal/envelope"
	"github.com/iammorganparry/clive/apps/buildroom/internal/models"
)

// SuggestMaxTokens caps the suggestion reply.
const SuggestMaxTokens = 2000

type SuggestHandler struct {
	completer agents.Completer
	env       *envelope.Envelope
	model     string
	logger    *slog.Logger
}

// NewSuggestHandler creates the handler. env should carry no rate limiter:
// suggestions are not tied to a build session.
func NewSuggestHandler(completer agents.Completer, env *envelope.Envelope, model string, logger *slog.Logger) *SuggestHandler {
	return &SuggestHandler{completer: completer, env: env, model: model, logger: logger}
}

// Suggest handles POST /api/suggest-config
func (h *SuggestHandler) Suggest(w http.ResponseWriter, r *http.Request) {
	var req models.SuggestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Brief) == "" {
		writeError(w, http.StatusBadRequest, "brief is required")
		return
	}
	valid, err := build.Request{Brief: req.Brief}.Validate()
	if err != nil {
		var verr *build.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Message)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.completer.Configured() {
		writeError(w, http.StatusServiceUnavailable, build.ErrProviderUnavailable.Error())
		return
	}

	creq := agents.Request{
		Model:     h.model,
		Messages:  agents.SuggestMessages(valid.Brief),
		MaxTokens: SuggestMaxTokens,
	}
	resp, ok := envelope.Do(r.Context(), h.env, "suggest", func(ctx context.Context) (models.SuggestResponse, error) {
		reply, err := h.completer.Complete(ctx, creq)
		if err != nil {
			return models.SuggestResponse{}, err
		}
		return agents.ParseSuggestion(reply.Content)
	}, envelope.Hooks{})
	if !ok {
		h.logger.Warn("suggestion unavailable, returning empty config")
		writeJSON(w, http.StatusOK, models.EmptySuggestion())
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
