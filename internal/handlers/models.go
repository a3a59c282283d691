package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/Davincible/claude-bridge/internal/config"
)

// ModelsHandler serves GET /v1/models from the static alias table.
type ModelsHandler struct {
	config *config.Manager
	logger *slog.Logger
}

func NewModelsHandler(cfg *config.Manager, logger *slog.Logger) *ModelsHandler {
	return &ModelsHandler{config: cfg, logger: logger}
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

func (h *ModelsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	names := h.config.Get().AliasNames()
	sort.Strings(names)

	list := modelList{Object: "list", Data: make([]modelEntry, 0, len(names))}
	created := time.Now().Unix()

	for _, name := range names {
		list.Data = append(list.Data, modelEntry{
			ID:      name,
			Object:  "model",
			Created: created,
			OwnedBy: "claude-bridge",
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(list); err != nil {
		h.logger.Error("Failed to write models response", "error", err)
	}
}
