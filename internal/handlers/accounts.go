package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/antigravity-tools/agproxy/internal/account"
	"github.com/antigravity-tools/agproxy/internal/apperr"
	"github.com/antigravity-tools/agproxy/internal/config"
	"github.com/antigravity-tools/agproxy/internal/provider"
)

// AccountsHandler serves the account control surface the UI drives.
type AccountsHandler struct {
	pool   *account.Pool
	poller *account.Poller
	cfg    *config.Manager
	logger *slog.Logger
}

func NewAccountsHandler(pool *account.Pool, poller *account.Poller, cfg *config.Manager, logger *slog.Logger) *AccountsHandler {
	return &AccountsHandler{pool: pool, poller: poller, cfg: cfg, logger: logger}
}

type accountView struct {
	*account.Account
	Stats provider.AccountStats `json:"stats"`
}

// List returns every account with redacted credentials plus derived
// stats and the pool-wide quota mean.
func (h *AccountsHandler) List(w http.ResponseWriter, r *http.Request) {
	cfg := h.cfg.Get()

	accounts := h.pool.List()
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, accountView{
			Account: a.Redacted(),
			Stats:   provider.GroupModelsByProvider(a.Quota, cfg.ModelVisibility),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accounts":     views,
		"global_quota": provider.GlobalQuota(h.pool.Quotas(), cfg.ModelVisibility),
	})
}

type addRequest struct {
	AuthCode string `json:"auth_code"`
	Replace  bool   `json:"replace,omitempty"`
}

func (h *AccountsHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AuthCode == "" {
		writeError(w, h.logger, apperr.New(apperr.CodeInvalidRequest, http.StatusBadRequest,
			"auth_code is required"))
		return
	}

	a, err := h.pool.Add(r.Context(), req.AuthCode, req.Replace)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *AccountsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.pool.Delete(r.PathValue("id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AccountsHandler) Switch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.pool.SwitchTo(id); err != nil {
		writeError(w, h.logger, err)
		return
	}

	a, err := h.pool.Get(id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Redacted())
}

// Refresh force-polls a single account's quota.
func (h *AccountsHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.poller.PollAccount(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}

	a, err := h.pool.Get(id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Redacted())
}

// SyncLocal imports an IDE-managed account document.
func (h *AccountsHandler) SyncLocal(w http.ResponseWriter, r *http.Request) {
	var imp account.LocalImport
	if err := json.NewDecoder(r.Body).Decode(&imp); err != nil {
		writeError(w, h.logger, apperr.New(apperr.CodeInvalidRequest, http.StatusBadRequest,
			"malformed sync-local document"))
		return
	}

	a, err := h.pool.SyncLocal(imp)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
