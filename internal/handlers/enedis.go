package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"metering-gateway/internal/auth"
	"metering-gateway/internal/common/errors"
	"metering-gateway/internal/common/logging"
	"metering-gateway/internal/proxy"
	"metering-gateway/internal/ratelimit"
	"metering-gateway/internal/storage"
)

// LicenseInactiveMessage is returned to instances whose account may not use the gateway.
const LicenseInactiveMessage = "Account license should be active"

// FinalizeRequest is the body of POST /enedis/finalize.
type FinalizeRequest struct {
	Code          string   `json:"code" validate:"required"`
	UsagePointsID []string `json:"usage_points_id,omitempty" validate:"omitempty,dive,required"`
}

// MeteringQuery holds the query parameters every metering endpoint requires.
type MeteringQuery struct {
	UsagePointID string `query:"usage_point_id" validate:"required"`
	Start        string `query:"start" validate:"required"`
	End          string `query:"end" validate:"required"`
}

func identity(r *http.Request) *auth.Identity {
	id, _ := auth.IdentityFromContext(r.Context())
	return id
}

// Finalize completes the OAuth2 flow of the dashboard caller's account.
func (h *Handlers) Finalize(w http.ResponseWriter, r *http.Request) {
	var req FinalizeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			h.writeError(w, r, errors.ValidationError("request body must be a JSON object"))
			return
		}
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		h.writeError(w, r, err)
		return
	}

	accountID := identity(r).AccountID
	if _, err := h.broker.Finalize(r.Context(), accountID, req.Code, req.UsagePointsID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Unlink forgets the dashboard caller's provider link.
func (h *Handlers) Unlink(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.Unlink(r.Context(), identity(r).AccountID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// MeteringAPI forwards an instance's metering request upstream and mirrors
// the answer.
func (h *Handlers) MeteringAPI(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	params := MeteringQuery{
		UsagePointID: query.Get("usage_point_id"),
		Start:        query.Get("start"),
		End:          query.Get("end"),
	}
	if err := h.validator.ValidateStruct(params); err != nil {
		h.writeError(w, r, err)
		return
	}

	path := "/" + mux.Vars(r)["path"]
	if !proxy.IsAllowedPath(path) {
		h.writeError(w, r, errors.NotFoundError("metering endpoint"))
		return
	}

	account, err := h.activeAccount(r.Context(), identity(r).InstanceID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status, err := h.limiter.Consume(r.Context(), account.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	setQuotaHeaders(w, status)

	resp, err := h.gateway.Forward(r.Context(), proxy.Request{
		AccountID: account.ID,
		Method:    http.MethodGet,
		Path:      path,
		RawQuery:  r.URL.RawQuery,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// activeAccount resolves the instance's account and checks its license.
// Lookups are cached for the license cache TTL.
func (h *Handlers) activeAccount(ctx context.Context, instanceID string) (*storage.Account, error) {
	if h.licenses != nil {
		if cached, ok := h.licenses.Get(instanceID); ok {
			return checkLicense(cached.(*storage.Account))
		}
	}

	account, err := h.accounts.GetAccountByInstance(ctx, instanceID)
	if err != nil {
		if errors.IsType(err, errors.ErrTypeNotFound) {
			return nil, errors.ForbiddenError(LicenseInactiveMessage).WithContext("instance_id", instanceID)
		}
		return nil, err
	}

	if h.licenses != nil {
		h.licenses.Set(instanceID, account, 0)
	}
	return checkLicense(account)
}

func checkLicense(account *storage.Account) (*storage.Account, error) {
	if !account.IsActive() {
		return nil, errors.ForbiddenError(LicenseInactiveMessage).WithAccount(account.ID)
	}
	return account, nil
}

func setQuotaHeaders(w http.ResponseWriter, status *ratelimit.Status) {
	if status == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(status.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(status.Remaining))
	if !status.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(status.ResetAt.Unix(), 10))
	}
}

// QueueCounts reports the number of sync jobs per state.
func (h *Handlers) QueueCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.queue.Counts(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// Health pings every registered dependency.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.health))
	healthy := true
	for name, check := range h.health {
		if err := check(r.Context()); err != nil {
			healthy = false
			checks[name] = err.Error()
			h.logger.Warn("Health check failed",
				logging.Field{Key: "dependency", Value: name},
				logging.Field{Key: "error", Value: err.Error()},
			)
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{"status": status, "checks": checks})
}
