package api

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"ephemeral.share/config"
	"ephemeral.share/internal/logging"
	"ephemeral.share/internal/secrets"
)

// SecretService is what the handlers need from the secret lifecycle.
type SecretService interface {
	Create(ctx context.Context, message []byte, ttl time.Duration, origin string) (string, error)
	Peek(ctx context.Context, id string) (secrets.Metadata, error)
	Consume(ctx context.Context, id, accessor string) ([]byte, error)
	ListByOrigin(ctx context.Context, origin string) ([]secrets.Metadata, error)
	Revoke(ctx context.Context, id, origin string) error
	Stats(ctx context.Context) (secrets.Stats, error)
}

var validate = validator.New()

type Handler struct {
	secrets SecretService
	config  *config.Config
}

func NewHandler(s SecretService, cfg *config.Config) *Handler {
	return &Handler{
		secrets: s,
		config:  cfg,
	}
}

type CreateRequest struct {
	Message    string   `json:"message" validate:"required"`
	TTLMinutes *float64 `json:"ttlMinutes" validate:"omitempty,gt=0"`
}

type CreateResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type PeekResponse struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type ConsumeResponse struct {
	Message string `json:"message"`
}

type SecretSummary struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Consumed  bool      `json:"consumed"`
}

type ListResponse struct {
	Secrets []SecretSummary `json:"secrets"`
}

type StatsResponse struct {
	Active int `json:"active"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateSecret(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.config.Server.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var req CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := validate.Struct(req); err != nil {
		h.error(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	ttl := h.config.Secrets.DefaultTTL
	if req.TTLMinutes != nil {
		// Compare before converting; huge values overflow time.Duration.
		if *req.TTLMinutes > h.config.Secrets.MaxTTL.Minutes() {
			h.error(w, http.StatusBadRequest, "ttlMinutes exceeds the maximum of "+h.config.Secrets.MaxTTL.String())
			return
		}
		ttl = time.Duration(*req.TTLMinutes * float64(time.Minute))
	}
	if ttl <= 0 {
		h.error(w, http.StatusBadRequest, "ttlMinutes must be greater than 0")
		return
	}

	id, err := h.secrets.Create(r.Context(), []byte(req.Message), ttl, originTag(r))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	h.json(w, http.StatusCreated, CreateResponse{
		ID:  id,
		URL: h.config.Server.BaseURL + "/secret/" + id,
	})
}

func (h *Handler) PeekSecret(w http.ResponseWriter, r *http.Request) {
	md, err := h.secrets.Peek(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	h.json(w, http.StatusOK, PeekResponse{
		ID:        md.ID,
		ExpiresAt: md.ExpiresAt,
	})
}

func (h *Handler) ConsumeSecret(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	message, err := h.secrets.Consume(r.Context(), id, originTag(r))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	logging.Ctx(r.Context()).Info().Str("secret_id", id).Msg("secret consumed")
	w.Header().Set("Cache-Control", "no-store")
	h.json(w, http.StatusOK, ConsumeResponse{Message: string(message)})
}

func (h *Handler) ListMine(w http.ResponseWriter, r *http.Request) {
	list, err := h.secrets.ListByOrigin(r.Context(), originTag(r))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	resp := ListResponse{Secrets: make([]SecretSummary, 0, len(list))}
	for _, md := range list {
		resp.Secrets = append(resp.Secrets, SecretSummary{
			ID:        md.ID,
			CreatedAt: md.CreatedAt,
			ExpiresAt: md.ExpiresAt,
			Consumed:  md.Consumed,
		})
	}
	h.json(w, http.StatusOK, resp)
}

func (h *Handler) RevokeSecret(w http.ResponseWriter, r *http.Request) {
	if err := h.secrets.Revoke(r.Context(), chi.URLParam(r, "id"), originTag(r)); err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.json(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.secrets.Stats(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	h.json(w, http.StatusOK, StatsResponse{Active: stats.Active})
}

func (h *Handler) json(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, data)
}

func (h *Handler) error(w http.ResponseWriter, status int, message string) {
	writeError(w, status, message)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, secrets.ErrInvalidInput):
		h.error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, secrets.ErrNotFound):
		h.error(w, http.StatusNotFound, "secret not found or has been destroyed")
	case errors.Is(err, secrets.ErrExpired):
		h.error(w, http.StatusGone, "secret has expired and been destroyed")
	case errors.Is(err, secrets.ErrAlreadyConsumed):
		h.error(w, http.StatusGone, "secret has already been read and destroyed")
	case errors.Is(err, secrets.ErrOutcomeUnknown):
		logging.Ctx(r.Context()).Error().Err(err).Msg("consume outcome unknown")
		h.error(w, http.StatusInternalServerError, "outcome unknown: the secret may already have been destroyed; do not retry")
	case errors.Is(err, secrets.ErrStoreUnavailable):
		logging.Ctx(r.Context()).Warn().Err(err).Msg("secret store unavailable")
		w.Header().Set("Retry-After", "1")
		h.error(w, http.StatusServiceUnavailable, "secret store unavailable, try again")
	default:
		logging.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		h.error(w, http.StatusInternalServerError, "internal error")
	}
}

// originTag is the opaque provenance marker handed to the core. It relies on
// middleware.RealIP having already applied proxy headers to RemoteAddr.
func originTag(r *http.Request) string {
	addr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if addr == "" {
		return "unknown"
	}
	return addr
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	switch fe := verrs[0]; fe.Field() {
	case "Message":
		return "message is required"
	case "TTLMinutes":
		return "ttlMinutes must be greater than 0"
	default:
		return fe.Field() + " is invalid"
	}
}
