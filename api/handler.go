package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/outboxkit/customers/customer"
	"github.com/outboxkit/customers/logger"
)

// Handler exposes the customer operations over HTTP. Request validation and
// status mapping live here; transactional semantics live in the service.
type Handler struct {
	service *customer.Service
	logger  logger.Logger
}

var _ logger.Loggable = (*Handler)(nil)

func NewHandler(service *customer.Service) *Handler {
	if service == nil {
		panic("service is mandatory")
	}
	return &Handler{
		service: service,
		logger:  &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (h *Handler) SetLogger(l logger.Logger) {
	h.logger = l
}

func (h *Handler) Routes(r chi.Router) {
	r.Route("/customers", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/{id}", h.get)
		r.Put("/{id}", h.update)
		r.Delete("/{id}", h.delete)
	})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}
	c, err := h.service.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}
	c, err := h.service.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request) (customer.Request, bool) {
	var req customer.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return customer.Request{}, false
	}
	if err := validate(req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return customer.Request{}, false
	}
	return req, true
}

func validate(req customer.Request) error {
	if strings.TrimSpace(req.Email) == "" || !strings.Contains(req.Email, "@") {
		return errors.New("a valid email is required")
	}
	if strings.TrimSpace(req.FirstName) == "" {
		return errors.New("firstName is required")
	}
	if strings.TrimSpace(req.LastName) == "" {
		return errors.New("lastName is required")
	}
	return nil
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, customer.ErrNotFound) {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "customer not found"})
		return
	}
	h.logger.Error("handling customer request", err)
	h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encoding the response", err)
	}
}
