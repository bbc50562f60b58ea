package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ebogdum/lablock/coordination"
	"github.com/ebogdum/lablock/coordination/httpstore"
	"github.com/ebogdum/lablock/server/middleware"
)

// maxBodyBytes bounds request bodies; entries are tiny
const maxBodyBytes = 64 << 10

func keyParam(r *http.Request) (string, error) {
	key := r.URL.Query().Get("key")
	if key == "" {
		return "", badRequest("query parameter 'key' is required")
	}
	return key, nil
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON in request body: %v", err)
	}
	return nil
}

func ttlParam(ms int64) (time.Duration, error) {
	if ms <= 0 {
		return 0, badRequest("ttl_ms must be positive")
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func requestLogger(r *http.Request, logger *zap.Logger) *zap.Logger {
	fields := []zap.Field{}
	if id, ok := middleware.GetRequestID(r.Context()); ok {
		fields = append(fields, zap.String("request_id", id))
	}
	if client, ok := middleware.GetClient(r.Context()); ok {
		fields = append(fields, zap.String("client", client))
	}
	return logger.With(fields...)
}

// V1GetEntry returns the live entry for a key.
// @Summary Read entry
// @Tags entries
// @Security BearerAuth
// @Produce json
// @Param key query string true "Entry key"
// @Success 200 {object} httpstore.EntryResponse
// @Failure 404 {object} ErrorResponse "Not Found"
// @Failure 503 {object} ErrorResponse "Store Unavailable"
// @Router /v1/entries [get]
func V1GetEntry(store coordination.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := requestLogger(r, logger)

		key, err := keyParam(r)
		if err != nil {
			SendErrorResponse(w, log, err, http.StatusBadRequest)
			return
		}

		entry, err := store.Read(r.Context(), key)
		if err != nil {
			SendErrorResponse(w, log, err, http.StatusInternalServerError)
			return
		}

		SendJSONResponse(w, http.StatusOK, httpstore.NewEntryResponse(*entry))
	}
}

// V1CreateEntry writes an entry only if the key has no live entry.
// @Summary Create entry if absent
// @Tags entries
// @Security BearerAuth
// @Accept json
// @Param key query string true "Entry key"
// @Param request body httpstore.CreateRequest true "Value and lease"
// @Success 201 "Created"
// @Failure 409 {object} ErrorResponse "Already Exists"
// @Router /v1/entries [put]
func V1CreateEntry(store coordination.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := requestLogger(r, logger)

		key, err := keyParam(r)
		if err != nil {
			SendErrorResponse(w, log, err, http.StatusBadRequest)
			return
		}

		var req httpstore.CreateRequest
		if err := decodeBody(r, &req); err != nil {
			SendErrorResponse(w, log, err, http.StatusBadRequest)
			return
		}
		if req.Value == "" {
			SendErrorResponse(w, log, badRequest("value is required"), http.StatusBadRequest)
			return
		}
		ttl, err := ttlParam(req.TTLMs)
		if err != nil {
			SendErrorResponse(w, log, err, http.StatusBadRequest)
			return
		}

		if err := store.CreateIfAbsent(r.Context(), key, req.Value, ttl); err != nil {
			SendErrorResponse(w, log, err, http.StatusInternalServerError)
			return
		}

		log.Debug("Entry created",
			zap.String("key", key),
			zap.String("value", req.Value),
			zap.Duration("ttl", ttl))
		w.WriteHeader(http.StatusCreated)
	}
}

// V1RefreshEntry extends the lease of a live entry.
// @Summary Refresh entry lease
// @Tags entries
// @Security BearerAuth
// @Accept json
// @Param key query string true "Entry key"
// @Param request body httpstore.RefreshRequest true "New lease"
// @Success 204 "Refreshed"
// @Failure 404 {object} ErrorResponse "Not Found"
// @Router /v1/entries [patch]
func V1RefreshEntry(store coordination.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := requestLogger(r, logger)

		key, err := keyParam(r)
		if err != nil {
			SendErrorResponse(w, log, err, http.StatusBadRequest)
			return
		}

		var req httpstore.RefreshRequest
		if err := decodeBody(r, &req); err != nil {
			SendErrorResponse(w, log, err, http.StatusBadRequest)
			return
		}
		ttl, err := ttlParam(req.TTLMs)
		if err != nil {
			SendErrorResponse(w, log, err, http.StatusBadRequest)
			return
		}

		if err := store.Refresh(r.Context(), key, ttl); err != nil {
			SendErrorResponse(w, log, err, http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// V1DeleteEntry removes an entry. With a value parameter the entry is only
// removed while it still holds that value.
// @Summary Delete entry
// @Tags entries
// @Security BearerAuth
// @Param key query string true "Entry key"
// @Param value query string false "Expected value for compare-and-delete"
// @Success 204 "Deleted"
// @Failure 404 {object} ErrorResponse "Not Found"
// @Failure 409 {object} ErrorResponse "Value Mismatch"
// @Router /v1/entries [delete]
func V1DeleteEntry(store coordination.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := requestLogger(r, logger)

		key, err := keyParam(r)
		if err != nil {
			SendErrorResponse(w, log, err, http.StatusBadRequest)
			return
		}

		query := r.URL.Query()
		if query.Has("value") {
			err = store.CompareAndDelete(r.Context(), key, query.Get("value"))
		} else {
			err = store.Delete(r.Context(), key)
		}
		if err != nil {
			SendErrorResponse(w, log, err, http.StatusInternalServerError)
			return
		}

		log.Debug("Entry deleted", zap.String("key", key), zap.Bool("conditional", query.Has("value")))
		w.WriteHeader(http.StatusNoContent)
	}
}

// V1ListEntries returns the live entries under a prefix.
// @Summary List entries
// @Tags entries
// @Security BearerAuth
// @Produce json
// @Param prefix query string false "Key prefix"
// @Success 200 {array} httpstore.EntryResponse
// @Failure 501 {object} ErrorResponse "Backend cannot list"
// @Router /v1/entries/list [get]
func V1ListEntries(store coordination.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := requestLogger(r, logger)

		lister, ok := store.(coordination.Lister)
		if !ok {
			SendErrorResponse(w, log, coordination.ErrNotSupported, http.StatusNotImplemented)
			return
		}

		entries, err := lister.List(r.Context(), r.URL.Query().Get("prefix"))
		if err != nil {
			if errors.Is(err, coordination.ErrNotSupported) {
				SendErrorResponse(w, log, err, http.StatusNotImplemented)
				return
			}
			SendErrorResponse(w, log, err, http.StatusInternalServerError)
			return
		}

		response := make([]httpstore.EntryResponse, 0, len(entries))
		for _, e := range entries {
			response = append(response, httpstore.NewEntryResponse(e))
		}
		SendJSONResponse(w, http.StatusOK, response)
	}
}
