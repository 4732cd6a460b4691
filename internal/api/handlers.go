// Package api serves the HTTP surface: health, stats and the staff-only
// endpoints for inspecting rooms and their event logs.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice-board/internal/auth"
	"github.com/manpreetbhatti/lattice-board/internal/room"
	"github.com/manpreetbhatti/lattice-board/internal/store"
)

// Presence reports local room membership.
type Presence interface {
	ActiveRooms() map[string]int
	ConnectionCount() int
}

type API struct {
	presence Presence
	store    store.Store
	authn    auth.Authenticator
	access   auth.AccessResolver
	defaults store.RoomDefaults
	logger   *zap.Logger
}

// New builds the API. access decides who may register room attachments; nil
// admits authenticated users only.
func New(presence Presence, s store.Store, authn auth.Authenticator, access auth.AccessResolver, defaults store.RoomDefaults, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	if access == nil {
		access = auth.Policy{}
	}
	return &API{
		presence: presence,
		store:    s,
		authn:    authn,
		access:   access,
		defaults: defaults,
		logger:   logger,
	}
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warn("encode response", zap.Error(err))
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// storeError maps store failures to a response.
func (a *API) storeError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, store.ErrNotFound) {
		errorResponse(w, http.StatusNotFound, "Not found")
		return
	}
	a.logger.Error(op, zap.Error(err))
	errorResponse(w, http.StatusInternalServerError, "Failed to "+op)
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"active_rooms":       len(a.presence.ActiveRooms()),
		"active_connections": a.presence.ConnectionCount(),
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	}

	if a.store != nil {
		s, err := a.store.Stats(r.Context())
		if err == nil {
			stats["total_rooms"] = s.Rooms
			stats["total_records"] = s.LogRecords
			stats["total_pseudonyms"] = s.Pseudonyms
		} else {
			a.logger.Warn("store stats", zap.Error(err))
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	Name            string    `json:"name"`
	TrackingEnabled bool      `json:"tracking_enabled"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	ActiveUsers     int       `json:"active_users"`
	ElementCount    int       `json:"element_count,omitempty"`
}

type CreateRoomRequest struct {
	Name            string `json:"name,omitempty"`
	TrackingEnabled *bool  `json:"tracking_enabled,omitempty"`
}

func (a *API) roomResponse(r *store.Room, active map[string]int) RoomResponse {
	return RoomResponse{
		Name:            r.Name,
		TrackingEnabled: r.TrackingEnabled,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ActiveUsers:     active[r.Name],
		ElementCount:    len(r.Elements),
	}
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	rooms, err := a.store.ListRooms(r.Context(), limit, offset)
	if err != nil {
		a.storeError(w, err, "list rooms")
		return
	}

	active := a.presence.ActiveRooms()
	response := make([]RoomResponse, len(rooms))
	for i, rm := range rooms {
		response[i] = a.roomResponse(rm, active)
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

// CreateRoomHandler creates a room, generating a name when none is given.
func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name == "" {
		name, err := room.NewRoomName(room.DefaultNameLength)
		if err != nil {
			a.logger.Error("generate room name", zap.Error(err))
			errorResponse(w, http.StatusInternalServerError, "Failed to create room")
			return
		}
		req.Name = name
	}
	if !room.ValidName(req.Name) {
		errorResponse(w, http.StatusBadRequest, "Invalid room name")
		return
	}

	defaults := a.defaults
	if req.TrackingEnabled != nil {
		defaults.TrackingEnabled = *req.TrackingEnabled
	}
	rm, created, err := a.store.GetOrCreateRoom(r.Context(), req.Name, defaults)
	if err != nil {
		a.storeError(w, err, "create room")
		return
	}
	if !created {
		errorResponse(w, http.StatusConflict, "Room already exists")
		return
	}

	if id, ok := auth.IdentityFrom(r.Context()); ok {
		a.logger.Info("room created", zap.String("room", rm.Name), zap.String("by", id.ID.String()))
	}
	a.jsonResponse(w, http.StatusCreated, a.roomResponse(rm, nil))
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	rm, err := a.store.GetRoom(r.Context(), chi.URLParam(r, "room"))
	if err != nil {
		a.storeError(w, err, "get room")
		return
	}
	a.jsonResponse(w, http.StatusOK, a.roomResponse(rm, a.presence.ActiveRooms()))
}

// RoomElementsHandler returns the room's current snapshot.
func (a *API) RoomElementsHandler(w http.ResponseWriter, r *http.Request) {
	rm, err := a.store.GetRoom(r.Context(), chi.URLParam(r, "room"))
	if err != nil {
		a.storeError(w, err, "get room")
		return
	}
	elements := rm.Elements
	if elements == nil {
		elements = []store.Element{}
	}
	a.jsonResponse(w, http.StatusOK, elements)
}

type trackingRequest struct {
	Enabled *bool `json:"enabled"`
}

func (a *API) SetTrackingHandler(w http.ResponseWriter, r *http.Request) {
	var req trackingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	name := chi.URLParam(r, "room")
	if err := a.store.SetTracking(r.Context(), name, *req.Enabled); err != nil {
		a.storeError(w, err, "set tracking")
		return
	}
	a.jsonResponse(w, http.StatusOK, map[string]any{"name": name, "tracking_enabled": *req.Enabled})
}

const maxFileIDLength = 128

// RegisterFileHandler records that an attachment was uploaded to the room, so
// saves referencing it stop asking for it. The bytes are stored elsewhere;
// the uploader calls this once they are.
func (a *API) RegisterFileHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "room")
	fileID := chi.URLParam(r, "id")
	if len(fileID) > maxFileIDLength {
		errorResponse(w, http.StatusBadRequest, "Invalid file id")
		return
	}

	id := auth.AnonymousIdentity()
	if a.authn != nil {
		var err error
		if id, err = a.authn.Authenticate(r); err != nil {
			errorResponse(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
	}
	allowed, err := a.access.ResolveAccess(r.Context(), id, name, auth.Collaborate)
	if err != nil {
		a.logger.Error("resolve access", zap.String("room", name), zap.Error(err))
		errorResponse(w, http.StatusInternalServerError, "Failed to register file")
		return
	}
	if !allowed {
		errorResponse(w, http.StatusForbidden, "Room access required")
		return
	}

	if _, err := a.store.GetRoom(r.Context(), name); err != nil {
		a.storeError(w, err, "get room")
		return
	}
	if err := a.store.RegisterFile(r.Context(), name, fileID); err != nil {
		a.storeError(w, err, "register file")
		return
	}
	a.jsonResponse(w, http.StatusOK, map[string]string{"id": fileID})
}

type RecordRefResponse struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordIndexHandler lists the ids of a room's log records in replay order.
func (a *API) RecordIndexHandler(w http.ResponseWriter, r *http.Request) {
	refs, err := a.store.LogRecordsForRoom(r.Context(), chi.URLParam(r, "room"))
	if err != nil {
		a.storeError(w, err, "list records")
		return
	}
	response := make([]RecordRefResponse, len(refs))
	for i, ref := range refs {
		response[i] = RecordRefResponse{ID: ref.ID, CreatedAt: ref.CreatedAt}
	}
	a.jsonResponse(w, http.StatusOK, response)
}

type RecordResponse struct {
	ID        int64           `json:"id"`
	Room      string          `json:"room"`
	EventType string          `json:"eventtype"`
	Pseudonym string          `json:"pseudonym"`
	CreatedAt time.Time       `json:"created_at"`
	Content   json.RawMessage `json:"content"`
}

func (a *API) RecordHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid record id")
		return
	}
	record, err := a.store.GetLogRecord(r.Context(), id)
	if err != nil {
		a.storeError(w, err, "get record")
		return
	}
	a.jsonResponse(w, http.StatusOK, RecordResponse{
		ID:        record.ID,
		Room:      record.Room,
		EventType: record.EventType,
		Pseudonym: record.Pseudonym,
		CreatedAt: record.CreatedAt,
		Content:   record.Content,
	})
}
