package admin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dimspell/relayhost/internal/app/logger/logging"
	"github.com/dimspell/relayhost/internal/relay"
	"github.com/go-chi/chi/v5"
)

// maxMessageLength bounds system messages sent through the API.
const maxMessageLength = 512

type HealthResponse struct {
	Status  string `json:"status"`
	Rooms   int    `json:"rooms"`
	Players int    `json:"players"`
	Version string `json:"version"`
}

type MessageRequest struct {
	Message string `json:"message"`
}

type DeliveryResponse struct {
	Delivered int      `json:"delivered"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

func newDeliveryResponse(report relay.DeliveryReport) DeliveryResponse {
	resp := DeliveryResponse{Delivered: report.Delivered()}
	for _, d := range report.Failed() {
		resp.Failed++
		resp.Errors = append(resp.Errors, fmt.Sprintf("%s (%s): %v", d.Recipient, d.Channel, d.Err))
	}
	return resp
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, r, http.StatusOK, HealthResponse{
		Status:  "OK",
		Rooms:   s.registry.RoomCount(),
		Players: s.registry.MemberCount(),
		Version: s.config.Version,
	})
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms := s.registry.Rooms()
	infos := make([]relay.RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		infos = append(infos, room.Info())
	}
	renderJSON(w, r, http.StatusOK, infos)
}

func (s *Server) describeRooms(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(strings.TrimPrefix(s.registry.Describe(), "\n")))
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*relay.Room, bool) {
	id := chi.URLParam(r, "id")
	room, ok := s.registry.Lookup(id)
	if !ok {
		renderError(w, r, http.StatusNotFound, fmt.Errorf("%w: %q", relay.ErrRoomNotFound, id))
		return nil, false
	}
	return room, true
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := s.lookup(w, r)
	if !ok {
		return
	}
	renderJSON(w, r, http.StatusOK, room.Info())
}

func (s *Server) broadcast(w http.ResponseWriter, r *http.Request) {
	msg, err := decodeMessage(w, r)
	if err != nil {
		renderError(w, r, http.StatusBadRequest, err)
		return
	}
	report := s.registry.BroadcastAll(r.Context(), msg)
	s.logger.Info("Broadcast system message", "rooms", s.registry.RoomCount(), "delivered", report.Delivered())
	renderJSON(w, r, http.StatusOK, newDeliveryResponse(report))
}

func (s *Server) messageRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := s.lookup(w, r)
	if !ok {
		return
	}
	msg, err := decodeMessage(w, r)
	if err != nil {
		renderError(w, r, http.StatusBadRequest, err)
		return
	}
	report := room.BroadcastSystemMessage(r.Context(), msg)
	renderJSON(w, r, http.StatusOK, newDeliveryResponse(report))
}

func (s *Server) closeRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := s.lookup(w, r)
	if !ok {
		return
	}
	room.Close()
	s.logger.Info("Room closed by admin", logging.RoomID(room.PublicID()))
	w.WriteHeader(http.StatusNoContent)
}

func decodeMessage(w http.ResponseWriter, r *http.Request) (string, error) {
	var req MessageRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	if err := dec.Decode(&req); err != nil {
		return "", fmt.Errorf("invalid request body: %w", err)
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return "", errors.New("message must not be empty")
	}
	if len(msg) > maxMessageLength {
		return "", fmt.Errorf("message longer than %d bytes", maxMessageLength)
	}
	return msg, nil
}

func renderJSON(w http.ResponseWriter, r *http.Request, status int, document any) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(document); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes()) //nolint:errcheck
}

func renderError(w http.ResponseWriter, r *http.Request, status int, err error) {
	renderJSON(w, r, status, map[string]string{
		"status": "ERROR",
		"error":  err.Error(),
	})
}
