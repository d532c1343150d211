package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"eibdvis/internal/knx"
	"eibdvis/internal/store"
)

type statusResponse struct {
	Title     string `json:"title"`
	EIBDURL   string `json:"eibd_url"`
	Connected bool   `json:"connected"`
	Version   string `json:"version"`
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{
		Title:     s.cfg.Title,
		EIBDURL:   s.cfg.EIBD.URL,
		Connected: s.gw.Connected(),
		Version:   s.version,
	})
}

func (s *Server) handleAPIListRooms(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gw.Rooms())
}

func (s *Server) handleAPIGetRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := s.gw.Room(r.PathValue("id"))
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "room not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, room)
}

func (s *Server) handleAPIListValues(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gw.Values())
}

// groupAddressFromPath parses the {main}/{middle}/{sub} path values.
func groupAddressFromPath(r *http.Request) (knx.GroupAddress, error) {
	var parts [3]int
	for i, name := range []string{"main", "middle", "sub"} {
		n, err := strconv.Atoi(r.PathValue(name))
		if err != nil {
			return 0, err
		}
		parts[i] = n
	}
	return knx.GroupAddressFromParts(parts[0], parts[1], parts[2])
}

func (s *Server) handleAPIGetGroup(w http.ResponseWriter, r *http.Request) {
	ga, err := groupAddressFromPath(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid group address"})
		return
	}
	v, ok := s.gw.Value(ga)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no value for " + ga.String()})
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleAPIForgetGroup(w http.ResponseWriter, r *http.Request) {
	ga, err := groupAddressFromPath(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid group address"})
		return
	}
	if err := s.gw.Forget(ga); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no value for " + ga.String()})
			return
		}
		s.logger.Error("forget value", "address", ga, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type writeGroupRequest struct {
	Value any    `json:"value"`
	Type  string `json:"type"`
}

func (s *Server) handleAPIWriteGroup(w http.ResponseWriter, r *http.Request) {
	ga, err := groupAddressFromPath(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid group address"})
		return
	}

	var req writeGroupRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Value == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "value is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), sendTimeout)
	defer cancel()
	gv, err := s.gw.Write(ctx, ga, req.Type, req.Value)
	if err != nil {
		status := writeErrorStatus(err)
		if status == http.StatusBadGateway {
			s.logger.Error("write group", "address", ga, "err", err)
		}
		s.writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, gv)
}

func (s *Server) handleAPIReadGroup(w http.ResponseWriter, r *http.Request) {
	ga, err := groupAddressFromPath(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid group address"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), sendTimeout)
	defer cancel()
	if err := s.gw.Read(ctx, ga); err != nil {
		s.logger.Error("read group", "address", ga, "err", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "read sent"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
