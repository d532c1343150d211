package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"eibdvis/internal/gateway"
	"eibdvis/internal/knx"
)

const sendTimeout = 5 * time.Second

// handleIndex serves the frameset. Its only input is the configured title.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.renderTemplate(w, "index.html", map[string]any{
		"Title": s.cfg.Title,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.renderTemplate(w, "list.html", map[string]any{
		"Rooms":   s.cfg.Rooms,
		"Current": r.URL.Query().Get("room"),
	})
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("room")
	if id == "" {
		if len(s.cfg.Rooms) == 0 {
			s.renderTemplate(w, "room.html", map[string]any{"Room": (*gateway.RoomState)(nil)})
			return
		}
		id = s.cfg.Rooms[0].ID
	}

	room, ok := s.gw.Room(id)
	if !ok {
		s.renderTemplateStatus(w, http.StatusNotFound, "room.html", map[string]any{
			"Room":     (*gateway.RoomState)(nil),
			"NotFound": id,
		})
		return
	}
	s.renderTemplate(w, "room.html", map[string]any{"Room": &room})
}

func (s *Server) handleSendStatus(w http.ResponseWriter, r *http.Request) {
	s.renderSend(w, http.StatusOK, "", "")
}

// handleSend writes a form value to a group address and reports the outcome
// in the send frame.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := r.ParseForm(); err != nil {
		s.renderSend(w, http.StatusBadRequest, "", "invalid form")
		return
	}

	ga, err := knx.ParseGroupAddress(strings.TrimSpace(r.PostFormValue("address")))
	if err != nil {
		s.renderSend(w, http.StatusBadRequest, "", err.Error())
		return
	}
	value := strings.TrimSpace(r.PostFormValue("value"))
	if value == "" {
		s.renderSend(w, http.StatusBadRequest, "", "value is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), sendTimeout)
	defer cancel()
	gv, err := s.gw.Write(ctx, ga, strings.TrimSpace(r.PostFormValue("type")), value)
	if err != nil {
		status := writeErrorStatus(err)
		if status == http.StatusBadGateway {
			s.logger.Warn("send failed", "address", ga, "err", err)
		}
		s.renderSend(w, status, "", err.Error())
		return
	}
	s.renderSend(w, http.StatusOK, fmt.Sprintf("%s ← %s", ga, knx.Format(gv.DPT, gv.Value)), "")
}

func (s *Server) renderSend(w http.ResponseWriter, status int, result, errMsg string) {
	s.renderTemplateStatus(w, status, "send.html", map[string]any{
		"Connected": s.gw.Connected(),
		"URL":       s.cfg.EIBD.URL,
		"Result":    result,
		"Error":     errMsg,
	})
}

// writeErrorStatus maps gateway write errors: bad input is the client's
// fault, everything else is a bus failure.
func writeErrorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrInvalidValue),
		errors.Is(err, gateway.ErrNoType),
		errors.Is(err, knx.ErrUnknownDPT):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}
