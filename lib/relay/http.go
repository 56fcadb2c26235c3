package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/chromebridge/relay/lib/extproto"
	"github.com/chromebridge/relay/lib/logger"
	"github.com/chromebridge/relay/lib/screenshot"
)

// Routes returns the relay's full surface: liveness, status, DevTools
// discovery, tab helpers, screenshots, and the two WebSocket upgrade
// paths. Mount it on the loopback listener.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", s.handleRoot)
	r.Head("/", s.handleRoot)
	r.Get("/status", s.handleStatus)
	r.Get("/extension/status", s.handleExtensionStatus)
	r.Get("/json/version", s.handleJSONVersion)
	r.Get("/json/version/", s.handleJSONVersion)
	r.Get("/json", s.handleJSONList)
	r.Get("/json/", s.handleJSONList)
	r.Get("/json/list", s.handleJSONList)
	r.Get("/json/list/", s.handleJSONList)
	r.Get("/json/activate/{targetId}", s.handleJSONActivate)
	r.Get("/json/close/{targetId}", s.handleJSONClose)
	r.Post("/open-url", s.handleOpenURL)
	r.Get("/screenshots/{filename}", s.handleScreenshot)
	r.HandleFunc("/extension", s.handleExtensionWS)
	r.HandleFunc("/cdp", s.handleCdpWS)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	connected := s.ExtensionConnected()
	writeJSON(w, http.StatusOK, map[string]any{
		"connected":          connected,
		"extensionConnected": connected,
		"targets":            s.registry.list(),
		"activeTargetId":     s.registry.activeTargetID(),
	})
}

func (s *Server) handleExtensionStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"connected": s.ExtensionConnected()})
}

func (s *Server) handleJSONVersion(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"Browser":          "ChromeBridge/Relay",
		"Protocol-Version": "1.3",
		"User-Agent":       "ChromeBridge-Relay",
	}
	if s.ExtensionConnected() {
		payload["webSocketDebuggerUrl"] = s.wsDebuggerURL()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleJSONList(w http.ResponseWriter, _ *http.Request) {
	entries := lo.Map(s.registry.list(), func(t *ConnectedTarget, _ int) map[string]string {
		return map[string]string{
			"id":                   t.TargetID,
			"type":                 t.TargetInfo.Type,
			"title":                t.TargetInfo.Title,
			"url":                  t.TargetInfo.URL,
			"webSocketDebuggerUrl": s.wsDebuggerURL(),
		}
	})
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleJSONActivate(w http.ResponseWriter, req *http.Request) {
	s.fireTargetCommand(w, req, "Target.activateTarget")
}

func (s *Server) handleJSONClose(w http.ResponseWriter, req *http.Request) {
	s.fireTargetCommand(w, req, "Target.closeTarget")
}

// fireTargetCommand sends a tab-level command to the agent without
// waiting for the outcome, matching the Chromium endpoints these mimic,
// which answer before the tab actually closes or focuses.
func (s *Server) fireTargetCommand(w http.ResponseWriter, req *http.Request, method string) {
	targetID := chi.URLParam(req, "targetId")
	if targetID == "" {
		writeError(w, http.StatusBadRequest, errTargetIDRequired.Error())
		return
	}
	link := s.currentExtension()
	if link == nil {
		writeError(w, http.StatusServiceUnavailable, errNoExtension.Error())
		return
	}

	log := logger.FromContext(req.Context())
	go func() {
		id := s.extMsgID.Add(1)
		msg := extproto.NewForwardCommand(id, method, "", rawJSON(map[string]string{"targetId": targetID}))
		if _, err := s.callExtension(context.Background(), link, msg, s.forwardTimeout); err != nil {
			log.Warn("target command failed", "method", method, "target_id", targetID, "err", err)
		}
	}()
	w.Write([]byte("OK"))
}

func (s *Server) handleOpenURL(w http.ResponseWriter, req *http.Request) {
	log := logger.FromContext(req.Context())

	var body struct {
		URL      string `json:"url"`
		Activate *bool  `json:"activate"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.URL == "" {
		writeError(w, http.StatusBadRequest, errURLRequired.Error())
		return
	}
	u, err := url.Parse(body.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		writeError(w, http.StatusBadRequest, errSchemeNotAllowed.Error())
		return
	}
	activate := lo.FromPtrOr(body.Activate, true)

	link := s.currentExtension()
	if link == nil {
		writeError(w, http.StatusServiceUnavailable, errNoExtension.Error())
		return
	}

	log.Info("opening url via extension", "url", body.URL, "activate", activate)
	id := s.extMsgID.Add(1)
	result, err := s.callExtension(req.Context(), link, extproto.NewOpenAndAttach(id, body.URL, activate), s.openURLTimeout)
	if err != nil {
		log.Warn("open-url failed", "url", body.URL, "err", err)
		switch {
		case errors.Is(err, errUpstreamTimeout):
			writeError(w, http.StatusGatewayTimeout, err.Error())
		case errors.Is(err, errExtensionGone), errors.Is(err, errNoExtension):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	if len(result) == 0 {
		result = emptyResult
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(result)
}

func (s *Server) handleScreenshot(w http.ResponseWriter, req *http.Request) {
	name := chi.URLParam(req, "filename")
	path, err := s.shots.Resolve(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "screenshot not found")
			return
		}
		logger.FromContext(req.Context()).Error("failed to read screenshot", "path", path, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to read screenshot")
		return
	}
	w.Header().Set("Content-Type", screenshot.ContentType(name))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}
