package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type joinQueueRequest struct {
	PlayerID    string `json:"player_id"`
	SessionCode string `json:"session_code"`
	WebsocketID string `json:"websocket_id,omitempty"`
}

// serveQueueJoin enqueues a join attempt on behalf of a client and returns
// the tracking id.
func serveQueueJoin(cfg *Config, queue *JoinQueue) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		var req joinQueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"success": false,
				"message": "invalid request body",
			})
			return
		}

		if req.PlayerID == "" || len(req.SessionCode) < 4 || len(req.SessionCode) > 10 {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"success": false,
				"message": "player_id and a 4-10 character session_code are required",
			})
			return
		}

		queueID := queue.Enqueue(req.PlayerID, req.SessionCode, req.WebsocketID)

		writeJSON(w, http.StatusAccepted, map[string]any{
			"success":  true,
			"message":  "Added to join queue",
			"queue_id": queueID,
		})

		logf(cfg, "SERVE: Queue join for %s to %s in %s",
			req.PlayerID,
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

// serveQueueStatus reports one entry's lifecycle snapshot.
func serveQueueStatus(queue *JoinQueue) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		entry, ok := queue.Status(ps.ByName("id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"success": false,
				"message": "queue entry not found",
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "ok",
			"entry":   entry,
		})
	}
}

func serveQueueStats(queue *JoinQueue) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "ok",
			"stats":   queue.Stats(),
		})
	}
}

func serveSessionStats(reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := strings.ToUpper(ps.ByName("code"))
		writeJSON(w, http.StatusOK, map[string]any{
			"session_code": code,
			"stats":        reg.SessionStats(code),
		})
	}
}

type broadcastRequest struct {
	Type         string   `json:"type"`
	Data         any      `json:"data,omitempty"`
	OnlyRoles    []string `json:"only_roles,omitempty"`
	ExcludeRoles []string `json:"exclude_roles,omitempty"`
	Critical     bool     `json:"critical,omitempty"`
}

// serveForceBroadcast pushes an arbitrary message into a session, for
// debugging and ops.
func serveForceBroadcast(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := strings.ToUpper(ps.ByName("code"))

		var req broadcastRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"success": false,
				"message": "a message type is required",
			})
			return
		}

		reg.Broadcast(code, newEnvelope(req.Type, req.Data), broadcastOpts{
			onlyRoles:    req.OnlyRoles,
			excludeRoles: req.ExcludeRoles,
			critical:     req.Critical,
		})

		logf(cfg, "SERVE: Forced %s broadcast to session %s from %s", req.Type, code, realIP(r))

		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "Broadcast sent successfully",
		})
	}
}

func registerAdminRoutes(cfg *Config, mux *httprouter.Router, reg *Registry, queue *JoinQueue) {
	mux.POST(cfg.prefix+"/api/queue/join", serveQueueJoin(cfg, queue))
	mux.GET(cfg.prefix+"/api/queue/status/:id", serveQueueStatus(queue))
	mux.GET(cfg.prefix+"/api/queue/stats", serveQueueStats(queue))
	mux.GET(cfg.prefix+"/api/sessions/:code/stats", serveSessionStats(reg))
	mux.POST(cfg.prefix+"/api/sessions/:code/broadcast", serveForceBroadcast(cfg, reg))
}
