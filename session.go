package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Close codes for unrecoverable setup errors. In-session errors go back as
// error envelopes and leave the socket open.
const (
	closePlayerRequired  = 4001
	closeSessionNotFound = 4004
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 16 * 1024
)

func closeSocket(sock *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = sock.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = sock.Close()
}

// serveSessionSocket upgrades /ws/session/:code connections, validates the
// handshake, and runs the per-connection read loop.
func serveSessionSocket(cfg *Config, reg *Registry, engine *Engine, store Store) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := strings.ToUpper(ps.ByName("code"))

		role := r.URL.Query().Get("role")
		if role == "" {
			role = roleHost
		}
		switch role {
		case roleHost, rolePlayer, roleObserver:
		default:
			http.Error(w, "unknown role", http.StatusBadRequest)
			return
		}

		sock, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		if _, err := store.GetSession(r.Context(), code); err != nil {
			closeSocket(sock, closeSessionNotFound, "Session not found")
			return
		}

		var player *PlayerInfo
		if role == rolePlayer {
			playerID := r.URL.Query().Get("player_id")
			if playerID == "" {
				closeSocket(sock, closePlayerRequired, "Player ID required for player clients")
				return
			}

			player, err = store.GetPlayer(r.Context(), playerID)
			if err != nil {
				closeSocket(sock, closeSessionNotFound, "Player not found")
				return
			}

			// Query parameters override the stored identity, matching what
			// the mobile client believes it registered.
			stored := *player
			if name := r.URL.Query().Get("player_name"); name != "" {
				stored.Name = name
			}
			if photo := r.URL.Query().Get("player_photo"); photo != "" {
				stored.Photo = photo
			}
			player = &stored
		}

		conn := reg.Connect(code, role, player, sock)
		go conn.writePump(cfg.heartbeatInterval)

		sendInitialState(reg, engine, conn, r)

		readPump(cfg, reg, engine, store, conn)
	}
}

// sendInitialState catches the new client up on game progress and roster.
func sendInitialState(reg *Registry, engine *Engine, conn *Connection, r *http.Request) {
	state, err := engine.State(r.Context(), conn.Session)
	if err != nil {
		return
	}

	_ = reg.SendDirect(conn, newEnvelope(msgGameStatusUpdate, map[string]any{
		"game_state":        state,
		"connection_stats":  reg.SessionStats(conn.Session),
		"connected_players": reg.RosterSnapshot(conn.Session),
	}), false)
}

// readPump consumes messages until the socket errors or closes. Handler
// failures never touch other connections: recoverable ones are reported
// back to the sender, the rest are logged and the loop continues.
func readPump(cfg *Config, reg *Registry, engine *Engine, store Store, conn *Connection) {
	defer reg.Disconnect(conn)

	conn.sock.SetReadLimit(maxFrameSize)
	_ = conn.sock.SetReadDeadline(time.Now().Add(cfg.staleThreshold))
	conn.sock.SetPongHandler(func(string) error {
		reg.HeartbeatTick(conn)
		return conn.sock.SetReadDeadline(time.Now().Add(cfg.staleThreshold))
	})

	for {
		_, raw, err := conn.sock.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.sock.SetReadDeadline(time.Now().Add(cfg.staleThreshold))

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = reg.SendDirect(conn, errorEnvelope(validationErr("invalid JSON payload")), false)
			continue
		}

		if err := dispatch(cfg, reg, engine, store, conn, msg); err != nil {
			if !recoverable(err) {
				logf(cfg, "ERROR: %s message in session %s: %v", msg.Type, conn.Session, err)
			}
			_ = reg.SendDirect(conn, errorEnvelope(err), false)
		}
	}
}

func dispatch(cfg *Config, reg *Registry, engine *Engine, store Store, conn *Connection, msg clientMessage) error {
	ctx := context.Background()

	switch msg.Type {
	case msgPing:
		reg.HeartbeatTick(conn)
		return reg.SendDirect(conn, newEnvelope(msgPong, map[string]any{
			"serverTime": time.Now().UnixMilli(),
		}), false)

	case msgConnectionAck:
		reg.SetReady(conn)
		return nil

	case msgPlayerAnnounce:
		if conn.Role != rolePlayer || conn.Player == nil {
			return validationErr("only players can announce themselves")
		}
		reg.Broadcast(conn.Session, newEnvelope(msgPlayerJoined, map[string]any{
			"player_id":    conn.Player.ID,
			"player_name":  conn.Player.Name,
			"player_photo": conn.Player.Photo,
		}), broadcastOpts{excludeRoles: []string{rolePlayer}})
		reg.broadcastRoster(conn.Session)
		return nil

	case msgSubmitAnswer:
		if conn.Role != rolePlayer || conn.Player == nil {
			return validationErr("only players can submit answers")
		}
		var payload answerPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return validationErr("invalid submit_answer payload")
		}
		return engine.SubmitAnswer(ctx, conn.Session, conn.Player.ID, payload.QuestionID, payload.Answer)

	case msgBuzzerPress:
		if conn.Role != rolePlayer || conn.Player == nil {
			return validationErr("only players can press the buzzer")
		}
		return engine.SpecialAction(ctx, conn.Session, conn.Player.ID, actionBuzzerPress)

	case msgStartGame:
		if conn.Role != roleHost {
			return validationErr("only the host can start the game")
		}
		return engine.Start(ctx, conn.Session)

	case msgNextQuestion:
		if conn.Role != roleHost {
			return validationErr("only the host can advance the game")
		}
		return engine.NextQuestion(ctx, conn.Session)

	case msgCountdownComplete:
		if conn.Role != roleHost {
			return validationErr("only the host signals countdown completion")
		}
		return engine.CountdownComplete(ctx, conn.Session)

	case msgEndGame:
		if conn.Role != roleHost {
			return validationErr("only the host can end the game")
		}
		return engine.End(ctx, conn.Session)

	case msgGetSessionStats:
		return reg.SendDirect(conn, newEnvelope(msgSessionStats, reg.SessionStats(conn.Session)), false)

	case msgRequestCurrentQuestion:
		cached, ok := reg.CachedQuestion(conn.Session)
		if !ok {
			return validationErr("no question is currently in play")
		}
		return reg.SendDirect(conn, cached, false)

	case msgGetQuestionWithOptions:
		var payload questionRequestPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.QuestionID == "" {
			return validationErr("question_id is required")
		}
		question, err := store.FetchQuestion(ctx, payload.QuestionID)
		if err != nil {
			return err
		}
		data := map[string]any{
			"question_id": question.ID,
			"question":    question.Text,
			"options":     shuffledOptions(question.Options),
		}
		// The answer only ever travels to the non-player audience.
		if conn.Role != rolePlayer {
			data["answer"] = question.Answer
			data["options"] = question.Options
		}
		return reg.SendDirect(conn, newEnvelope("question_options", data), false)

	default:
		return validationErr("unknown message type %q", msg.Type)
	}
}

// writePump drains the send buffer onto the socket and keeps the
// connection alive with periodic pings.
func (c *Connection) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.sock.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// qrHandler renders a PNG QR code for the session join URL, so phones can
// scan their way in from the host display.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	code := ps.ByName("code")
	if code == "" {
		http.Error(w, "missing session code", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:code/qr; strip trailing "/qr" to get the join URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// registerSessionRoutes wires the realtime surface:
//   - /ws/session/:code       → WebSocket for that session
//   - /session/:code/qr       → PNG QR code for the join URL
func registerSessionRoutes(cfg *Config, mux *httprouter.Router, reg *Registry, engine *Engine, store Store) {
	mux.GET(cfg.prefix+"/ws/session/:code", serveSessionSocket(cfg, reg, engine, store))
	mux.GET(cfg.prefix+"/session/:code/qr", qrHandler)
}
