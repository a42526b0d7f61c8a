package main

import (
	"encoding/json"
	"time"
)

// Connection roles. Hosts drive the big-screen display, players answer from
// their phones, observers get the host view without control messages.
const (
	roleHost     = "host"
	rolePlayer   = "player"
	roleObserver = "observer"
)

// envelope is the wire format for every message in both directions.
type envelope struct {
	Type      string  `json:"type"`
	Data      any     `json:"data,omitempty"`
	Timestamp float64 `json:"timestamp"`
	MessageID string  `json:"messageId,omitempty"`
}

func newEnvelope(msgType string, data any) envelope {
	return envelope{
		Type:      msgType,
		Data:      data,
		Timestamp: float64(time.Now().UnixMilli()) / 1000,
	}
}

// clientMessage is the inbound half; Data stays raw until the type is known.
type clientMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
}

// Inbound message types.
const (
	msgPing                   = "ping"
	msgConnectionAck          = "connection_ack"
	msgPlayerAnnounce         = "player_announce"
	msgSubmitAnswer           = "submit_answer"
	msgBuzzerPress            = "buzzer_press"
	msgStartGame              = "start_game"
	msgNextQuestion           = "next_question"
	msgCountdownComplete      = "countdown_complete"
	msgEndGame                = "end_game"
	msgGetSessionStats        = "get_session_stats"
	msgRequestCurrentQuestion = "request_current_question"
	msgGetQuestionWithOptions = "get_question_with_options"
)

// Outbound message types.
const (
	msgConnectionEstablished = "connection_established"
	msgPlayerJoined          = "player_joined"
	msgPlayerLeft            = "player_left"
	msgRosterUpdate          = "roster_update"
	msgGameStarted           = "game_started"
	msgPreloadQuestion       = "preload_question"
	msgQuestionStarted       = "question_started"
	msgPlayerAnswered        = "player_answered"
	msgGameStatusUpdate      = "game_status_update"
	msgGameEnded             = "game_ended"
	msgSessionStats          = "session_stats"
	msgPong                  = "pong"
	msgError                 = "error"
)

type answerPayload struct {
	Answer     string `json:"answer"`
	QuestionID string `json:"question_id"`
}

type questionRequestPayload struct {
	QuestionID string `json:"question_id"`
}

type errorPayload struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

func errorEnvelope(err error) envelope {
	return newEnvelope(msgError, errorPayload{
		Kind:    string(kindOf(err)),
		Message: err.Error(),
	})
}

// PlayerSummary is one roster line, ordered by connection time in snapshots.
type PlayerSummary struct {
	PlayerID    string    `json:"player_id"`
	PlayerName  string    `json:"player_name"`
	PlayerPhoto string    `json:"player_photo,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	Answered    bool      `json:"player_answered"`
	Ready       bool      `json:"ready"`
}

type sessionStatsPayload struct {
	TotalConnections int             `json:"total_connections"`
	HostClients      int             `json:"host_clients"`
	PlayerClients    int             `json:"player_clients"`
	ObserverClients  int             `json:"observer_clients"`
	Players          []PlayerSummary `json:"players"`
}
