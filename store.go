package main

import (
	"context"
	"strings"
	"sync"
)

// Session is the configured game a session code points at.
type Session struct {
	Code        string   `json:"session_code"`
	HostName    string   `json:"host_name"`
	GameType    string   `json:"game_type"`
	QuestionIDs []string `json:"question_ids"`
}

// PlayerInfo is the stored identity behind a player id.
type PlayerInfo struct {
	ID    string `json:"player_id"`
	Name  string `json:"player_name"`
	Photo string `json:"player_photo,omitempty"`
}

// Membership is returned by a successful join.
type Membership struct {
	SessionCode    string `json:"session_code"`
	HostName       string `json:"host_name"`
	GameType       string `json:"game_type"`
	TotalQuestions int    `json:"number_of_questions"`
}

// Question is the stored form, answer included. Only host-facing payloads
// may carry it onto the wire.
type Question struct {
	ID         string   `json:"question_id"`
	Text       string   `json:"question"`
	Answer     string   `json:"answer"`
	Options    []string `json:"options"`
	Difficulty string   `json:"difficulty,omitempty"`
}

// ScoreEntry is one player's tally for a session.
type ScoreEntry struct {
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name"`
	Score      int    `json:"score"`
}

// Store is the persistence collaborator. Implementations may be slow or
// fail; callers bound every call with a context deadline and treat errors
// through the fault taxonomy. No coordination logic lives behind it.
type Store interface {
	GetSession(ctx context.Context, code string) (*Session, error)
	GetPlayer(ctx context.Context, playerID string) (*PlayerInfo, error)
	JoinSession(ctx context.Context, code, playerID string) (*Membership, error)
	RecordAnswer(ctx context.Context, code, playerID, questionID, answer string) (bool, error)
	FetchQuestion(ctx context.Context, questionID string) (*Question, error)
	SessionScores(ctx context.Context, code string) ([]ScoreEntry, error)
	PersistGameState(ctx context.Context, state *GameState) error
}

// memoryStore backs local play and tests.
type memoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	players   map[string]*PlayerInfo
	members   map[string]map[string]bool // session code -> player ids
	questions map[string]*Question
	scores    map[string]map[string]int // session code -> player id -> score
	answered  map[string]bool           // code|player|question
	states    map[string]GameState
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		sessions:  make(map[string]*Session),
		players:   make(map[string]*PlayerInfo),
		members:   make(map[string]map[string]bool),
		questions: make(map[string]*Question),
		scores:    make(map[string]map[string]int),
		answered:  make(map[string]bool),
		states:    make(map[string]GameState),
	}
}

func (m *memoryStore) AddSession(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[strings.ToUpper(s.Code)] = s
}

func (m *memoryStore) AddPlayer(p *PlayerInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.players[p.ID] = p
}

func (m *memoryStore) AddQuestion(q *Question) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.questions[q.ID] = q
}

func (m *memoryStore) GetSession(_ context.Context, code string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[strings.ToUpper(code)]
	if !ok {
		return nil, validationErr("session %s not found", code)
	}
	return s, nil
}

func (m *memoryStore) GetPlayer(_ context.Context, playerID string) (*PlayerInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.players[playerID]
	if !ok {
		return nil, validationErr("player %s not found", playerID)
	}
	return p, nil
}

func (m *memoryStore) JoinSession(_ context.Context, code, playerID string) (*Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	code = strings.ToUpper(code)

	s, ok := m.sessions[code]
	if !ok {
		return nil, validationErr("session %s not found", code)
	}
	if _, ok := m.players[playerID]; !ok {
		return nil, validationErr("player %s not found", playerID)
	}

	if m.members[code] == nil {
		m.members[code] = make(map[string]bool)
	}
	if m.members[code][playerID] {
		return nil, conflictErr("player %s already joined session %s", playerID, code)
	}
	m.members[code][playerID] = true

	if m.scores[code] == nil {
		m.scores[code] = make(map[string]int)
	}
	m.scores[code][playerID] = 0

	return &Membership{
		SessionCode:    code,
		HostName:       s.HostName,
		GameType:       s.GameType,
		TotalQuestions: len(s.QuestionIDs),
	}, nil
}

func (m *memoryStore) RecordAnswer(_ context.Context, code, playerID, questionID, answer string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.questions[questionID]
	if !ok {
		return false, validationErr("question %s not found", questionID)
	}

	key := strings.ToUpper(code) + "|" + playerID + "|" + questionID
	if m.answered[key] {
		return false, conflictErr("player %s already answered question %s", playerID, questionID)
	}
	m.answered[key] = true

	correct := strings.EqualFold(strings.TrimSpace(answer), strings.TrimSpace(q.Answer))
	if correct {
		code = strings.ToUpper(code)
		if m.scores[code] == nil {
			m.scores[code] = make(map[string]int)
		}
		m.scores[code][playerID]++
	}

	return correct, nil
}

func (m *memoryStore) FetchQuestion(_ context.Context, questionID string) (*Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.questions[questionID]
	if !ok {
		return nil, validationErr("question %s not found", questionID)
	}
	return q, nil
}

func (m *memoryStore) SessionScores(_ context.Context, code string) ([]ScoreEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]ScoreEntry, 0, len(m.scores[strings.ToUpper(code)]))
	for playerID, score := range m.scores[strings.ToUpper(code)] {
		name := playerID
		if p, ok := m.players[playerID]; ok {
			name = p.Name
		}
		entries = append(entries, ScoreEntry{
			PlayerID:   playerID,
			PlayerName: name,
			Score:      score,
		})
	}

	return entries, nil
}

func (m *memoryStore) PersistGameState(_ context.Context, state *GameState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.states[state.Session] = *state

	return nil
}
