package main

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// GameState is the progression snapshot for one session. It is mutated only
// by the Engine and becomes terminal once IsActive drops after an end
// transition; replays need a fresh session.
type GameState struct {
	Session           string     `json:"session_code"`
	CurrentIndex      int        `json:"current_question_index"`
	CurrentQuestionID string     `json:"current_question_id"`
	TotalQuestions    int        `json:"total_questions"`
	IsActive          bool       `json:"is_active"`
	IsWaiting         bool       `json:"is_waiting_for_players"`
	IsStarted         bool       `json:"is_started"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
}

type playerResult struct {
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name"`
	Score      int    `json:"score"`
	Result     string `json:"result"`
}

// gameSession pairs a session's state with its mode handler. Its mutex
// serializes every advancement decision for the session: answer submission,
// host commands, and end transitions all take it, so no two decisions for
// one session ever run concurrently.
type gameSession struct {
	mu sync.Mutex

	state       GameState
	questionIDs []string
	mode        GameTypeHandler
	pending     *Question // prepared question awaiting countdown_complete
}

// Engine drives sessions from lobby through questions to the end screen.
type Engine struct {
	cfg   *Config
	reg   *Registry
	store Store

	mu       sync.Mutex
	sessions map[string]*gameSession
}

func newEngine(cfg *Config, reg *Registry, store Store) *Engine {
	return &Engine{
		cfg:      cfg,
		reg:      reg,
		store:    store,
		sessions: make(map[string]*gameSession),
	}
}

// session returns the tracked state for code, loading the session's
// configuration on first touch. The store lookup runs outside e.mu so a
// slow lookup for one session never blocks state access for the rest.
func (e *Engine) session(ctx context.Context, code string) (*gameSession, error) {
	code = strings.ToUpper(code)

	e.mu.Lock()
	gs, ok := e.sessions[code]
	e.mu.Unlock()
	if ok {
		return gs, nil
	}

	stored, err := e.store.GetSession(ctx, code)
	if err != nil {
		return nil, err
	}

	gs = &gameSession{
		state: GameState{
			Session:        code,
			TotalQuestions: len(stored.QuestionIDs),
			IsActive:       true,
		},
		questionIDs: stored.QuestionIDs,
	}
	if len(stored.QuestionIDs) > 0 {
		gs.state.CurrentQuestionID = stored.QuestionIDs[0]
	}
	gs.mode = newGameTypeHandler(stored.GameType, e, code)

	// Another caller may have loaded the session while we were fetching.
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.sessions[code]; ok {
		return existing, nil
	}
	e.sessions[code] = gs

	return gs, nil
}

// State returns a copy of the session's progression snapshot.
func (e *Engine) State(ctx context.Context, code string) (GameState, error) {
	gs, err := e.session(ctx, code)
	if err != nil {
		return GameState{}, err
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.state, nil
}

// Start begins the game and runs the reveal protocol for the first
// question. Starting twice is a conflict.
func (e *Engine) Start(ctx context.Context, code string) error {
	gs, err := e.session(ctx, code)
	if err != nil {
		return err
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.state.IsStarted {
		return conflictErr("game in session %s already started", gs.state.Session)
	}
	if !gs.state.IsActive {
		return conflictErr("game in session %s has ended", gs.state.Session)
	}
	if len(gs.questionIDs) == 0 {
		return validationErr("session %s has no questions configured", gs.state.Session)
	}

	now := time.Now()
	gs.state.IsStarted = true
	gs.state.IsWaiting = true
	gs.state.StartedAt = &now
	gs.state.CurrentIndex = 0
	gs.state.CurrentQuestionID = gs.questionIDs[0]

	logf(e.cfg, "GAME: session %s started with %d questions", gs.state.Session, gs.state.TotalQuestions)

	e.reg.Broadcast(gs.state.Session, newEnvelope(msgGameStarted, map[string]any{
		"session_code":    gs.state.Session,
		"started_at":      now,
		"is_started":      true,
		"total_questions": gs.state.TotalQuestions,
	}), broadcastOpts{critical: true})

	return e.prepareLocked(ctx, gs)
}

// prepareLocked runs phase one of the reveal protocol: the host gets the
// full question, answer included, to pre-render behind its countdown.
// Callers hold gs.mu.
func (e *Engine) prepareLocked(ctx context.Context, gs *gameSession) error {
	question, err := e.store.FetchQuestion(ctx, gs.state.CurrentQuestionID)
	if err != nil {
		return transientErr(err, "fetching question %s", gs.state.CurrentQuestionID)
	}

	gs.pending = question

	correctIndex := -1
	for i, option := range question.Options {
		if strings.EqualFold(option, question.Answer) {
			correctIndex = i
			break
		}
	}

	e.reg.Broadcast(gs.state.Session, newEnvelope(msgPreloadQuestion, map[string]any{
		"question_id":     question.ID,
		"question":        question.Text,
		"options":         question.Options,
		"answer":          question.Answer,
		"correctIndex":    correctIndex,
		"difficulty":      question.Difficulty,
		"question_index":  gs.state.CurrentIndex,
		"total_questions": gs.state.TotalQuestions,
	}), broadcastOpts{onlyRoles: []string{roleHost}, critical: true})

	return nil
}

// CountdownComplete runs phase two: every client gets the player-safe
// payload with a shared startAt instant so the question appears everywhere
// at the same wall-clock moment.
func (e *Engine) CountdownComplete(ctx context.Context, code string) error {
	gs, err := e.session(ctx, code)
	if err != nil {
		return err
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.pending == nil {
		return validationErr("no question awaiting reveal in session %s", gs.state.Session)
	}

	question := gs.pending
	gs.pending = nil

	startAt := time.Now().Add(e.cfg.revealOffset)

	data := gs.mode.FormatForPlayer(question)
	data["question_index"] = gs.state.CurrentIndex
	data["total_questions"] = gs.state.TotalQuestions
	data["startAt"] = startAt.UnixMilli()

	msg := newEnvelope(msgQuestionStarted, data)

	e.reg.ResetAllAnswered(gs.state.Session)
	e.reg.CacheQuestion(gs.state.Session, msg)
	e.reg.Broadcast(gs.state.Session, msg, broadcastOpts{critical: true})

	if starter, ok := gs.mode.(roundStarter); ok {
		starter.beginRound(gs)
	}

	logf(e.cfg, "GAME: session %s revealed question %d/%d", gs.state.Session, gs.state.CurrentIndex+1, gs.state.TotalQuestions)

	return nil
}

// SubmitAnswer records a player's answer through the session's mode handler
// and re-evaluates advancement. A repeat answer for the same question is a
// conflict no-op.
func (e *Engine) SubmitAnswer(ctx context.Context, code, playerID, questionID, answer string) error {
	if playerID == "" || questionID == "" {
		return validationErr("player_id and question_id are required")
	}

	gs, err := e.session(ctx, code)
	if err != nil {
		return err
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()

	if !gs.state.IsStarted || !gs.state.IsActive {
		return validationErr("session %s has no question in play", gs.state.Session)
	}
	if questionID != gs.state.CurrentQuestionID {
		return conflictErr("question %s is no longer current", questionID)
	}

	return gs.mode.HandleAnswer(ctx, gs, playerID, questionID, answer)
}

// SpecialAction routes mode-specific inputs, currently the buzzer press.
func (e *Engine) SpecialAction(ctx context.Context, code, playerID, action string) error {
	gs, err := e.session(ctx, code)
	if err != nil {
		return err
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()

	return gs.mode.HandleSpecialAction(ctx, gs, playerID, action)
}

// CheckAdvance re-evaluates whether every connected player has answered,
// advancing or ending the game when they have.
func (e *Engine) CheckAdvance(ctx context.Context, code string) error {
	gs, err := e.session(ctx, code)
	if err != nil {
		return err
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()

	return e.checkAdvanceLocked(ctx, gs)
}

func (e *Engine) checkAdvanceLocked(ctx context.Context, gs *gameSession) error {
	session := gs.state.Session
	answered := e.reg.AnsweredCount(session)
	players := e.reg.PlayerCount(session)

	e.reg.Broadcast(session, newEnvelope(msgGameStatusUpdate, map[string]any{
		"players_total":          players,
		"players_answered":       answered,
		"waiting_for_players":    answered < players,
		"current_question_index": gs.state.CurrentIndex,
		"total_questions":        gs.state.TotalQuestions,
	}), broadcastOpts{})

	if players == 0 || answered < players {
		return nil
	}

	gs.state.IsWaiting = false

	return e.advanceLocked(ctx, gs)
}

// NextQuestion is the host forcing advancement regardless of who has
// answered.
func (e *Engine) NextQuestion(ctx context.Context, code string) error {
	gs, err := e.session(ctx, code)
	if err != nil {
		return err
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()

	if !gs.state.IsStarted || !gs.state.IsActive {
		return validationErr("session %s is not in play", gs.state.Session)
	}

	return e.advanceLocked(ctx, gs)
}

func (e *Engine) advanceLocked(ctx context.Context, gs *gameSession) error {
	if gs.state.CurrentIndex+1 >= gs.state.TotalQuestions {
		return e.endLocked(ctx, gs)
	}

	gs.state.CurrentIndex++
	gs.state.CurrentQuestionID = gs.questionIDs[gs.state.CurrentIndex]
	gs.state.IsWaiting = true
	e.reg.ResetAllAnswered(gs.state.Session)

	return e.prepareLocked(ctx, gs)
}

// End closes the session out: scores are finalized with the tie-break rule,
// results go out as a critical broadcast, and the cached question is
// cleared. Ending twice is a conflict.
func (e *Engine) End(ctx context.Context, code string) error {
	gs, err := e.session(ctx, code)
	if err != nil {
		return err
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()

	return e.endLocked(ctx, gs)
}

func (e *Engine) endLocked(ctx context.Context, gs *gameSession) error {
	if !gs.state.IsActive {
		return conflictErr("game in session %s already ended", gs.state.Session)
	}

	now := time.Now()
	gs.state.IsActive = false
	gs.state.IsWaiting = false
	gs.state.EndedAt = &now
	gs.pending = nil

	var results []playerResult
	scores, err := e.store.SessionScores(ctx, gs.state.Session)
	if err != nil {
		logf(e.cfg, "ERROR: reading final scores for session %s: %v", gs.state.Session, err)
	} else {
		results = finalizeScores(scores)
	}

	e.reg.Broadcast(gs.state.Session, newEnvelope(msgGameEnded, map[string]any{
		"session_code":  gs.state.Session,
		"ended_at":      now,
		"final_results": results,
	}), broadcastOpts{critical: true})

	e.reg.ClearCachedQuestion(gs.state.Session)

	if err := e.store.PersistGameState(ctx, &gs.state); err != nil {
		logf(e.cfg, "ERROR: persisting final state for session %s: %v", gs.state.Session, err)
	}

	logf(e.cfg, "GAME: session %s ended", gs.state.Session)

	return nil
}

// finalizeScores applies the tie-break rule: every player at the maximum
// score wins, unless more than one is there, in which case they all draw.
// Everyone below the maximum loses.
func finalizeScores(scores []ScoreEntry) []playerResult {
	if len(scores) == 0 {
		return nil
	}

	maxScore := scores[0].Score
	for _, entry := range scores[1:] {
		if entry.Score > maxScore {
			maxScore = entry.Score
		}
	}

	top := 0
	for _, entry := range scores {
		if entry.Score == maxScore {
			top++
		}
	}

	results := make([]playerResult, 0, len(scores))
	for _, entry := range scores {
		result := "lose"
		switch {
		case entry.Score == maxScore && top > 1:
			result = "draw"
		case entry.Score == maxScore:
			result = "win"
		}
		results = append(results, playerResult{
			PlayerID:   entry.PlayerID,
			PlayerName: entry.PlayerName,
			Score:      entry.Score,
			Result:     result,
		})
	}

	return results
}

// shuffledOptions returns a copy of options in random order, so players
// cannot infer the stored answer position.
func shuffledOptions(options []string) []string {
	shuffled := make([]string, len(options))
	copy(shuffled, options)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled
}
