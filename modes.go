package main

import (
	"context"
	"strings"
)

// GameTypeHandler is the per-mode behavior consumed by the Engine. Handlers
// are called with the session's gameSession lock held, so their own state
// needs no further synchronization.
type GameTypeHandler interface {
	HandleAnswer(ctx context.Context, gs *gameSession, playerID, questionID, answer string) error
	HandleSpecialAction(ctx context.Context, gs *gameSession, playerID, action string) error
	FormatForPlayer(q *Question) map[string]any
}

// roundStarter is implemented by modes that need to know when a question
// goes live, such as the buzzer arming itself.
type roundStarter interface {
	beginRound(gs *gameSession)
}

const actionBuzzerPress = "buzzer_press"

// newGameTypeHandler picks the mode for a declared game type, defaulting to
// trivia for anything unknown. Adding a mode means a new variant here and a
// new case below.
func newGameTypeHandler(gameType string, e *Engine, session string) GameTypeHandler {
	switch strings.ToLower(gameType) {
	case "buzzer":
		return &buzzerHandler{engine: e, session: session, frozen: make(map[string]bool)}
	default:
		return &triviaHandler{engine: e, session: session}
	}
}

// triviaHandler: everyone answers each question, correctness is checked
// against the stored answer, and the session advances once every connected
// player has answered.
type triviaHandler struct {
	engine  *Engine
	session string
}

func (t *triviaHandler) HandleAnswer(ctx context.Context, gs *gameSession, playerID, questionID, answer string) error {
	e := t.engine

	if t.answeredAlready(playerID) {
		return conflictErr("player %s already answered question %s", playerID, questionID)
	}

	correct, err := e.store.RecordAnswer(ctx, t.session, playerID, questionID, answer)
	if err != nil {
		if kindOf(err) == faultConflict {
			return err
		}
		return transientErr(err, "recording answer for player %s", playerID)
	}

	e.reg.SetAnswered(t.session, playerID, true)

	playerName := playerID
	if player, perr := e.store.GetPlayer(ctx, playerID); perr == nil {
		playerName = player.Name
	}

	e.reg.Broadcast(t.session, newEnvelope(msgPlayerAnswered, map[string]any{
		"player_id":   playerID,
		"player_name": playerName,
	}), broadcastOpts{excludeRoles: []string{rolePlayer}})

	t.confirmToPlayer(playerID, correct)

	return e.checkAdvanceLocked(ctx, gs)
}

func (t *triviaHandler) HandleSpecialAction(_ context.Context, _ *gameSession, playerID, action string) error {
	return conflictErr("action %s has no effect in a trivia session", action)
}

func (t *triviaHandler) FormatForPlayer(q *Question) map[string]any {
	return map[string]any{
		"game_type":   "trivia",
		"question_id": q.ID,
		"question":    q.Text,
		"options":     shuffledOptions(q.Options),
		"ui_mode":     "multiple_choice",
	}
}

func (t *triviaHandler) answeredAlready(playerID string) bool {
	for _, summary := range t.engine.reg.RosterSnapshot(t.session) {
		if summary.PlayerID == playerID {
			return summary.Answered
		}
	}
	return false
}

func (t *triviaHandler) confirmToPlayer(playerID string, correct bool) {
	for _, c := range t.engine.reg.playerConnections(t.session, playerID) {
		_ = t.engine.reg.SendDirect(c, newEnvelope("answer_submitted", map[string]any{
			"message":           "Answer submitted successfully!",
			"is_correct":        correct,
			"can_change_answer": false,
		}), false)
	}
}

// buzzerHandler: the first press wins a temporary exclusive right to
// answer. A wrong answer freezes that player for the round; when every
// connected player is frozen the round resets.
type buzzerHandler struct {
	engine  *Engine
	session string

	winner      string
	frozen      map[string]bool
	roundActive bool
}

func (b *buzzerHandler) beginRound(_ *gameSession) {
	b.winner = ""
	b.roundActive = true
	clear(b.frozen)
	b.pushButtonStates()
}

func (b *buzzerHandler) HandleSpecialAction(ctx context.Context, _ *gameSession, playerID, action string) error {
	if action != actionBuzzerPress {
		return validationErr("unknown action %s", action)
	}
	if !b.roundActive {
		return conflictErr("no question is open for buzzing")
	}
	if b.frozen[playerID] {
		return conflictErr("player %s is frozen this round", playerID)
	}
	if b.winner != "" {
		return conflictErr("player %s buzzed first", b.winner)
	}

	b.winner = playerID

	playerName := playerID
	if player, err := b.engine.store.GetPlayer(ctx, playerID); err == nil {
		playerName = player.Name
	}

	b.engine.reg.Broadcast(b.session, newEnvelope("buzzer_winner", map[string]any{
		"player_id":   playerID,
		"player_name": playerName,
	}), broadcastOpts{critical: true})

	b.pushButtonStates()

	return nil
}

func (b *buzzerHandler) HandleAnswer(ctx context.Context, gs *gameSession, playerID, questionID, answer string) error {
	e := b.engine

	if b.winner != playerID {
		return conflictErr("player %s does not hold the buzzer", playerID)
	}

	correct, err := e.store.RecordAnswer(ctx, b.session, playerID, questionID, answer)
	if err != nil && kindOf(err) != faultConflict {
		return transientErr(err, "recording answer for player %s", playerID)
	}

	playerName := playerID
	if player, perr := e.store.GetPlayer(ctx, playerID); perr == nil {
		playerName = player.Name
	}

	if correct {
		e.reg.Broadcast(b.session, newEnvelope(msgPlayerAnswered, map[string]any{
			"player_id":   playerID,
			"player_name": playerName,
			"answer":      answer,
			"correct":     true,
		}), broadcastOpts{})

		b.roundActive = false
		b.winner = ""
		clear(b.frozen)

		return e.advanceLocked(ctx, gs)
	}

	// Wrong answer: freeze the player and reopen the buzzer for the rest.
	b.frozen[playerID] = true
	b.winner = ""

	frozenIDs := make([]string, 0, len(b.frozen))
	for id := range b.frozen {
		frozenIDs = append(frozenIDs, id)
	}

	e.reg.Broadcast(b.session, newEnvelope(msgPlayerAnswered, map[string]any{
		"player_id":      playerID,
		"player_name":    playerName,
		"answer":         answer,
		"correct":        false,
		"frozen_players": frozenIDs,
	}), broadcastOpts{})

	if len(b.frozen) >= e.reg.PlayerCount(b.session) {
		clear(b.frozen)
	}

	b.pushButtonStates()

	return nil
}

func (b *buzzerHandler) FormatForPlayer(q *Question) map[string]any {
	return map[string]any{
		"game_type":    "buzzer",
		"question_id":  q.ID,
		"ui_mode":      "buzzer",
		"button_state": "active",
		"message":      "Get ready to buzz in!",
	}
}

// pushButtonStates tells each player what their buzzer should look like
// right now.
func (b *buzzerHandler) pushButtonStates() {
	reg := b.engine.reg

	for _, summary := range reg.RosterSnapshot(b.session) {
		state := map[string]any{
			"game_type": "buzzer",
			"ui_mode":   "buzzer",
		}

		switch {
		case b.frozen[summary.PlayerID]:
			state["button_state"] = "frozen"
			state["message"] = "You're frozen out this round!"
		case b.winner == summary.PlayerID:
			state["button_state"] = "answer_mode"
			state["ui_mode"] = "text_input"
			state["message"] = "You buzzed in! Enter your answer:"
		case b.winner != "":
			state["button_state"] = "waiting"
			state["message"] = "Someone beat you to it..."
		default:
			state["button_state"] = "active"
			state["message"] = "Press to buzz in!"
		}

		for _, c := range reg.playerConnections(b.session, summary.PlayerID) {
			_ = reg.SendDirect(c, newEnvelope("ui_update", state), false)
		}
	}
}
