package main

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newGameFixture builds a configured session with a host, the given
// players, and sequentially numbered questions whose answer is always
// "Paris".
func newGameFixture(t *testing.T, gameType string, questions int, playerIDs ...string) (*Engine, *Registry, *memoryStore, *Connection, map[string]*Connection) {
	t.Helper()

	cfg := testConfig()
	store := newMemoryStore()
	reg := newRegistry(cfg)
	engine := newEngine(cfg, reg, store)

	questionIDs := make([]string, 0, questions)
	for i := 1; i <= questions; i++ {
		id := fmt.Sprintf("Q%d", i)
		questionIDs = append(questionIDs, id)
		store.AddQuestion(&Question{
			ID:      id,
			Text:    fmt.Sprintf("Question %d", i),
			Answer:  "Paris",
			Options: []string{"Paris", "London", "Berlin", "Madrid"},
		})
	}

	store.AddSession(&Session{
		Code:        "ABC123",
		HostName:    "Quizmaster",
		GameType:    gameType,
		QuestionIDs: questionIDs,
	})

	host := reg.Connect("ABC123", roleHost, nil, nil)

	players := make(map[string]*Connection, len(playerIDs))
	for _, id := range playerIDs {
		store.AddPlayer(&PlayerInfo{ID: id, Name: "Player " + id})
		_, err := store.JoinSession(context.Background(), "ABC123", id)
		require.NoError(t, err)
		players[id] = reg.Connect("ABC123", rolePlayer, &PlayerInfo{ID: id, Name: "Player " + id}, nil)
	}

	drain(host)
	for _, c := range players {
		drain(c)
	}

	return engine, reg, store, host, players
}

func TestStartRunsRevealPrepare(t *testing.T) {
	engine, _, _, host, players := newGameFixture(t, "trivia", 3, "P1")
	ctx := context.Background()

	require.NoError(t, engine.Start(ctx, "ABC123"))

	state, err := engine.State(ctx, "ABC123")
	require.NoError(t, err)
	assert.True(t, state.IsStarted)
	assert.True(t, state.IsWaiting)
	assert.Equal(t, 0, state.CurrentIndex)
	assert.Equal(t, "Q1", state.CurrentQuestionID)
	require.NotNil(t, state.StartedAt)

	hostMsgs := drain(host)
	_, ok := firstOfType(hostMsgs, msgGameStarted)
	assert.True(t, ok)

	// Phase one goes to the host only, answer included.
	preload, ok := firstOfType(hostMsgs, msgPreloadQuestion)
	require.True(t, ok)
	data := preload.Data.(map[string]any)
	assert.Equal(t, "Paris", data["answer"])
	assert.Equal(t, 0, data["correctIndex"])

	playerMsgs := drain(players["P1"])
	_, ok = firstOfType(playerMsgs, msgPreloadQuestion)
	assert.False(t, ok)
	_, ok = firstOfType(playerMsgs, msgQuestionStarted)
	assert.False(t, ok, "players see nothing until the countdown completes")
}

func TestStartTwiceIsConflict(t *testing.T) {
	engine, _, _, _, _ := newGameFixture(t, "trivia", 3, "P1")
	ctx := context.Background()

	require.NoError(t, engine.Start(ctx, "ABC123"))

	err := engine.Start(ctx, "ABC123")
	require.Error(t, err)
	assert.Equal(t, faultConflict, kindOf(err))
}

func TestStartUnknownSession(t *testing.T) {
	engine, _, _, _, _ := newGameFixture(t, "trivia", 1, "P1")

	err := engine.Start(context.Background(), "NOPE99")
	require.Error(t, err)
	assert.Equal(t, faultValidation, kindOf(err))
}

func TestCountdownCompleteRevealsToEveryone(t *testing.T) {
	engine, reg, _, host, players := newGameFixture(t, "trivia", 3, "P1")
	ctx := context.Background()

	require.NoError(t, engine.Start(ctx, "ABC123"))
	drain(host)
	drain(players["P1"])

	require.NoError(t, engine.CountdownComplete(ctx, "ABC123"))

	started, ok := firstOfType(drain(players["P1"]), msgQuestionStarted)
	require.True(t, ok)

	data := started.Data.(map[string]any)
	assert.NotContains(t, data, "answer", "players never see the answer")
	assert.Contains(t, data, "startAt")
	assert.ElementsMatch(t, []string{"Paris", "London", "Berlin", "Madrid"}, data["options"])

	_, ok = firstOfType(drain(host), msgQuestionStarted)
	assert.True(t, ok)

	// The reveal is cached for late joiners.
	cached, ok := reg.CachedQuestion("ABC123")
	require.True(t, ok)
	assert.Equal(t, msgQuestionStarted, cached.Type)

	// A second countdown signal with nothing pending is rejected.
	err := engine.CountdownComplete(ctx, "ABC123")
	require.Error(t, err)
	assert.Equal(t, faultValidation, kindOf(err))
}

func TestSubmitAnswerDuplicateIsConflict(t *testing.T) {
	engine, _, _, _, _ := newGameFixture(t, "trivia", 3, "P1", "P2")
	ctx := context.Background()

	require.NoError(t, engine.Start(ctx, "ABC123"))

	require.NoError(t, engine.SubmitAnswer(ctx, "ABC123", "P1", "Q1", "Paris"))

	err := engine.SubmitAnswer(ctx, "ABC123", "P1", "Q1", "London")
	require.Error(t, err)
	assert.Equal(t, faultConflict, kindOf(err))

	// The duplicate did not change the answered count.
	state, err := engine.State(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, 0, state.CurrentIndex, "one of two players answering must not advance")
}

func TestSubmitAnswerForStaleQuestion(t *testing.T) {
	engine, _, _, _, _ := newGameFixture(t, "trivia", 3, "P1")
	ctx := context.Background()

	require.NoError(t, engine.Start(ctx, "ABC123"))

	err := engine.SubmitAnswer(ctx, "ABC123", "P1", "Q2", "Paris")
	require.Error(t, err)
	assert.Equal(t, faultConflict, kindOf(err))
}

func TestAdvancementWhenAllPlayersAnswer(t *testing.T) {
	engine, _, _, host, players := newGameFixture(t, "trivia", 3, "P1", "P2")
	ctx := context.Background()

	require.NoError(t, engine.Start(ctx, "ABC123"))

	require.NoError(t, engine.SubmitAnswer(ctx, "ABC123", "P1", "Q1", "Paris"))

	state, err := engine.State(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, 0, state.CurrentIndex)

	require.NoError(t, engine.SubmitAnswer(ctx, "ABC123", "P2", "Q1", "London"))

	state, err = engine.State(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, 1, state.CurrentIndex)
	assert.Equal(t, "Q2", state.CurrentQuestionID)
	assert.True(t, state.IsWaiting)
	assert.True(t, state.IsActive)

	// The audience got a progress update and the host a fresh preload.
	hostMsgs := drain(host)
	_, ok := firstOfType(hostMsgs, msgGameStatusUpdate)
	assert.True(t, ok)
	_, ok = firstOfType(hostMsgs, msgPreloadQuestion)
	assert.True(t, ok)

	drain(players["P1"])
	drain(players["P2"])
}

func TestLastQuestionEndsGame(t *testing.T) {
	engine, reg, _, host, players := newGameFixture(t, "trivia", 3, "P1", "P2")
	ctx := context.Background()

	require.NoError(t, engine.Start(ctx, "ABC123"))

	for _, questionID := range []string{"Q1", "Q2"} {
		require.NoError(t, engine.SubmitAnswer(ctx, "ABC123", "P1", questionID, "Paris"))
		require.NoError(t, engine.SubmitAnswer(ctx, "ABC123", "P2", questionID, "London"))
		drain(host)
		drain(players["P1"])
		drain(players["P2"])
	}

	require.NoError(t, engine.SubmitAnswer(ctx, "ABC123", "P1", "Q3", "Paris"))
	require.NoError(t, engine.SubmitAnswer(ctx, "ABC123", "P2", "Q3", "London"))

	state, err := engine.State(ctx, "ABC123")
	require.NoError(t, err)
	assert.False(t, state.IsActive)
	assert.False(t, state.IsWaiting)
	require.NotNil(t, state.EndedAt)

	ended, ok := firstOfType(drain(host), msgGameEnded)
	require.True(t, ok)

	results := ended.Data.(map[string]any)["final_results"].([]playerResult)
	require.Len(t, results, 2)
	byPlayer := make(map[string]playerResult, len(results))
	for _, r := range results {
		byPlayer[r.PlayerID] = r
	}
	assert.Equal(t, "win", byPlayer["P1"].Result)
	assert.Equal(t, 3, byPlayer["P1"].Score)
	assert.Equal(t, "lose", byPlayer["P2"].Result)

	// The cached question is gone with the game.
	_, ok = reg.CachedQuestion("ABC123")
	assert.False(t, ok)

	drain(players["P1"])
	drain(players["P2"])
}

func TestEndTwiceIsConflict(t *testing.T) {
	engine, _, _, _, _ := newGameFixture(t, "trivia", 1, "P1")
	ctx := context.Background()

	require.NoError(t, engine.Start(ctx, "ABC123"))
	require.NoError(t, engine.End(ctx, "ABC123"))

	err := engine.End(ctx, "ABC123")
	require.Error(t, err)
	assert.Equal(t, faultConflict, kindOf(err))
}

func TestNextQuestionForcesAdvance(t *testing.T) {
	engine, _, _, _, _ := newGameFixture(t, "trivia", 2, "P1")
	ctx := context.Background()

	require.NoError(t, engine.Start(ctx, "ABC123"))

	// Nobody answered, but the host moves on anyway.
	require.NoError(t, engine.NextQuestion(ctx, "ABC123"))

	state, err := engine.State(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, 1, state.CurrentIndex)

	// Forcing past the last question ends the game.
	require.NoError(t, engine.NextQuestion(ctx, "ABC123"))

	state, err = engine.State(ctx, "ABC123")
	require.NoError(t, err)
	assert.False(t, state.IsActive)
}

func TestCheckAdvanceWithoutPlayersHolds(t *testing.T) {
	engine, _, _, _, _ := newGameFixture(t, "trivia", 3)
	ctx := context.Background()

	require.NoError(t, engine.Start(ctx, "ABC123"))
	require.NoError(t, engine.CheckAdvance(ctx, "ABC123"))

	state, err := engine.State(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, 0, state.CurrentIndex)
	assert.True(t, state.IsActive)
}

func TestFinalizeScores(t *testing.T) {
	tests := []struct {
		name     string
		scores   []ScoreEntry
		expected map[string]string
	}{
		{
			name: "two-way tie at the top is a draw",
			scores: []ScoreEntry{
				{PlayerID: "A", Score: 5},
				{PlayerID: "B", Score: 5},
				{PlayerID: "C", Score: 3},
			},
			expected: map[string]string{"A": "draw", "B": "draw", "C": "lose"},
		},
		{
			name: "single leader wins",
			scores: []ScoreEntry{
				{PlayerID: "A", Score: 5},
				{PlayerID: "B", Score: 3},
				{PlayerID: "C", Score: 3},
			},
			expected: map[string]string{"A": "win", "B": "lose", "C": "lose"},
		},
		{
			name: "everyone tied draws",
			scores: []ScoreEntry{
				{PlayerID: "A", Score: 0},
				{PlayerID: "B", Score: 0},
			},
			expected: map[string]string{"A": "draw", "B": "draw"},
		},
		{
			name: "single player wins alone",
			scores: []ScoreEntry{
				{PlayerID: "A", Score: 2},
			},
			expected: map[string]string{"A": "win"},
		},
		{
			name:     "no scores no results",
			scores:   nil,
			expected: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := finalizeScores(tt.scores)
			assert.Len(t, results, len(tt.expected))
			for _, result := range results {
				assert.Equal(t, tt.expected[result.PlayerID], result.Result, "player %s", result.PlayerID)
			}
		})
	}
}

// blockingStore stalls GetSession for one code until released, signalling
// when the lookup has begun.
type blockingStore struct {
	*memoryStore
	code    string
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) GetSession(ctx context.Context, code string) (*Session, error) {
	if code == s.code {
		close(s.entered)
		<-s.release
	}
	return s.memoryStore.GetSession(ctx, code)
}

func TestSlowSessionLoadDoesNotBlockOtherSessions(t *testing.T) {
	cfg := testConfig()
	reg := newRegistry(cfg)

	store := &blockingStore{
		memoryStore: newMemoryStore(),
		code:        "SLOW01",
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	store.AddSession(&Session{Code: "SLOW01", GameType: "trivia", QuestionIDs: []string{"Q1"}})
	store.AddSession(&Session{Code: "ABC123", GameType: "trivia", QuestionIDs: []string{"Q1"}})

	engine := newEngine(cfg, reg, store)
	ctx := context.Background()

	slowDone := make(chan struct{})
	go func() {
		_, _ = engine.State(ctx, "SLOW01")
		close(slowDone)
	}()
	<-store.entered

	// With the slow lookup in flight, other sessions stay reachable.
	fastDone := make(chan error, 1)
	go func() {
		_, err := engine.State(ctx, "ABC123")
		fastDone <- err
	}()

	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("state access stalled behind an unrelated session load")
	}

	close(store.release)
	<-slowDone

	state, err := engine.State(ctx, "SLOW01")
	require.NoError(t, err)
	assert.Equal(t, "SLOW01", state.Session)
}

func TestShuffledOptionsPreservesContents(t *testing.T) {
	options := []string{"a", "b", "c", "d"}

	shuffled := shuffledOptions(options)

	assert.ElementsMatch(t, options, shuffled)
	assert.Equal(t, []string{"a", "b", "c", "d"}, options, "input must not be mutated")
}
