package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdawe/crewline/internal/run"
)

func TestCreateInputRequest_AtMostOneUnresolved(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	newTestExecution(t, s, "exec-1")

	_, err := s.CreateInputRequest(ctx, "exec-1", "approve the plan?", nil)
	require.NoError(t, err)

	_, err = s.CreateInputRequest(ctx, "exec-1", "second question", nil)
	require.Error(t, err)
	assert.True(t, run.IsInvalidState(err), "second unresolved request must be rejected")
}

func TestCreateInputRequest_AllowedAfterResolution(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	newTestExecution(t, s, "exec-1")

	_, err := s.CreateInputRequest(ctx, "exec-1", "first", nil)
	require.NoError(t, err)

	answer := "yes"
	won, err := s.ResolveInputRequest(ctx, "exec-1", &answer, run.OutcomeAnswered)
	require.NoError(t, err)
	require.True(t, won)

	_, err = s.CreateInputRequest(ctx, "exec-1", "second", nil)
	require.NoError(t, err, "a resolved request does not block a new one")
}

func TestResolveInputRequest_SingleWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	newTestExecution(t, s, "exec-1")

	_, err := s.CreateInputRequest(ctx, "exec-1", "pick one", nil)
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	wins := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			answer := fmt.Sprintf("answer-%d", i)
			won, err := s.ResolveInputRequest(ctx, "exec-1", &answer, run.OutcomeAnswered)
			if err == nil && won {
				wins <- answer
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1, "exactly one concurrent resolve must win")

	req, err := s.LatestInputRequest(ctx, "exec-1")
	require.NoError(t, err)
	require.NotNil(t, req.Answer)
	assert.Equal(t, winners[0], *req.Answer, "stored answer equals the winning call's payload")
	assert.Equal(t, run.OutcomeAnswered, req.Outcome)
	assert.NotNil(t, req.ResolvedAt)
}

func TestResolveInputRequest_NoUnresolvedRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	newTestExecution(t, s, "exec-1")

	answer := "too late"
	won, err := s.ResolveInputRequest(ctx, "exec-1", &answer, run.OutcomeAnswered)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestExpireInputRequests(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	newTestExecution(t, s, "exec-1")
	newTestExecution(t, s, "exec-2")
	newTestExecution(t, s, "exec-3")

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	_, err := s.CreateInputRequest(ctx, "exec-1", "expired", &past)
	require.NoError(t, err)
	_, err = s.CreateInputRequest(ctx, "exec-2", "still open", &future)
	require.NoError(t, err)
	_, err = s.CreateInputRequest(ctx, "exec-3", "no deadline", nil)
	require.NoError(t, err)

	expired, err := s.ExpireInputRequests(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, []string{"exec-1"}, expired)

	req, err := s.LatestInputRequest(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, run.OutcomeTimedOut, req.Outcome)
	assert.Nil(t, req.Answer)

	// The sweep is idempotent.
	expired, err = s.ExpireInputRequests(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestExpireInputRequests_AnswerBeatsDeadline(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	newTestExecution(t, s, "exec-1")

	past := time.Now().UTC().Add(-time.Minute)
	_, err := s.CreateInputRequest(ctx, "exec-1", "late but answered", &past)
	require.NoError(t, err)

	answer := "made it"
	won, err := s.ResolveInputRequest(ctx, "exec-1", &answer, run.OutcomeAnswered)
	require.NoError(t, err)
	require.True(t, won)

	expired, err := s.ExpireInputRequests(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, expired, "a resolved request is never expired")

	req, err := s.LatestInputRequest(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, run.OutcomeAnswered, req.Outcome)
}

func TestUnresolvedInputRequest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	newTestExecution(t, s, "exec-1")

	_, err := s.UnresolvedInputRequest(ctx, "exec-1")
	require.Error(t, err)
	assert.True(t, run.IsNotFound(err))

	created, err := s.CreateInputRequest(ctx, "exec-1", "open question", nil)
	require.NoError(t, err)

	got, err := s.UnresolvedInputRequest(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "open question", got.Prompt)
	assert.False(t, got.Resolved())
}
