package bus

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdawe/crewline/internal/pubsub"
	"github.com/tdawe/crewline/internal/run"
	"github.com/tdawe/crewline/internal/store"
)

func newTestBus(t *testing.T) (*Bus, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, pubsub.NewBroker()), st
}

func createExecution(t *testing.T, st *store.Store, id string) {
	t.Helper()
	require.NoError(t, st.CreateExecution(context.Background(), &run.Execution{
		ID:        id,
		CrewID:    "seo-audit",
		Status:    run.StatusRunning,
		CreatedAt: time.Now().UTC(),
	}))
}

func TestAppend_PersistsThenPublishes(t *testing.T) {
	b, st := newTestBus(t)
	ctx := context.Background()
	createExecution(t, st, "exec-1")

	execSub := b.Broker().Subscribe(pubsub.ExecutionTopic("exec-1"), 4)
	defer execSub.Close()
	crewSub := b.Broker().Subscribe(pubsub.CrewTopic("seo-audit"), 4)
	defer crewSub.Close()

	rec, err := b.Append(ctx, "exec-1", "seo-audit", run.Stage{
		Type:  run.StageMessage,
		Title: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Seq)

	for _, sub := range []*pubsub.Subscription{execSub, crewSub} {
		select {
		case msg := <-sub.C():
			require.NotNil(t, msg.Stage)
			assert.Equal(t, rec.Seq, msg.Stage.Seq)
			assert.Equal(t, pubsub.KindStage, msg.Kind)
		case <-time.After(time.Second):
			t.Fatal("expected a published stage message")
		}
	}

	// The stage is durable regardless of who was listening.
	stages, err := st.ReadStages(ctx, "exec-1", 1)
	require.NoError(t, err)
	require.Len(t, stages, 1)
}

func TestAppend_NoSubscribersIsFine(t *testing.T) {
	b, st := newTestBus(t)
	createExecution(t, st, "exec-1")

	_, err := b.Append(context.Background(), "exec-1", "seo-audit", run.Stage{
		Type:  run.StageStatus,
		Title: "nobody watching",
	})
	require.NoError(t, err)
}

func TestReplay_ClampsFromSequence(t *testing.T) {
	b, st := newTestBus(t)
	ctx := context.Background()
	createExecution(t, st, "exec-1")

	for i := 0; i < 3; i++ {
		_, err := b.Append(ctx, "exec-1", "seo-audit", run.Stage{Type: run.StageStatus, Title: "s"})
		require.NoError(t, err)
	}

	for _, fromSeq := range []int64{-5, 0, 1} {
		stages, err := b.Replay(ctx, "exec-1", fromSeq)
		require.NoError(t, err)
		assert.Len(t, stages, 3, "fromSeq=%d", fromSeq)
		assert.Equal(t, int64(1), stages[0].Seq)
	}

	tail, err := b.Replay(ctx, "exec-1", 3)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(3), tail[0].Seq)
}

func TestAnnounce(t *testing.T) {
	b, _ := newTestBus(t)

	sub := b.Broker().Subscribe(pubsub.ExecutionTopic("exec-1"), 1)
	defer sub.Close()

	b.Announce("exec-1", pubsub.KindResolution)

	select {
	case msg := <-sub.C():
		assert.Equal(t, pubsub.KindResolution, msg.Kind)
		assert.Nil(t, msg.Stage)
	case <-time.After(time.Second):
		t.Fatal("expected an announcement")
	}
}
