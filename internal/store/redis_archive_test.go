package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/YourDaypilot/orchestration/internal/workflow"
)

func TestRedisArchive(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client, err := OpenRedis(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer client.Close()

	archive := NewRedisArchive(client, time.Hour, zaptest.NewLogger(t))
	ctx := context.Background()
	ended := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	inst := workflow.Instance{
		ID:      "wf-1",
		UserID:  "user-1",
		Status:  workflow.StatusCompleted,
		EndedAt: &ended,
		Steps: []workflow.StepRecord{
			{Node: "perception", Role: "perception", Status: workflow.StepCompleted, Duration: 40 * time.Millisecond},
		},
		Result: map[string]interface{}{"risk_level": "low"},
	}

	t.Run("Save and Load round trip", func(t *testing.T) {
		require.NoError(t, archive.Save(ctx, inst))
		assert.Equal(t, time.Hour, mr.TTL("daypilot:workflow:wf-1"))

		got, err := archive.Load(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusCompleted, got.Status)
		assert.Equal(t, "low", got.Result["risk_level"])
		require.Len(t, got.Steps, 1)
		assert.Equal(t, 40*time.Millisecond, got.Steps[0].Duration)
		assert.True(t, ended.Equal(*got.EndedAt))
	})

	t.Run("Load of unknown id is ErrNotFound", func(t *testing.T) {
		_, err := archive.Load(ctx, "missing")
		assert.ErrorIs(t, err, workflow.ErrNotFound)
	})

	t.Run("running instances are not archived", func(t *testing.T) {
		err := archive.Save(ctx, workflow.Instance{ID: "wf-2", Status: workflow.StatusRunning})
		assert.Error(t, err)
		assert.False(t, mr.Exists("daypilot:workflow:wf-2"))
	})

	t.Run("backend failure surfaces", func(t *testing.T) {
		require.NoError(t, archive.Ping(ctx))
		mr.Close()
		_, err := archive.Load(ctx, "wf-1")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, workflow.ErrNotFound)
	})
}

func TestOpenRedisRejectsBadURL(t *testing.T) {
	_, err := OpenRedis(context.Background(), "not a url")
	assert.Error(t, err)

	_, err = OpenRedis(context.Background(), "redis://127.0.0.1:1/0")
	assert.Error(t, err)
}
