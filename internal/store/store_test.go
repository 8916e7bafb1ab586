package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/atelier/pkg/types"
)

func TestPutGetDelete(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	type doc struct {
		Name string `json:"name"`
	}

	require.NoError(t, s.Put(ctx, []string{"a", "b"}, doc{Name: "x"}))

	var got doc
	require.NoError(t, s.Get(ctx, []string{"a", "b"}, &got))
	assert.Equal(t, "x", got.Name)

	require.NoError(t, s.Delete(ctx, []string{"a", "b"}))
	assert.ErrorIs(t, s.Get(ctx, []string{"a", "b"}, &got), ErrNotFound)

	// Deleting again is fine.
	assert.NoError(t, s.Delete(ctx, []string{"a", "b"}))
}

func TestScanVisitsDocuments(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []string{"items", "1"}, map[string]int{"n": 1}))
	require.NoError(t, s.Put(ctx, []string{"items", "2"}, map[string]int{"n": 2}))

	seen := map[string]bool{}
	err := s.Scan(ctx, []string{"items"}, func(key string, data json.RawMessage) error {
		seen[key] = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"1": true, "2": true}, seen)
}

func TestScanMissingDirIsEmpty(t *testing.T) {
	s := New(t.TempDir())
	err := s.Scan(context.Background(), []string{"nope"}, func(string, json.RawMessage) error {
		t.Fatal("should not be called")
		return nil
	})
	assert.NoError(t, err)
}

func TestSaveMessageAndUpdateContent(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	content := types.FinalizeContent([]types.ContentBlock{types.TextBlock("Hello")})
	id, err := s.SaveMessage(ctx, "sess1", "assistant", content, &types.TokenUsage{Input: 10, Output: 5})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs, err := s.Messages(ctx, "sess1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello", msgs[0].Content.Text)
	assert.Equal(t, 10, msgs[0].Tokens.Input)

	updated := types.FinalizeContent([]types.ContentBlock{types.TextBlock("Edited")})
	require.NoError(t, s.UpdateMessageContent(ctx, "sess1", id, updated))

	msgs, err = s.Messages(ctx, "sess1")
	require.NoError(t, err)
	assert.Equal(t, "Edited", msgs[0].Content.Text)
}

func TestJobRecords(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	job := &types.MediaJob{
		ID:         "job1",
		Status:     types.JobPlanned,
		Config:     types.BatchConfig{Concurrency: 2, MaxRetries: 1, RetryDelayMs: 10},
		TotalItems: 2,
		Created:    time.Now().UnixMilli(),
	}
	require.NoError(t, s.CreateJob(ctx, job))

	for i := 0; i < 2; i++ {
		require.NoError(t, s.PutJobItem(ctx, &types.MediaJobItem{
			ID:     string(rune('a' + i)),
			JobID:  "job1",
			Index:  1 - i, // out of order on purpose
			Status: types.ItemPending,
		}))
	}

	items, err := s.ListJobItems(ctx, "job1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 0, items[0].Index)
	assert.Equal(t, 1, items[1].Index)

	got, err := s.GetJob(ctx, "job1")
	require.NoError(t, err)
	assert.Equal(t, types.JobPlanned, got.Status)
}

func TestJobProgressOrdering(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	base := time.Now().UnixMilli()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordJobProgress(ctx, types.JobProgress{
			Kind:      types.ProgressItemCompleted,
			JobID:     "job1",
			ItemIndex: i,
			Timestamp: base + int64(i),
		}))
	}

	events, err := s.ListJobProgress(ctx, "job1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, i, e.ItemIndex)
	}
}
