package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/atelier-ai/atelier/pkg/types"
)

// SaveMessage persists a message for a session and returns its id.
func (s *Store) SaveMessage(ctx context.Context, sessionID, role string, content types.MessageContent, tokens *types.TokenUsage) (string, error) {
	msg := &types.Message{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Tokens:    tokens,
		Created:   time.Now().UnixMilli(),
		Completed: time.Now().UnixMilli(),
	}
	if err := s.Put(ctx, []string{"message", sessionID, msg.ID}, msg); err != nil {
		return "", fmt.Errorf("save message: %w", err)
	}
	return msg.ID, nil
}

// GetMessage loads one stored message.
func (s *Store) GetMessage(ctx context.Context, sessionID, messageID string) (*types.Message, error) {
	var msg types.Message
	if err := s.Get(ctx, []string{"message", sessionID, messageID}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// UpdateMessageContent replaces the content of a stored message.
func (s *Store) UpdateMessageContent(ctx context.Context, sessionID, messageID string, content types.MessageContent) error {
	var msg types.Message
	if err := s.Get(ctx, []string{"message", sessionID, messageID}, &msg); err != nil {
		return err
	}
	msg.Content = content
	return s.Put(ctx, []string{"message", sessionID, messageID}, &msg)
}

// Messages returns all messages for a session ordered by creation time.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	var msgs []*types.Message
	err := s.Scan(ctx, []string{"message", sessionID}, func(key string, data json.RawMessage) error {
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		msgs = append(msgs, &msg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Created < msgs[j].Created })
	return msgs, nil
}

// CreateJob persists a new job record.
func (s *Store) CreateJob(ctx context.Context, job *types.MediaJob) error {
	return s.Put(ctx, []string{"job", job.ID, "job"}, job)
}

// GetJob loads a job record.
func (s *Store) GetJob(ctx context.Context, jobID string) (*types.MediaJob, error) {
	var job types.MediaJob
	if err := s.Get(ctx, []string{"job", jobID, "job"}, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// PutJob overwrites a job record.
func (s *Store) PutJob(ctx context.Context, job *types.MediaJob) error {
	return s.Put(ctx, []string{"job", job.ID, "job"}, job)
}

// PutJobItem overwrites one job item.
func (s *Store) PutJobItem(ctx context.Context, item *types.MediaJobItem) error {
	return s.Put(ctx, []string{"job", item.JobID, "item", item.ID}, item)
}

// GetJobItem loads one job item.
func (s *Store) GetJobItem(ctx context.Context, jobID, itemID string) (*types.MediaJobItem, error) {
	var item types.MediaJobItem
	if err := s.Get(ctx, []string{"job", jobID, "item", itemID}, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ListJobItems returns a job's items ordered by ordinal index.
func (s *Store) ListJobItems(ctx context.Context, jobID string) ([]*types.MediaJobItem, error) {
	var items []*types.MediaJobItem
	err := s.Scan(ctx, []string{"job", jobID, "item"}, func(key string, data json.RawMessage) error {
		var item types.MediaJobItem
		if err := json.Unmarshal(data, &item); err != nil {
			return err
		}
		items = append(items, &item)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Index < items[j].Index })
	return items, nil
}

// RecordJobProgress appends one progress event to a job's history.
func (s *Store) RecordJobProgress(ctx context.Context, progress types.JobProgress) error {
	key := fmt.Sprintf("%013d-%s", progress.Timestamp, ulid.Make().String())
	return s.Put(ctx, []string{"job", progress.JobID, "progress", key}, progress)
}

// ListJobProgress returns a job's recorded progress events in emission order.
func (s *Store) ListJobProgress(ctx context.Context, jobID string) ([]types.JobProgress, error) {
	keys, err := s.List(ctx, []string{"job", jobID, "progress"})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	var events []types.JobProgress
	for _, key := range keys {
		var p types.JobProgress
		if err := s.Get(ctx, []string{"job", jobID, "progress", key}, &p); err != nil {
			continue
		}
		events = append(events, p)
	}
	return events, nil
}
