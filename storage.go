package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotAssistantMessage  = errors.New("message has no stage results to regenerate from")
)

// Store is the authoritative local tier: one JSON file per conversation,
// mutated by whole-record overwrite. Every successful write bumps the record
// revision and hands a snapshot to the replicator; the foreground path never
// waits on the remote tier.
type Store struct {
	dir        string
	logger     *zap.Logger
	replicator *Replicator
}

// NewStore creates a store rooted at dir. The replicator must be non-nil;
// use one backed by a disabled remote to run purely local.
func NewStore(dir string, replicator *Replicator, logger *zap.Logger) *Store {
	return &Store{dir: dir, logger: logger, replicator: replicator}
}

func (s *Store) ensureDataDir() error {
	return os.MkdirAll(s.dir, 0755)
}

func (s *Store) conversationPath(conversationID string) string {
	return filepath.Join(s.dir, conversationID+".json")
}

// Create creates and persists a new empty conversation. The caller-supplied
// owner id is stored opaquely and only ever compared for equality.
func (s *Store) Create(ownerID string) (*Conversation, error) {
	conversation := &Conversation{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Title:     "New Conversation",
		Messages:  []Message{},
		ClientID:  ownerID,
	}
	if err := s.Save(conversation); err != nil {
		return nil, err
	}
	return conversation, nil
}

// Get loads a conversation. It returns nil both when the id is unknown and
// when ownerID is set and does not match the stored owner, so a caller
// cannot distinguish someone else's conversation from a nonexistent one.
// On a local miss with the remote tier enabled, a background pull is
// scheduled and the call still returns nil; a retry shortly after may then
// observe the remote-origin record.
func (s *Store) Get(conversationID, ownerID string) (*Conversation, error) {
	conversation, err := s.load(conversationID)
	if err != nil {
		return nil, err
	}
	if conversation == nil {
		s.replicator.SchedulePull(conversationID)
		return nil, nil
	}
	if ownerID != "" && conversation.ClientID != "" && conversation.ClientID != ownerID {
		return nil, nil
	}
	return conversation, nil
}

// load reads the local record without ownership filtering.
func (s *Store) load(conversationID string) (*Conversation, error) {
	path := s.conversationPath(conversationID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation file: %w", err)
	}

	var conversation Conversation
	if err := json.Unmarshal(data, &conversation); err != nil {
		return nil, fmt.Errorf("failed to parse conversation JSON: %w", err)
	}
	return &conversation, nil
}

// Save persists the whole record, bumping its revision, and schedules the
// written bytes for replication. Concurrent saves of the same id are
// last-writer-wins by contract.
func (s *Store) Save(conversation *Conversation) error {
	if err := s.ensureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	conversation.Revision++

	data, err := json.MarshalIndent(conversation, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	if err := os.WriteFile(s.conversationPath(conversation.ID), data, 0644); err != nil {
		return fmt.Errorf("failed to write conversation file: %w", err)
	}

	s.replicator.SchedulePush(conversation.ID, conversation.Revision, data)
	return nil
}

// List returns metadata for every conversation visible to ownerID, newest
// first. Unreadable or invalid files are skipped.
func (s *Store) List(ownerID string) ([]ConversationMetadata, error) {
	if err := s.ensureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	conversations := make([]ConversationMetadata, 0)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		var conv Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			continue
		}
		if ownerID != "" && conv.ClientID != "" && conv.ClientID != ownerID {
			continue
		}
		conversations = append(conversations, ConversationMetadata{
			ID:           conv.ID,
			CreatedAt:    conv.CreatedAt,
			Title:        conv.Title,
			MessageCount: len(conv.Messages),
		})
	}

	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].CreatedAt.After(conversations[j].CreatedAt)
	})
	return conversations, nil
}

// AddUserMessage appends a user message. Attached files are persisted by
// name only; their contents go to the models, not to disk.
func (s *Store) AddUserMessage(conversationID, content string, quotedItems []QuotedItem, files []FileAttachment) error {
	conversation, err := s.load(conversationID)
	if err != nil {
		return err
	}
	if conversation == nil {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	message := Message{Role: "user", Content: content, QuotedItems: quotedItems}
	for _, f := range files {
		message.Files = append(message.Files, FileRef{Name: f.Name})
	}
	conversation.Messages = append(conversation.Messages, message)

	return s.Save(conversation)
}

// AddAssistantMessage appends the complete council result as one message.
func (s *Store) AddAssistantMessage(conversationID string, stage1 []Stage1Result, stage2 []Stage2Result, stage3 Stage3Result) error {
	conversation, err := s.load(conversationID)
	if err != nil {
		return err
	}
	if conversation == nil {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	conversation.Messages = append(conversation.Messages, Message{
		Role:   "assistant",
		Stage1: stage1,
		Stage2: stage2,
		Stage3: &stage3,
	})
	return s.Save(conversation)
}

// UpdateTitle sets the conversation title.
func (s *Store) UpdateTitle(conversationID, title string) error {
	conversation, err := s.load(conversationID)
	if err != nil {
		return err
	}
	if conversation == nil {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	conversation.Title = title
	return s.Save(conversation)
}

// Delete removes the local record and schedules removal from the remote
// tier. Reports whether a local record existed.
func (s *Store) Delete(conversationID string) (bool, error) {
	path := s.conversationPath(conversationID)
	deleted := false
	if err := os.Remove(path); err == nil {
		deleted = true
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to delete conversation file: %w", err)
	}

	s.replicator.ScheduleDelete(conversationID)
	return deleted, nil
}
