package main

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestUserMessageJSONShape(t *testing.T) {
	h := NewTestHelper(t)

	msg := Message{
		Role:    "user",
		Content: "hello",
		Files:   []FileRef{{Name: "notes.txt"}},
	}
	data, err := json.Marshal(msg)
	h.AssertNoError(err, "marshal")

	// A user message carries no stage fields, and omitempty keeps the stage
	// keys out of the persisted record entirely.
	for _, absent := range []string{"stage1", "stage2", "stage3", "quoted_items"} {
		if strings.Contains(string(data), `"`+absent+`"`) {
			t.Errorf("user message JSON should omit %q: %s", absent, data)
		}
	}
	if !strings.Contains(string(data), `"notes.txt"`) {
		t.Errorf("file name missing: %s", data)
	}
}

func TestAssistantMessageJSONShape(t *testing.T) {
	h := NewTestHelper(t)

	msg := Message{
		Role:   "assistant",
		Stage1: []Stage1Result{{Model: "prov/model1", Response: "answer"}},
		Stage2: []Stage2Result{{Model: "prov/model1", Ranking: []RankedItem{{Label: "Response A", Reason: "clear"}}}},
		Stage3: &Stage3Result{Model: "prov/chairman", Response: "final"},
	}
	data, err := json.Marshal(msg)
	h.AssertNoError(err, "marshal")

	if strings.Contains(string(data), `"content"`) {
		t.Errorf("assistant message JSON should omit content: %s", data)
	}
	var back Message
	h.AssertNoError(json.Unmarshal(data, &back), "unmarshal")
	h.AssertEqual(back.Stage3.Response, "final", "stage3 survives")
	h.AssertEqual(back.Stage2[0].Ranking[0].Label, "Response A", "ranking survives")
}

func TestConversationRoundTrip(t *testing.T) {
	h := NewTestHelper(t)

	conv := Conversation{
		ID:        "c1",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Title:     "Round Trip",
		ClientID:  "client-1",
		Revision:  5,
		Messages: []Message{
			{Role: "user", Content: "question"},
			{Role: "assistant", Stage3: &Stage3Result{Response: "answer"}},
		},
	}
	data, err := json.Marshal(conv)
	h.AssertNoError(err, "marshal")

	var back Conversation
	h.AssertNoError(json.Unmarshal(data, &back), "unmarshal")
	h.AssertEqual(back.ID, conv.ID, "id")
	h.AssertEqual(back.Revision, int64(5), "revision")
	h.AssertEqual(back.ClientID, "client-1", "owner")
	h.AssertEqual(len(back.Messages), 2, "messages")
	if !back.CreatedAt.Equal(conv.CreatedAt) {
		t.Errorf("created_at = %v, want %v", back.CreatedAt, conv.CreatedAt)
	}
}

func TestUnownedConversationOmitsOwnerFields(t *testing.T) {
	h := NewTestHelper(t)

	data, err := json.Marshal(Conversation{ID: "c1", Messages: []Message{}})
	h.AssertNoError(err, "marshal")
	if strings.Contains(string(data), "client_id") {
		t.Errorf("unowned record should omit client_id: %s", data)
	}
	if !strings.Contains(string(data), `"messages":[]`) {
		t.Errorf("messages must serialize as an empty array, not null: %s", data)
	}
}

func TestFailedStageResultsKeepErrorOnly(t *testing.T) {
	h := NewTestHelper(t)

	data, err := json.Marshal(Stage1Result{Model: "prov/model1", Error: "timeout"})
	h.AssertNoError(err, "marshal")
	if strings.Contains(string(data), `"response"`) {
		t.Errorf("failed stage1 result should omit response: %s", data)
	}

	// Stage3 is the opposite: the placeholder response is always present.
	data, err = json.Marshal(Stage3Result{Response: ChairmanFailedResponse, Error: "timeout"})
	h.AssertNoError(err, "marshal")
	if !strings.Contains(string(data), `"response"`) {
		t.Errorf("stage3 must always carry a response: %s", data)
	}
}
