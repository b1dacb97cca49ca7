package main

import "time"

// Conversation is the full persisted record. The same JSON shape is written
// to the local tier and to the remote replica, so the two stores can exchange
// whole records byte for byte. Revision increments on every local write and
// is what replication tasks carry to identify the version they push.
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	ClientID  string    `json:"client_id,omitempty"`
	Revision  int64     `json:"revision,omitempty"`
}

// Message is either a user message (content, optional quoted items and file
// names) or an assistant message carrying the three council stages.
type Message struct {
	Role        string         `json:"role"`
	Content     string         `json:"content,omitempty"`
	QuotedItems []QuotedItem   `json:"quoted_items,omitempty"`
	Files       []FileRef      `json:"files,omitempty"`
	Stage1      []Stage1Result `json:"stage1,omitempty"`
	Stage2      []Stage2Result `json:"stage2,omitempty"`
	Stage3      *Stage3Result  `json:"stage3,omitempty"`
}

// QuotedItem is a fragment of an earlier answer the user quoted back.
type QuotedItem struct {
	Stage       int    `json:"stage"`
	AnswerIndex int    `json:"answerIndex"`
	Content     string `json:"content"`
}

// FileRef keeps only the name of an attached file; contents are sent to the
// models but never persisted.
type FileRef struct {
	Name string `json:"name"`
}

// FileAttachment is an uploaded file as it arrives in a request.
type FileAttachment struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// ConversationMetadata is the list-view projection of a conversation.
type ConversationMetadata struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
}

// Stage1Result holds one council model's answer, or the reason it failed.
type Stage1Result struct {
	Model    string `json:"model"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RankedItem is one entry of a judge's ranking: an anonymized label plus the
// judge's reason for placing it there.
type RankedItem struct {
	Label  string `json:"label"`
	Reason string `json:"reason"`
}

// Stage2Result holds one judge's ordered ranking of the anonymized answers,
// or the reason the judge contributed nothing (call failure or unparseable
// output).
type Stage2Result struct {
	Model   string       `json:"model"`
	Ranking []RankedItem `json:"ranking,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// Stage3Result is the chairman's synthesized answer. On failure Response
// holds a fixed user-visible placeholder and Error the underlying reason.
type Stage3Result struct {
	Model    string `json:"model,omitempty"`
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// AggregateRanking is the cross-judge score sheet for one model.
type AggregateRanking struct {
	Model         string  `json:"model"`
	TotalScore    int     `json:"total_score"`
	AverageScore  float64 `json:"average_score"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
}

// Metadata carries the per-run label map and aggregate rankings.
type Metadata struct {
	LabelToModel      map[string]string  `json:"label_to_model"`
	AggregateRankings []AggregateRanking `json:"aggregate_rankings"`
}

// CouncilResult bundles everything a synchronous pipeline run produces.
type CouncilResult struct {
	Stage1   []Stage1Result `json:"stage1"`
	Stage2   []Stage2Result `json:"stage2"`
	Stage3   Stage3Result   `json:"stage3"`
	Metadata Metadata       `json:"metadata"`
}

// CouncilEvent is one element of the streaming event sequence.
type CouncilEvent struct {
	Type     string      `json:"type"`
	Data     interface{} `json:"data,omitempty"`
	Metadata *Metadata   `json:"metadata,omitempty"`
	Message  string      `json:"message,omitempty"`
}

// Streaming event types, emitted in stage order. title_complete may appear
// anywhere after stage1_start; complete and error are terminal.
const (
	EventStage1Start    = "stage1_start"
	EventStage1Complete = "stage1_complete"
	EventStage2Start    = "stage2_start"
	EventStage2Complete = "stage2_complete"
	EventStage3Start    = "stage3_start"
	EventStage3Complete = "stage3_complete"
	EventTitleComplete  = "title_complete"
	EventComplete       = "complete"
	EventError          = "error"
)

// OpenRouterMessage is one chat message sent to the OpenRouter API.
type OpenRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenRouterRequest is the OpenRouter chat-completions request payload.
type OpenRouterRequest struct {
	Model       string              `json:"model"`
	Messages    []OpenRouterMessage `json:"messages"`
	Temperature float64             `json:"temperature,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
}

// ModelReply is the normalized result of one model call.
type ModelReply struct {
	Content   string      `json:"content"`
	Reasoning interface{} `json:"reasoning_details,omitempty"`
}

// openRouterAPIResponse mirrors the wire shape of the OpenRouter response.
type openRouterAPIResponse struct {
	Choices []struct {
		Message struct {
			Content          string      `json:"content"`
			ReasoningDetails interface{} `json:"reasoning_details,omitempty"`
		} `json:"message"`
	} `json:"choices"`
}

// SendMessageRequest is the body of the send-message endpoints. The optional
// fields override the configured defaults for this request only.
type SendMessageRequest struct {
	Content       string           `json:"content"`
	QuotedItems   []QuotedItem     `json:"quoted_items,omitempty"`
	Files         []FileAttachment `json:"files,omitempty"`
	APIKey        string           `json:"api_key,omitempty"`
	CouncilModels []string         `json:"council_models,omitempty"`
	ChairmanModel string           `json:"chairman_model,omitempty"`
}

// UpdateTitleRequest is the body of the title update endpoint.
type UpdateTitleRequest struct {
	Title string `json:"title"`
}

// RegenerateStage3Request is the body of the stage3 regeneration endpoint.
type RegenerateStage3Request struct {
	APIKey        string `json:"api_key,omitempty"`
	ChairmanModel string `json:"chairman_model,omitempty"`
}
