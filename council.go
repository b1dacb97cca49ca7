package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Fixed user-visible payloads for total pipeline failure. These exact strings
// are part of the persisted record contract, so frontends can key off them.
const (
	AllFailedResponse      = "Sorry, all models failed to generate responses."
	AllFailedError         = "no successful responses from stage 1"
	ChairmanFailedResponse = "Sorry, the chairman model failed to synthesize a final response."
)

// RunOptions carries per-request overrides for a pipeline run. Zero values
// fall back to the configured defaults.
type RunOptions struct {
	APIKey         string
	CouncilModels  []string
	ChairmanModel  string
	HistoryContext string
	Files          []FileAttachment
	GenerateTitle  bool
}

// Council orchestrates the three-stage pipeline: gather answers from every
// council model, have the models rank each other's anonymized answers, then
// have the chairman synthesize a final answer. It owns the single post-run
// persistence write.
type Council struct {
	client *OpenRouterClient
	store  *Store
	cfg    *Config
	logger *zap.Logger
}

// NewCouncil wires the pipeline to its gateway, store and defaults.
func NewCouncil(client *OpenRouterClient, store *Store, cfg *Config, logger *zap.Logger) *Council {
	return &Council{client: client, store: store, cfg: cfg, logger: logger}
}

func (c *Council) resolve(opts RunOptions) RunOptions {
	if len(opts.CouncilModels) == 0 {
		opts.CouncilModels = c.cfg.CouncilModels
	}
	if opts.ChairmanModel == "" {
		opts.ChairmanModel = c.cfg.ChairmanModel
	}
	return opts
}

// buildQueryMessages assembles the message list for a stage1 call: system
// prompt, optional history context, optional attached file contents, then
// the user query.
func buildQueryMessages(userQuery string, opts RunOptions) []OpenRouterMessage {
	messages := []OpenRouterMessage{
		{Role: "system", Content: "You are a helpful AI assistant. Please provide a clear and concise response to the user's query."},
	}
	if opts.HistoryContext != "" {
		messages = append(messages, OpenRouterMessage{Role: "system", Content: opts.HistoryContext})
	}
	if len(opts.Files) > 0 {
		var b strings.Builder
		b.WriteString("Relevant files:\n")
		for i, f := range opts.Files {
			fmt.Fprintf(&b, "File %d (%s):\n%s\n\n", i+1, f.Name, f.Content)
		}
		messages = append(messages, OpenRouterMessage{Role: "system", Content: b.String()})
	}
	return append(messages, OpenRouterMessage{Role: "user", Content: userQuery})
}

// Stage1CollectResponses queries every council model in parallel. The result
// slice is aligned with the model list; each entry carries the model's answer
// or the reason it failed.
func (c *Council) Stage1CollectResponses(ctx context.Context, userQuery string, opts RunOptions) []Stage1Result {
	messages := buildQueryMessages(userQuery, opts)

	calls := make([]modelCall, len(opts.CouncilModels))
	for i, model := range opts.CouncilModels {
		calls[i] = modelCall{Model: model, Messages: messages, APIKey: opts.APIKey, Timeout: c.cfg.ModelQueryTimeout}
	}

	results := make([]Stage1Result, len(calls))
	for i, outcome := range c.client.QueryAll(ctx, calls) {
		if outcome.Err != nil {
			results[i] = Stage1Result{Model: outcome.Model, Error: outcome.Err.Error()}
			continue
		}
		results[i] = Stage1Result{Model: outcome.Model, Response: outcome.Reply.Content}
	}
	return results
}

// AssignLabels maps the successful stage1 results to single-letter labels
// "A", "B", ... in their order within the model list. Failed models get no
// label, so judges can never reference them. Returns the ordered labels and
// the label-to-model map kept server-side.
func AssignLabels(stage1 []Stage1Result) ([]string, map[string]string) {
	labelToModel := make(map[string]string)
	var labels []string
	for _, result := range stage1 {
		if result.Error != "" {
			continue
		}
		label := string(rune('A' + len(labels)))
		labels = append(labels, label)
		labelToModel[label] = result.Model
	}
	return labels, labelToModel
}

// rankingPrompt asks a judge to order the anonymized answers, returning a
// strict JSON array so the output survives machine parsing.
func rankingPrompt(userQuery string, stage1 []Stage1Result, labelToModel map[string]string, labels []string) string {
	modelToLabel := make(map[string]string, len(labelToModel))
	for label, model := range labelToModel {
		modelToLabel[model] = label
	}

	var responsesText strings.Builder
	for _, result := range stage1 {
		if label, ok := modelToLabel[result.Model]; ok {
			fmt.Fprintf(&responsesText, "%s: %s\n\n", label, result.Response)
		}
	}

	return fmt.Sprintf(`User Query: %s

Responses:
%s
Please rank these responses from best to worst based on accuracy, insight, and relevance to the query. Return ONLY a JSON array in this exact format, with one object per response label (%s):
[{"label": "A", "reason": "Explanation"}, {"label": "B", "reason": "Explanation"}]`,
		userQuery, responsesText.String(), strings.Join(labels, ", "))
}

// Stage2CollectRankings has every configured council model judge the
// anonymized stage1 successes. Judges whose call fails or whose output does
// not parse get an error entry instead of a ranking. Returns the judge
// results and the label-to-model map for de-anonymization.
func (c *Council) Stage2CollectRankings(ctx context.Context, userQuery string, stage1 []Stage1Result, opts RunOptions) ([]Stage2Result, map[string]string) {
	labels, labelToModel := AssignLabels(stage1)
	if len(labels) == 0 {
		return nil, labelToModel
	}

	messages := []OpenRouterMessage{
		{Role: "system", Content: "You are a helpful AI assistant tasked with ranking responses to a user query. Analyze all responses and rank them from best to worst. Respond with JSON only."},
		{Role: "user", Content: rankingPrompt(userQuery, stage1, labelToModel, labels)},
	}

	calls := make([]modelCall, len(opts.CouncilModels))
	for i, model := range opts.CouncilModels {
		calls[i] = modelCall{Model: model, Messages: messages, APIKey: opts.APIKey, Timeout: c.cfg.ModelQueryTimeout}
	}

	results := make([]Stage2Result, len(calls))
	for i, outcome := range c.client.QueryAll(ctx, calls) {
		if outcome.Err != nil {
			results[i] = Stage2Result{Model: outcome.Model, Error: outcome.Err.Error()}
			continue
		}
		ranking, err := ParseRankingJSON(outcome.Reply.Content)
		if err != nil {
			c.logger.Warn("unparseable judge ranking",
				zap.String("model", outcome.Model),
				zap.Error(err))
			results[i] = Stage2Result{Model: outcome.Model, Error: fmt.Sprintf("failed to parse ranking: %v", err)}
			continue
		}
		results[i] = Stage2Result{Model: outcome.Model, Ranking: ranking}
	}
	return results, labelToModel
}

// ParseRankingJSON extracts a judge's ranking from its raw output. Models
// often wrap the array in markdown fences or prose, so everything outside the
// outermost brackets is discarded before unmarshaling.
func ParseRankingJSON(content string) ([]RankedItem, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array found")
	}

	var ranking []RankedItem
	if err := json.Unmarshal([]byte(content[start:end+1]), &ranking); err != nil {
		return nil, err
	}
	for _, item := range ranking {
		if item.Label == "" {
			return nil, fmt.Errorf("ranking entry missing label")
		}
	}
	return ranking, nil
}

// CalculateAggregateRankings folds every valid judge ranking into per-model
// scores. An item at position p of a ranking of length L scores L-p for its
// model. The average score divides by the number of judges that returned any
// valid ranking (not the number that mentioned the model), so a model omitted
// by a judge is not compensated. The average rank divides by the model's own
// mention count. Output is sorted by average score descending; ties keep
// label order.
func CalculateAggregateRankings(stage2 []Stage2Result, labelToModel map[string]string) []AggregateRanking {
	type accum struct {
		totalScore int
		ranks      []int
	}

	// Seed accumulators in label order so tie-breaking does not depend on
	// which judge answered first.
	labels := make([]string, 0, len(labelToModel))
	for label := range labelToModel {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	scores := make(map[string]*accum, len(labels))
	orderedModels := make([]string, 0, len(labels))
	for _, label := range labels {
		model := labelToModel[label]
		scores[model] = &accum{}
		orderedModels = append(orderedModels, model)
	}

	totalJudges := 0
	for _, ranking := range stage2 {
		if ranking.Error != "" {
			continue
		}
		totalJudges++
		maxScore := len(ranking.Ranking)
		for pos, item := range ranking.Ranking {
			model, ok := labelToModel[item.Label]
			if !ok {
				continue
			}
			scores[model].totalScore += maxScore - pos
			scores[model].ranks = append(scores[model].ranks, pos+1)
		}
	}
	if totalJudges == 0 {
		return nil
	}

	var aggregate []AggregateRanking
	for _, model := range orderedModels {
		acc := scores[model]
		if len(acc.ranks) == 0 {
			continue
		}
		rankSum := 0
		for _, r := range acc.ranks {
			rankSum += r
		}
		aggregate = append(aggregate, AggregateRanking{
			Model:         model,
			TotalScore:    acc.totalScore,
			AverageScore:  float64(acc.totalScore) / float64(totalJudges),
			AverageRank:   float64(rankSum) / float64(len(acc.ranks)),
			RankingsCount: len(acc.ranks),
		})
	}

	sort.SliceStable(aggregate, func(i, j int) bool {
		return aggregate[i].AverageScore > aggregate[j].AverageScore
	})
	return aggregate
}

// Stage3Synthesize has the chairman model merge the stage1 answers and stage2
// rankings into a final response. Never returns an error: a chairman failure
// yields the fixed placeholder payload with the reason attached.
func (c *Council) Stage3Synthesize(ctx context.Context, userQuery string, stage1 []Stage1Result, stage2 []Stage2Result, opts RunOptions) Stage3Result {
	var stage1Text strings.Builder
	for _, result := range stage1 {
		if result.Error != "" {
			continue
		}
		fmt.Fprintf(&stage1Text, "%s: %s\n\n", result.Model, result.Response)
	}

	var stage2Text strings.Builder
	for _, result := range stage2 {
		if result.Error != "" || len(result.Ranking) == 0 {
			continue
		}
		fmt.Fprintf(&stage2Text, "%s rankings:\n", result.Model)
		for i, item := range result.Ranking {
			fmt.Fprintf(&stage2Text, "%d. %s: %s\n", i+1, item.Label, item.Reason)
		}
		stage2Text.WriteString("\n")
	}

	messages := []OpenRouterMessage{
		{Role: "system", Content: "You are the Chairman of the LLM Council. Your role is to synthesize all the responses from the council members and their rankings into a single, comprehensive final response. Consider all perspectives and highlight the strongest points from each response."},
		{Role: "user", Content: fmt.Sprintf("User Query: %s\n\nCouncil Responses:\n%s\nCouncil Rankings:\n%s\nPlease synthesize a comprehensive final response that incorporates the best insights from all council members, considering their rankings.", userQuery, stage1Text.String(), stage2Text.String())},
	}

	reply, err := c.client.Query(ctx, OpenRouterRequest{
		Model:    opts.ChairmanModel,
		Messages: messages,
	}, opts.APIKey, c.cfg.ModelQueryTimeout)
	if err != nil {
		c.logger.Error("chairman synthesis failed",
			zap.String("model", opts.ChairmanModel),
			zap.Error(err))
		return Stage3Result{Model: opts.ChairmanModel, Response: ChairmanFailedResponse, Error: err.Error()}
	}
	return Stage3Result{Model: opts.ChairmanModel, Response: reply.Content}
}

// GenerateTitle produces a short conversation title from the first query
// using the configured fast title model.
func (c *Council) GenerateTitle(ctx context.Context, userQuery, apiKey string) (string, error) {
	reply, err := c.client.Query(ctx, OpenRouterRequest{
		Model: c.cfg.TitleModel,
		Messages: []OpenRouterMessage{
			{Role: "system", Content: "You are a title generator. Generate a concise, descriptive title for a conversation based on the user's query. Keep it under 15 words. Do not use quotes or punctuation in the title."},
			{Role: "user", Content: userQuery},
		},
		MaxTokens: 20,
	}, apiKey, c.cfg.TitleGenTimeout)
	if err != nil {
		return "", fmt.Errorf("title generation failed: %w", err)
	}

	title := strings.Trim(strings.TrimSpace(reply.Content), "\"'")
	if runes := []rune(title); len(runes) > 50 {
		title = string(runes[:47]) + "..."
	}
	return title, nil
}

// runStages executes the three stages without persisting. The all-failed
// branch skips stage2 and replaces stage3 with the fixed failure payload so
// the result is always a complete triple.
func (c *Council) runStages(ctx context.Context, userQuery string, opts RunOptions, emit func(CouncilEvent)) *CouncilResult {
	emit(CouncilEvent{Type: EventStage1Start})
	stage1 := c.Stage1CollectResponses(ctx, userQuery, opts)
	emit(CouncilEvent{Type: EventStage1Complete, Data: stage1})

	successes := 0
	for _, r := range stage1 {
		if r.Error == "" {
			successes++
		}
	}
	if successes == 0 {
		c.logger.Error("all council models failed in stage 1")
		// Consumers still get the complete triple: empty stage2 and the
		// fixed placeholder stage3 flow through the same event sequence.
		stage2 := []Stage2Result{}
		stage3 := Stage3Result{Response: AllFailedResponse, Error: AllFailedError}
		metadata := Metadata{
			LabelToModel:      map[string]string{},
			AggregateRankings: nil,
		}
		emit(CouncilEvent{Type: EventStage2Start})
		emit(CouncilEvent{Type: EventStage2Complete, Data: stage2, Metadata: &metadata})
		emit(CouncilEvent{Type: EventStage3Start})
		emit(CouncilEvent{Type: EventStage3Complete, Data: stage3})
		return &CouncilResult{Stage1: stage1, Stage2: stage2, Stage3: stage3, Metadata: metadata}
	}

	emit(CouncilEvent{Type: EventStage2Start})
	stage2, labelToModel := c.Stage2CollectRankings(ctx, userQuery, stage1, opts)
	metadata := Metadata{
		LabelToModel:      labelToModel,
		AggregateRankings: CalculateAggregateRankings(stage2, labelToModel),
	}
	emit(CouncilEvent{Type: EventStage2Complete, Data: stage2, Metadata: &metadata})

	// Stage 3 runs even when every judge failed; the chairman still has the
	// stage1 answers to work from.
	emit(CouncilEvent{Type: EventStage3Start})
	stage3 := c.Stage3Synthesize(ctx, userQuery, stage1, stage2, opts)
	emit(CouncilEvent{Type: EventStage3Complete, Data: stage3})

	return &CouncilResult{Stage1: stage1, Stage2: stage2, Stage3: stage3, Metadata: metadata}
}

// Run executes the full pipeline synchronously and appends the assistant
// message to the conversation before returning.
func (c *Council) Run(ctx context.Context, conversationID, userQuery string, opts RunOptions) (*CouncilResult, error) {
	opts = c.resolve(opts)
	result := c.runStages(ctx, userQuery, opts, func(CouncilEvent) {})

	if err := c.store.AddAssistantMessage(conversationID, result.Stage1, result.Stage2, result.Stage3); err != nil {
		return nil, fmt.Errorf("failed to save assistant message: %w", err)
	}
	return result, nil
}

// RunStream executes the pipeline and emits the event sequence on the
// returned channel: start/complete markers per stage, a title_complete event
// when opts.GenerateTitle is set, then complete (or error). The assistant
// message is persisted before the terminal event. The channel is closed when
// the run finishes; in-flight model calls are never cancelled by an
// abandoned consumer because sends buffer through the channel's goroutine.
func (c *Council) RunStream(ctx context.Context, conversationID, userQuery string, opts RunOptions) <-chan CouncilEvent {
	opts = c.resolve(opts)
	events := make(chan CouncilEvent, 16)

	go func() {
		defer close(events)
		emit := func(ev CouncilEvent) { events <- ev }

		// Title generation runs alongside the stages and never gates them.
		var titleCh chan string
		if opts.GenerateTitle {
			titleCh = make(chan string, 1)
			go func() {
				defer close(titleCh)
				title, err := c.GenerateTitle(ctx, userQuery, opts.APIKey)
				if err != nil {
					c.logger.Warn("title generation failed", zap.Error(err))
					if err := c.store.UpdateTitle(conversationID, "New Conversation"); err != nil {
						c.logger.Warn("failed to store fallback title", zap.Error(err))
					}
					return
				}
				if err := c.store.UpdateTitle(conversationID, title); err != nil {
					c.logger.Warn("failed to store title", zap.Error(err))
					return
				}
				titleCh <- title
			}()
		}

		result := c.runStages(ctx, userQuery, opts, emit)

		if titleCh != nil {
			if title, ok := <-titleCh; ok {
				emit(CouncilEvent{Type: EventTitleComplete, Data: map[string]string{"title": title}})
			}
		}

		if err := c.store.AddAssistantMessage(conversationID, result.Stage1, result.Stage2, result.Stage3); err != nil {
			emit(CouncilEvent{Type: EventError, Message: fmt.Sprintf("failed to save message: %v", err)})
			return
		}
		emit(CouncilEvent{Type: EventComplete})
	}()

	return events
}

// RegenerateStage3 recomputes the chairman synthesis for a stored assistant
// message from its persisted stage1 and stage2 results, and overwrites the
// message's stage3 in place.
func (c *Council) RegenerateStage3(ctx context.Context, conversationID string, messageIndex int, ownerID string, opts RunOptions) (*Stage3Result, error) {
	opts = c.resolve(opts)

	conversation, err := c.store.Get(conversationID, ownerID)
	if err != nil {
		return nil, err
	}
	if conversation == nil {
		return nil, ErrConversationNotFound
	}
	if messageIndex < 0 || messageIndex >= len(conversation.Messages) {
		return nil, ErrMessageNotFound
	}

	message := conversation.Messages[messageIndex]
	if message.Role != "assistant" || len(message.Stage1) == 0 || len(message.Stage2) == 0 {
		return nil, ErrNotAssistantMessage
	}

	// The preceding user message carries the query that produced this answer.
	userQuery := ""
	if messageIndex > 0 && conversation.Messages[messageIndex-1].Role == "user" {
		userQuery = conversation.Messages[messageIndex-1].Content
	}

	stage3 := c.Stage3Synthesize(ctx, userQuery, message.Stage1, message.Stage2, opts)

	conversation.Messages[messageIndex].Stage3 = &stage3
	if err := c.store.Save(conversation); err != nil {
		return nil, fmt.Errorf("failed to save regenerated stage3: %w", err)
	}
	return &stage3, nil
}

// BuildHistoryContext flattens prior exchanges into a system-prompt context
// block for follow-up turns. Each completed user/assistant pair contributes
// the question, any quoted excerpts, and the synthesized answer.
func BuildHistoryContext(conversation *Conversation) string {
	if conversation == nil || len(conversation.Messages) < 2 {
		return ""
	}

	var parts []string
	for i := 1; i < len(conversation.Messages); i++ {
		userMsg := conversation.Messages[i-1]
		assistantMsg := conversation.Messages[i]
		if userMsg.Role != "user" || assistantMsg.Role != "assistant" || assistantMsg.Stage3 == nil {
			continue
		}

		var b strings.Builder
		for _, item := range userMsg.QuotedItems {
			fmt.Fprintf(&b, "Quoted from stage %d answer %d: %s\n", item.Stage, item.AnswerIndex, item.Content)
		}
		fmt.Fprintf(&b, "User asked: %s\nCouncil answered: %s", userMsg.Content, assistantMsg.Stage3.Response)
		parts = append(parts, b.String())
	}
	if len(parts) == 0 {
		return ""
	}

	return fmt.Sprintf("=== Previous conversation context ===\n%s\n=== End of previous context ===", strings.Join(parts, "\n\n"))
}
