// Package generate coordinates model generations: admission into a room's
// single-flight AI slot, streaming fan-out, cooperative cancellation,
// partial-result persistence, post-hoc output filtering, and credit debit.
package generate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hrygo/branchtalk/chat"
	"github.com/hrygo/branchtalk/chat/errclass"
	"github.com/hrygo/branchtalk/chat/model"
	"github.com/hrygo/branchtalk/chat/pricing"
	"github.com/hrygo/branchtalk/chat/prompt"
	"github.com/hrygo/branchtalk/metrics"
	"github.com/hrygo/branchtalk/store"
	"github.com/hrygo/branchtalk/wire"
)

// persistEvery is how many streamed chunks may accumulate between partial
// persists. The final text is always persisted at completion.
const persistEvery = 25

// FilteredPlaceholder replaces blocked model output.
const FilteredPlaceholder = "[Content filtered]"

// Target is one branch a generation streams into.
type Target struct {
	Message *store.Message
	Branch  *store.Branch
}

// Plan is a prepared generation request. Path is the visible context up to
// and excluding the targets; MessageCount is the conversation's message count
// used by prompt composition.
type Plan struct {
	Conversation *store.Conversation
	Responder    *store.Participant
	Path         []*store.Message
	MessageCount int
	Targets      []Target
	Caller       chat.Sender
}

// Coordinator owns all in-flight generations. One instance per process.
type Coordinator struct {
	store     chat.Store
	client    model.Client
	pricing   chat.Pricing
	filter    chat.ContentFilter
	rooms     chat.Rooms
	collector *metrics.Collector
	cliMode   prompt.CLIModeConfig

	mu      sync.Mutex
	cancels map[string]map[string]context.CancelFunc // conversationID -> userID
}

func NewCoordinator(s chat.Store, client model.Client, p chat.Pricing, f chat.ContentFilter, rooms chat.Rooms, collector *metrics.Collector, cliMode prompt.CLIModeConfig) *Coordinator {
	return &Coordinator{
		store:     s,
		client:    client,
		pricing:   p,
		filter:    f,
		rooms:     rooms,
		collector: collector,
		cliMode:   cliMode,
		cancels:   make(map[string]map[string]context.CancelFunc),
	}
}

// Generate runs the plan to completion. Callers run it on its own goroutine;
// the session's read loop must stay free to deliver an abort. ctx is the
// session lifetime context, so a connection close cancels the generation.
func (c *Coordinator) Generate(ctx context.Context, plan *Plan) {
	conversationID := plan.Conversation.ID
	userID := plan.Caller.UserID()
	first := plan.Targets[0]

	if !c.rooms.StartAIRequest(conversationID, userID, first.Message.ID) {
		plan.Caller.Send(wire.NewAIRequestQueued(conversationID, c.rooms.ActiveAIRequest(conversationID)))
		return
	}
	defer c.rooms.EndAIRequest(conversationID)

	c.rooms.Broadcast(conversationID, wire.NewAIGenerating(conversationID, userID, first.Message.ID), nil)

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.registerCancel(conversationID, userID, cancel)
	defer c.unregisterCancel(conversationID, userID)

	req := c.buildRequest(plan)
	started := time.Now()

	var usageMu sync.Mutex
	total := model.Usage{}
	status := "ok"

	// Sampling siblings share one slot and one cancellation token; their
	// streams are independent and unordered with respect to each other.
	group, groupCtx := errgroup.WithContext(genCtx)
	for _, target := range plan.Targets {
		target := target
		group.Go(func() error {
			usage := c.streamOne(groupCtx, plan, req, target)
			if usage != nil {
				usageMu.Lock()
				total.InputTokens += usage.InputTokens
				total.OutputTokens += usage.OutputTokens
				usageMu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()

	if genCtx.Err() != nil {
		status = "aborted"
	}
	c.collector.GenerationFinished(status, time.Since(started).Seconds())
	c.collector.TokensUsed(req.Model, total.InputTokens, total.OutputTokens)

	c.settle(plan, req.Model, &total)
}

// Abort cancels the user's in-flight generation on the conversation.
// Returns false when no generation is active for that user.
func (c *Coordinator) Abort(conversationID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	byUser, ok := c.cancels[conversationID]
	if !ok {
		return false
	}
	cancel, ok := byUser[userID]
	if !ok {
		return false
	}
	cancel()
	return true
}

func (c *Coordinator) registerCancel(conversationID, userID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byUser, ok := c.cancels[conversationID]
	if !ok {
		byUser = make(map[string]context.CancelFunc)
		c.cancels[conversationID] = byUser
	}
	byUser[userID] = cancel
}

func (c *Coordinator) unregisterCancel(conversationID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if byUser, ok := c.cancels[conversationID]; ok {
		delete(byUser, userID)
		if len(byUser) == 0 {
			delete(c.cancels, conversationID)
		}
	}
}

// buildRequest normalizes the visible path into a provider request:
// hiddenFromAi branches are omitted, the system prompt is composed, and
// sampling settings merge participant overrides onto conversation defaults.
func (c *Coordinator) buildRequest(plan *Plan) *model.Request {
	conversation := plan.Conversation
	responder := plan.Responder

	messages := make([]model.Message, 0, len(plan.Path))
	for _, m := range plan.Path {
		branch := m.ActiveBranch()
		if branch == nil || branch.HiddenFromAI || branch.Content == "" {
			continue
		}
		name := ""
		if conversation.Format == store.FormatPrefill {
			name = branch.ParticipantID
		}
		messages = append(messages, model.Message{Role: branch.Role, Content: branch.Content, Name: name})
	}

	modelID := responder.Model
	if modelID == "" {
		modelID = conversation.Model
	}
	caps := model.Capabilities(modelID)

	// Participant settings overlay the conversation defaults field-wise; an
	// unset override field keeps the conversation's value.
	settings := conversation.Settings
	if override := responder.Settings; override != nil {
		if override.Temperature != 0 {
			settings.Temperature = override.Temperature
		}
		if override.MaxTokens != 0 {
			settings.MaxTokens = override.MaxTokens
		}
		if override.TopP != nil {
			settings.TopP = override.TopP
		}
		if override.TopK != nil {
			settings.TopK = override.TopK
		}
	}

	return &model.Request{
		Model:       modelID,
		System:      prompt.Compose(responder, conversation, plan.MessageCount, caps, c.cliMode),
		Messages:    messages,
		Temperature: settings.Temperature,
		MaxTokens:   settings.MaxTokens,
		TopP:        settings.TopP,
		Prefill:     conversation.Format == store.FormatPrefill && caps.SupportsPrefill,
	}
}

// streamOne runs a single branch's stream: fan out deltas, persist
// periodically, filter the final text, and classify failures.
func (c *Coordinator) streamOne(ctx context.Context, plan *Plan, req *model.Request, target Target) *model.Usage {
	conversationID := plan.Conversation.ID
	messageID := target.Message.ID
	branchID := target.Branch.ID

	var accumulated []byte
	sinceFlush := 0

	usage, err := c.client.Stream(ctx, req, func(chunk model.Chunk) error {
		if chunk.Delta != "" {
			accumulated = append(accumulated, chunk.Delta...)
			sinceFlush++
			c.collector.ChunkStreamed()
			c.rooms.Broadcast(conversationID, wire.NewStream(conversationID, messageID, branchID, chunk.Delta, chunk.Blocks), nil)
			if sinceFlush >= persistEvery {
				sinceFlush = 0
				if perr := c.store.UpdateMessageContent(ctx, messageID, branchID, string(accumulated), nil); perr != nil {
					slog.Warn("partial persist failed", "message", messageID, "branch", branchID, "error", perr)
				}
			}
		}
		return nil
	})

	text := string(accumulated)

	if err != nil || ctx.Err() != nil {
		// Partial content survives both aborts and provider failures.
		c.persistFinal(plan, messageID, branchID, text)
		if errclass.IsAborted(err) || ctx.Err() != nil {
			c.rooms.Broadcast(conversationID, wire.NewStreamAborted(conversationID, messageID, branchID), nil)
			plan.Caller.Send(wire.NewGenerationAborted(conversationID, true))
			return usage
		}
		classified := errclass.Classify(err)
		slog.Error("generation failed", "conversation", conversationID, "branch", branchID, "code", classified.Code, "error", err)
		plan.Caller.Send(wire.NewError(classified.Code, classified.Message, classified.Suggestion))
		return usage
	}

	verdict, ferr := c.filter.Evaluate(ctx, text)
	if ferr != nil {
		slog.Warn("output filter failed, passing content through", "error", ferr)
	}
	if verdict.Blocked {
		text = FilteredPlaceholder
		c.persistFinal(plan, messageID, branchID, text)
		c.rooms.Broadcast(conversationID, wire.NewStreamDone(conversationID, messageID, branchID, text, streamUsage(usage)), nil)
		plan.Caller.Send(wire.NewContentBlocked(verdict.Reason, verdict.Categories))
		return usage
	}

	c.persistFinal(plan, messageID, branchID, text)
	c.rooms.Broadcast(conversationID, wire.NewStreamDone(conversationID, messageID, branchID, "", streamUsage(usage)), nil)
	return usage
}

// persistFinal writes the branch's terminal content with a store context
// detached from the generation token, so aborted work still commits.
func (c *Coordinator) persistFinal(plan *Plan, messageID, branchID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.UpdateMessageContent(ctx, messageID, branchID, text, nil); err != nil {
		slog.Error("final persist failed", "message", messageID, "branch", branchID, "error", err)
	}
}

// settle debits the grant bucket and publishes the usage metric. The debit
// happens before ai_finished regardless of filtering outcome: tokens were
// consumed either way.
func (c *Coordinator) settle(plan *Plan, modelID string, usage *model.Usage) {
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		return
	}
	price, ok := c.pricing.Lookup(modelID)
	if !ok {
		slog.Warn("usage with no price, skipping debit", "model", modelID)
		return
	}

	settleCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	userID := plan.Caller.UserID()
	cost := pricing.Cost(price, usage.InputTokens, usage.OutputTokens)
	currency := c.pickCurrency(settleCtx, userID, modelID)
	if err := c.store.DebitGrant(settleCtx, userID, currency, cost); err != nil {
		slog.Error("grant debit failed", "user", userID, "currency", currency, "error", err)
	}

	metric := &store.UsageMetric{
		ConversationID: plan.Conversation.ID,
		UserID:         userID,
		Model:          modelID,
		InputTokens:    usage.InputTokens,
		OutputTokens:   usage.OutputTokens,
		Cost:           cost,
		Currency:       currency,
		CreatedTs:      time.Now().Unix(),
	}
	if err := c.store.AddMetrics(settleCtx, metric); err != nil {
		slog.Error("metric persist failed", "conversation", plan.Conversation.ID, "error", err)
	}
	c.rooms.Broadcast(plan.Conversation.ID, wire.NewMetricsUpdate(plan.Conversation.ID, metric), nil)
}

// pickCurrency chooses the applicable bucket with a positive balance,
// falling back to the most specific applicable bucket.
func (c *Coordinator) pickCurrency(ctx context.Context, userID, modelID string) string {
	currencies := c.pricing.ApplicableCurrencies(modelID)
	summary, err := c.store.GetUserGrantSummary(ctx, userID)
	if err == nil {
		for _, currency := range currencies {
			if summary.Balances[currency] > 0 {
				return currency
			}
		}
	}
	return currencies[0]
}

func streamUsage(usage *model.Usage) *wire.StreamUsage {
	if usage == nil {
		return nil
	}
	return &wire.StreamUsage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens}
}
