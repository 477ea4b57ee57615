// Package assistant runs exchanges: one inbound message through the
// agent loop to a persisted, delivered reply.
package assistant

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/nugget/occam-assistant/internal/agent"
	"github.com/nugget/occam-assistant/internal/channel"
	"github.com/nugget/occam-assistant/internal/llm"
	"github.com/nugget/occam-assistant/internal/thread"
	"github.com/nugget/occam-assistant/internal/tools"
	"github.com/nugget/occam-assistant/internal/usage"
)

// Apology is the reply when the model backend fails.
const Apology = "Sorry, I ran into a problem reaching the language model and couldn't answer that. Please try again in a moment."

// EmptyReply stands in for a final answer with no text.
const EmptyReply = "(no response)"

// DefaultFinishTimeout bounds persisting and delivering a reply once
// the exchange itself is over.
const DefaultFinishTimeout = 30 * time.Second

// Runner drives one agent loop run. The real implementation is
// *agent.Loop.
type Runner interface {
	Run(ctx context.Context, history []llm.Message, user llm.Message) (*agent.Trace, error)
}

// History loads and appends conversation turns. The real
// implementation is *thread.Store.
type History interface {
	Load(ctx context.Context, threadID string) ([]thread.Turn, error)
	Append(ctx context.Context, threadID, role string, content thread.Content) error
}

// Ledger records finished exchanges. The real implementation is
// *usage.Store.
type Ledger interface {
	Record(ctx context.Context, rec usage.Record) error
}

// HandlerConfig holds the dependencies for a Handler.
type HandlerConfig struct {
	Runner  Runner
	History History
	Locks   *thread.Locker
	Logger  *slog.Logger

	// Ledger and Model are optional; without a ledger nothing is
	// recorded.
	Ledger Ledger
	Model  string

	// FinishTimeout bounds the persist and reply steps, which run after
	// the exchange context may already have expired. Zero uses
	// DefaultFinishTimeout.
	FinishTimeout time.Duration
}

// Handler implements [channel.Handler].
type Handler struct {
	runner  Runner
	history History
	locks   *thread.Locker
	ledger  Ledger
	model   string
	logger  *slog.Logger

	finishTimeout time.Duration
}

// NewHandler creates a message handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locks := cfg.Locks
	if locks == nil {
		locks = thread.NewLocker()
	}
	finish := cfg.FinishTimeout
	if finish <= 0 {
		finish = DefaultFinishTimeout
	}
	return &Handler{
		runner:        cfg.Runner,
		history:       cfg.History,
		locks:         locks,
		ledger:        cfg.Ledger,
		model:         cfg.Model,
		logger:        logger.With("component", "handler"),
		finishTimeout: finish,
	}
}

// Handle runs one exchange under the thread's lock: load history, run
// the loop, persist the user and assistant turns, reply. It persists
// and replies exactly once, even when the backend fails, the exchange
// context expires or the exchange panics.
func (h *Handler) Handle(ctx context.Context, msg *channel.Message) {
	log := h.logger.With("thread_id", msg.ThreadID, "channel", msg.Channel)

	unlock := h.locks.Lock(msg.ThreadID)
	defer unlock()

	images := msg.Images()
	finished := false
	// finish runs on a context detached from the exchange deadline so a
	// run that used up its time still leaves history and a reply.
	finish := func(trace *agent.Trace, answer, extra string) {
		finished = true
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.finishTimeout)
		defer cancel()

		if trace != nil {
			h.record(fctx, log, msg, trace)
		}
		// History holds what the model said; confirmations go to the
		// user only.
		if err := h.history.Append(fctx, msg.ThreadID, thread.RoleUser, thread.ImageContent(msg.Text, threadImages(images))); err != nil {
			log.Error("persist user turn failed", "error", err)
		}
		if err := h.history.Append(fctx, msg.ThreadID, thread.RoleAssistant, thread.TextContent(answer)); err != nil {
			log.Error("persist assistant turn failed", "error", err)
		}
		h.reply(fctx, log, msg, answer+extra)
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		log.Error("panic handling message", "panic", r, "stack", string(debug.Stack()))
		if !finished {
			finish(nil, Apology, "")
		}
	}()

	turns, err := h.history.Load(ctx, msg.ThreadID)
	if err != nil {
		log.Error("history load failed, continuing without history", "error", err)
		turns = nil
	}

	user := userMessage(msg.Text, images)

	ctx = tools.WithThreadID(ctx, msg.ThreadID)
	ctx, confirmations := tools.WithConfirmations(ctx)

	trace, err := h.runner.Run(ctx, historyMessages(turns), user)

	answer := ""
	switch {
	case err != nil:
		log.Error("agent run failed", "error", err)
		answer = Apology
	case trace == nil || trace.FinalText == "":
		answer = EmptyReply
	default:
		answer = trace.FinalText
	}

	if trace != nil {
		log.Info("exchange complete",
			"state", trace.State,
			"turns", len(trace.Turns),
			"tool_calls", trace.ToolCallCount(),
			"latency", trace.Latency.Round(time.Millisecond),
			"input_tokens", trace.InputTokens,
			"output_tokens", trace.OutputTokens,
		)
	}
	finish(trace, answer, confirmations.Text())
}

func (h *Handler) reply(ctx context.Context, log *slog.Logger, msg *channel.Message, text string) {
	if msg.Reply == nil {
		log.Warn("message has no replier")
		return
	}
	res, err := msg.Reply.Send(ctx, text)
	if err != nil {
		log.Error("reply failed", "error", err)
		return
	}
	log.Info("reply sent", "reply_id", res.ID, "response_len", len(text))
}

func (h *Handler) record(ctx context.Context, log *slog.Logger, msg *channel.Message, trace *agent.Trace) {
	if h.ledger == nil {
		return
	}
	err := h.ledger.Record(ctx, usage.Record{
		ThreadID:     msg.ThreadID,
		Channel:      string(msg.Channel),
		Model:        h.model,
		InputTokens:  trace.InputTokens,
		OutputTokens: trace.OutputTokens,
		ToolCalls:    trace.ToolCallCount(),
		State:        string(trace.State),
		Latency:      trace.Latency,
	})
	if err != nil {
		log.Warn("record usage failed", "error", err)
	}
}

// userMessage builds the model-facing user turn. An image-only
// message gets the default image prompt.
func userMessage(text string, images []channel.Attachment) llm.Message {
	m := llm.Message{Role: llm.RoleUser, Content: text}
	for _, img := range images {
		m.Images = append(m.Images, llm.Image{Data: img.Data, MediaType: img.MediaType})
	}
	if len(m.Images) > 0 && m.Content == "" {
		m.Content = thread.DefaultImagePrompt
	}
	return m
}

func historyMessages(turns []thread.Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		m := llm.Message{Role: t.Role, Content: t.Content.PlainText()}
		for _, img := range t.Content.Images() {
			m.Images = append(m.Images, llm.Image{Data: img.Data, MediaType: img.MediaType})
		}
		out = append(out, m)
	}
	return out
}

func threadImages(atts []channel.Attachment) []thread.Image {
	var out []thread.Image
	for _, a := range atts {
		out = append(out, thread.Image{Data: a.Data, MediaType: a.MediaType})
	}
	return out
}
