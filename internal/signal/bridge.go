package signal

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/occam-assistant/internal/channel"
)

// Reconnect backoff bounds.
const (
	backoffInit = 5 * time.Second
	backoffMax  = 60 * time.Second
)

// receiptTimeout bounds the best-effort read receipt.
const receiptTimeout = 10 * time.Second

// Correlator maps transport ids onto conversation threads. The real
// implementation is *thread.Store.
type Correlator interface {
	Resolve(ctx context.Context, quoteRef *int64) string
	Register(ctx context.Context, id int64, threadID string) error
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Client      *Client
	Threads     Correlator
	Dispatcher  channel.Dispatcher
	Logger      *slog.Logger
	PollTimeout time.Duration
}

// Bridge receives Note to Self messages from the gateway, correlates
// them onto threads, and hands them to a dispatcher. It also owns every
// send to the owner, so it can recognize and discard the echo the
// gateway delivers for each of them.
type Bridge struct {
	client      *Client
	threads     Correlator
	dispatcher  channel.Dispatcher
	logger      *slog.Logger
	pollTimeout time.Duration

	// gate is held exclusively for the span of a send plus its
	// registration, and shared while a received frame is classified.
	// An echo therefore cannot be classified before its timestamp is
	// in sent.
	gate sync.RWMutex
	sent *sentSet

	backoffInit time.Duration
	backoffMax  time.Duration
}

// NewBridge creates a Signal bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		client:      cfg.Client,
		threads:     cfg.Threads,
		dispatcher:  cfg.Dispatcher,
		logger:      logger.With("component", "signal"),
		pollTimeout: cfg.PollTimeout,
		sent:        newSentSet(),
		backoffInit: backoffInit,
		backoffMax:  backoffMax,
	}
}

// Run receives messages until ctx is cancelled, reconnecting with
// exponential backoff whenever the websocket fails. It returns nil on
// cancellation.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("signal bridge started", "number", b.client.Number())

	backoff := b.backoffInit
	for {
		connected, err := b.session(ctx)
		if ctx.Err() != nil {
			b.logger.Info("signal bridge shutting down")
			return nil
		}
		if connected {
			backoff = b.backoffInit
		}

		b.logger.Warn("signal connection lost, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			b.logger.Info("signal bridge shutting down")
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > b.backoffMax {
			backoff = b.backoffMax
		}
	}
}

// session runs one websocket connection to completion.
func (b *Bridge) session(ctx context.Context) (connected bool, err error) {
	conn, err := b.client.Connect(ctx, b.pollTimeout)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	b.logger.Info("signal connected")

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		env, err := conn.Receive()
		if errors.Is(err, ErrMalformedFrame) {
			b.logger.Warn("signal frame skipped", "error", err)
			continue
		}
		if err != nil {
			return true, err
		}
		b.handleEnvelope(ctx, env)
	}
}

// handleEnvelope classifies one envelope and dispatches it when it is
// a Note to Self from the owner.
func (b *Bridge) handleEnvelope(ctx context.Context, env *Envelope) {
	b.gate.RLock()
	echo := b.sent.consume(env.Timestamp)
	b.gate.RUnlock()
	if echo {
		b.logger.Debug("signal echo discarded", "timestamp", env.Timestamp)
		return
	}

	sm, ok := b.noteToSelf(env)
	if !ok {
		return
	}

	msgTS := sm.Timestamp
	if msgTS == 0 {
		msgTS = env.Timestamp
	}

	attachments := b.fetchAttachments(ctx, sm.Attachments)
	if strings.TrimSpace(sm.Message) == "" && len(attachments) == 0 {
		b.logger.Debug("signal message has no usable content", "timestamp", msgTS)
		return
	}

	var quoteRef *int64
	if sm.Quote != nil && sm.Quote.ID != 0 {
		id := sm.Quote.ID
		quoteRef = &id
	}

	threadID := b.threads.Resolve(ctx, quoteRef)
	if err := b.threads.Register(ctx, msgTS, threadID); err != nil {
		b.logger.Error("signal correlation register failed",
			"timestamp", msgTS,
			"thread_id", threadID,
			"error", err,
		)
	}

	b.sendReceipt(ctx, msgTS)

	owner := b.client.Number()
	msg := &channel.Message{
		Channel:     channel.Signal,
		Sender:      owner,
		Text:        sm.Message,
		ThreadID:    threadID,
		Attachments: attachments,
		QuoteRef:    quoteRef,
		ID:          msgTS,
	}
	msg.Reply = &Replier{
		bridge:   b,
		threadID: threadID,
		quote:    &Quote{ID: msgTS, Author: owner, Text: sm.Message},
	}

	b.logger.Info("signal message received",
		"timestamp", msgTS,
		"thread_id", threadID,
		"quoted", quoteRef != nil,
		"message_len", len(sm.Message),
		"attachments", len(attachments),
	)

	b.dispatcher.Dispatch(msg)
}

// noteToSelf returns the sent message carried by env when it is a
// non-group message the owner sent to their own number.
func (b *Bridge) noteToSelf(env *Envelope) (*SentMessage, bool) {
	if env.SyncMessage == nil || env.SyncMessage.SentMessage == nil {
		return nil, false
	}
	sm := env.SyncMessage.SentMessage
	if sm.GroupInfo != nil || sm.GroupID != "" {
		b.logger.Debug("signal group message ignored", "timestamp", env.Timestamp)
		return nil, false
	}
	dest := sm.DestinationNumber
	if dest == "" {
		dest = sm.Destination
	}
	if dest != b.client.Number() {
		return nil, false
	}
	return sm, true
}

// fetchAttachments downloads image attachments. Other media types and
// failed downloads are dropped individually.
func (b *Bridge) fetchAttachments(ctx context.Context, atts []Attachment) []channel.Attachment {
	var out []channel.Attachment
	for _, a := range atts {
		if !strings.HasPrefix(strings.ToLower(a.ContentType), "image/") {
			b.logger.Debug("signal attachment skipped", "id", a.ID, "content_type", a.ContentType)
			continue
		}
		data, err := b.client.DownloadAttachment(ctx, a.ID)
		if err != nil {
			b.logger.Warn("signal attachment download failed", "id", a.ID, "error", err)
			continue
		}
		out = append(out, channel.Attachment{Data: data, MediaType: a.ContentType})
	}
	return out
}

func (b *Bridge) sendReceipt(ctx context.Context, ts int64) {
	ctx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()
	if err := b.client.SendReceipt(ctx, b.client.Number(), ts); err != nil {
		b.logger.Warn("signal read receipt failed", "timestamp", ts, "error", err)
	}
}

// send delivers text to the owner and records the sent timestamp as a
// pending echo and as a member of threadID, all under the send gate.
func (b *Bridge) send(ctx context.Context, text, threadID string, quote *Quote) (int64, error) {
	b.gate.Lock()
	defer b.gate.Unlock()

	ts, err := b.client.Send(ctx, text, SendOptions{Quote: quote})
	if err != nil {
		return 0, err
	}
	b.sent.add(ts)

	if threadID != "" {
		if err := b.threads.Register(ctx, ts, threadID); err != nil {
			b.logger.Error("signal correlation register failed",
				"timestamp", ts,
				"thread_id", threadID,
				"error", err,
			)
		}
	}
	return ts, nil
}

// Notifier returns a Replier that posts to the owner's Note to Self
// without quoting, prefixing every message with label. A quoted reply
// to the posted message continues threadID.
func (b *Bridge) Notifier(threadID, label string) channel.Replier {
	return &Replier{bridge: b, threadID: threadID, label: label}
}

// Replier sends one reply through a Bridge.
type Replier struct {
	bridge   *Bridge
	threadID string
	quote    *Quote
	label    string
}

// Send implements [channel.Replier].
func (r *Replier) Send(ctx context.Context, text string) (channel.SendResult, error) {
	ts, err := r.bridge.send(ctx, r.label+text, r.threadID, r.quote)
	if err != nil {
		return channel.SendResult{}, err
	}
	r.bridge.logger.Info("signal reply sent",
		"timestamp", ts,
		"thread_id", r.threadID,
		"response_len", len(text),
	)
	return channel.SendResult{ID: ts}, nil
}

// sentSet holds timestamps of messages we sent whose echo has not been
// seen yet. Each entry is consumed by exactly one echo.
type sentSet struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

func newSentSet() *sentSet {
	return &sentSet{ids: make(map[int64]struct{})}
}

func (s *sentSet) add(ts int64) {
	s.mu.Lock()
	s.ids[ts] = struct{}{}
	s.mu.Unlock()
}

func (s *sentSet) consume(ts int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[ts]; !ok {
		return false
	}
	delete(s.ids, ts)
	return true
}

func (s *sentSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
