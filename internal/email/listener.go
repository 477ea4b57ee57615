package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nugget/occam-assistant/internal/channel"
)

const noSubject = "(no subject)"

// DefaultPollInterval is used when ListenerConfig.PollInterval is zero.
const DefaultPollInterval = 60 * time.Second

// Source yields unseen inbound messages. The real implementation is
// *Client.
type Source interface {
	FetchUnseen(ctx context.Context) ([]*Message, error)
}

// ReplyFunc builds the replier for one inbound message on threadID.
type ReplyFunc func(msg *Message, threadID string) channel.Replier

// ListenerConfig holds the dependencies for a Listener.
type ListenerConfig struct {
	Source     Source
	Dispatcher channel.Dispatcher
	Reply      ReplyFunc
	Logger     *slog.Logger

	// AllowedSenders restricts dispatch to these addresses, compared
	// case-insensitively. Empty allows every sender.
	AllowedSenders []string

	PollInterval time.Duration

	// RateLimit caps messages per sender per minute. Zero is unlimited.
	RateLimit int
}

// Listener polls a mailbox and dispatches each new message.
type Listener struct {
	source     Source
	dispatcher channel.Dispatcher
	reply      ReplyFunc
	logger     *slog.Logger
	allowed    map[string]bool
	interval   time.Duration
	rateLimit  int

	// limiters is only touched from Poll, which runs on one goroutine.
	limiters map[string]*rate.Limiter
}

// NewListener creates a mail listener.
func NewListener(cfg ListenerConfig) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	var allowed map[string]bool
	if len(cfg.AllowedSenders) > 0 {
		allowed = make(map[string]bool, len(cfg.AllowedSenders))
		for _, s := range cfg.AllowedSenders {
			allowed[strings.ToLower(strings.TrimSpace(s))] = true
		}
	}

	return &Listener{
		source:     cfg.Source,
		dispatcher: cfg.Dispatcher,
		reply:      cfg.Reply,
		logger:     logger.With("component", "email"),
		allowed:    allowed,
		interval:   interval,
		rateLimit:  cfg.RateLimit,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Run polls immediately and then every poll interval until ctx is
// cancelled. Poll failures are logged and retried on the next tick.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Info("email polling started", "interval", l.interval)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		if _, err := l.Poll(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("email poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			l.logger.Info("email polling stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll fetches unseen mail once and dispatches every acceptable
// message, returning how many were dispatched.
func (l *Listener) Poll(ctx context.Context) (int, error) {
	msgs, err := l.source.FetchUnseen(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch unseen: %w", err)
	}

	n := 0
	for _, m := range msgs {
		if !l.accept(m) {
			continue
		}
		l.dispatcher.Dispatch(l.normalize(m))
		n++
	}
	return n, nil
}

// accept applies the sender allow-list and per-sender rate limit.
func (l *Listener) accept(m *Message) bool {
	addr := strings.ToLower(m.FromAddr)
	if addr == "" {
		l.logger.Debug("ignoring email without sender", "uid", m.UID)
		return false
	}
	if m.AutoSubmitted {
		l.logger.Info("ignoring auto-submitted email", "from", m.FromAddr, "subject", m.Subject)
		return false
	}
	if l.allowed != nil && !l.allowed[addr] {
		l.logger.Info("ignoring email from sender not in allowed_senders", "from", m.FromAddr)
		return false
	}
	if l.rateLimit > 0 {
		lim, ok := l.limiters[addr]
		if !ok {
			lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.rateLimit)), l.rateLimit)
			l.limiters[addr] = lim
		}
		if !lim.Allow() {
			l.logger.Warn("email rate-limited", "from", m.FromAddr, "subject", m.Subject)
			return false
		}
	}
	return true
}

func (l *Listener) normalize(m *Message) *channel.Message {
	subject := m.Subject
	if subject == "" {
		subject = noSubject
	}
	threadID := ThreadID(m.FromAddr, subject)

	l.logger.Info("email received",
		"from", m.FromAddr,
		"subject", subject,
		"thread_id", threadID,
	)

	text := fmt.Sprintf("**Email from:** %s\n**Subject:** %s\n\n%s",
		formatAddress(m.FromName, m.FromAddr), subject, m.Body())

	return &channel.Message{
		Channel:  channel.Email,
		Sender:   m.FromAddr,
		Text:     text,
		ThreadID: threadID,
		Reply:    l.reply(m, threadID),
	}
}

// ThreadID is the conversation thread for mail from addr with subject.
func ThreadID(addr, subject string) string {
	return "email:" + addr + ":" + subject
}

// ReplyLabel is the header placed above a reply relayed through the
// chat transport, naming the email it answers.
func ReplyLabel(m *Message) string {
	subject := m.Subject
	if subject == "" {
		subject = noSubject
	}
	return fmt.Sprintf("**Re: %s** (from %s)\n\n", subject, m.FromAddr)
}
