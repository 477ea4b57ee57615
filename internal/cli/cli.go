// Package cli is Occam's terminal channel. On a terminal it runs an
// interactive prompt, one message per line; with piped input it sends
// all of stdin as a single message. Every CLI message shares one
// thread.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/nugget/occam-assistant/internal/channel"
)

// ThreadID is the thread every CLI message belongs to.
const ThreadID = "cli:local"

// Prompt is shown before each interactive line.
const Prompt = "occam> "

// Sender identifies CLI messages.
const Sender = "cli"

// Config holds the dependencies for a Listener.
type Config struct {
	In         io.Reader
	Out        io.Writer
	Dispatcher channel.Dispatcher
	Logger     *slog.Logger

	// Interactive overrides terminal detection when non-nil.
	Interactive *bool
}

// Listener reads messages from the terminal or a pipe.
type Listener struct {
	in          io.Reader
	out         io.Writer
	dispatcher  channel.Dispatcher
	logger      *slog.Logger
	interactive bool
}

// New creates a CLI listener. With no Interactive override, the
// listener is interactive when In is a terminal.
func New(cfg Config) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	in := cfg.In
	if in == nil {
		in = os.Stdin
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}

	interactive := isTerminal(in)
	if cfg.Interactive != nil {
		interactive = *cfg.Interactive
	}

	return &Listener{
		in:          in,
		out:         out,
		dispatcher:  cfg.Dispatcher,
		logger:      logger.With("component", "cli"),
		interactive: interactive,
	}
}

// Interactive reports whether the listener prompts line by line.
func (l *Listener) Interactive() bool { return l.interactive }

// Run reads input until exit, quit, end of input, or ctx is
// cancelled. Each message's reply is printed before the next prompt.
func (l *Listener) Run(ctx context.Context) error {
	if !l.interactive {
		return l.runPipe(ctx)
	}

	lr, restore, err := l.lineReader()
	if err != nil {
		return err
	}
	// The terminal must leave raw mode even when ctx ends while a read
	// is still blocked.
	restore = sync.OnceFunc(restore)
	defer context.AfterFunc(ctx, restore)()
	defer restore()

	for {
		line, err := lr.readLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}

		text := strings.TrimSpace(line)
		switch strings.ToLower(text) {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		if err := l.exchange(ctx, text, lr.output()); err != nil {
			return err
		}
	}
}

func (l *Listener) runPipe(ctx context.Context) error {
	data, err := io.ReadAll(l.in)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil
	}
	return l.exchange(ctx, text, l.out)
}

// exchange dispatches one message and waits for its reply.
func (l *Listener) exchange(ctx context.Context, text string, out io.Writer) error {
	done := make(chan struct{})
	var once sync.Once
	reply := channel.ReplierFunc(func(_ context.Context, text string) (channel.SendResult, error) {
		defer once.Do(func() { close(done) })
		if _, err := fmt.Fprintf(out, "\n%s\n\n", text); err != nil {
			return channel.SendResult{}, fmt.Errorf("write reply: %w", err)
		}
		return channel.SendResult{}, nil
	})
	l.dispatcher.Dispatch(&channel.Message{
		Channel:  channel.CLI,
		Sender:   Sender,
		Text:     text,
		ThreadID: ThreadID,
		Reply:    reply,
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return nil
	}
}

type lineReader interface {
	readLine() (string, error)
	output() io.Writer
}

// lineReader returns a reader for interactive input. On a real
// terminal it puts the terminal in raw mode for line editing; restore
// undoes that.
func (l *Listener) lineReader() (lineReader, func(), error) {
	f, ok := l.in.(*os.File)
	if ok && term.IsTerminal(int(f.Fd())) {
		state, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return nil, nil, fmt.Errorf("enter raw mode: %w", err)
		}
		t := term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{f, l.out}, Prompt)
		restore := func() { _ = term.Restore(int(f.Fd()), state) }
		return &termReader{t: t}, restore, nil
	}
	return &plainReader{sc: bufio.NewScanner(l.in), out: l.out}, func() {}, nil
}

type termReader struct{ t *term.Terminal }

func (r *termReader) readLine() (string, error) { return r.t.ReadLine() }
func (r *termReader) output() io.Writer          { return r.t }

type plainReader struct {
	sc  *bufio.Scanner
	out io.Writer
}

func (r *plainReader) readLine() (string, error) {
	fmt.Fprint(r.out, Prompt)
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.sc.Text(), nil
}

func (r *plainReader) output() io.Writer { return r.out }

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
