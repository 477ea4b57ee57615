package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// maxRawMessageSize is the most of one RFC 822 literal that is
// buffered; the remainder is drained unread.
const maxRawMessageSize = 5 * 1024 * 1024

// IMAPConfig describes the mailbox to poll.
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string

	// TLS selects implicit TLS (port 993). Plain connections are only
	// for local test servers.
	TLS bool
}

// Client is a single-account IMAP client with lazy connection,
// reconnect on a failed NOOP, and mutex-serialized access.
type Client struct {
	cfg    IMAPConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *imapclient.Client
}

// NewClient creates an IMAP client. The connection is established on
// first use.
func NewClient(cfg IMAPConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "imap"),
	}
}

// connectLocked dials and logs in, replacing any existing connection.
// Caller must hold c.mu.
func (c *Client) connectLocked() error {
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	var (
		client *imapclient.Client
		err    error
	)
	if c.cfg.TLS {
		client, err = imapclient.DialTLS(addr, &imapclient.Options{
			TLSConfig: &tls.Config{ServerName: c.cfg.Host},
		})
	} else {
		client, err = imapclient.DialInsecure(addr, &imapclient.Options{})
	}
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	if err := imapLogin(client, c.cfg.Username, c.cfg.Password); err != nil {
		_ = client.Close()
		return fmt.Errorf("login as %s: %w", c.cfg.Username, err)
	}

	c.client = client
	c.logger.Info("IMAP connected", "host", c.cfg.Host, "user", c.cfg.Username)
	return nil
}

// ensureConnected reconnects when there is no connection or a NOOP
// fails. Caller must hold c.mu.
func (c *Client) ensureConnected() error {
	if c.client != nil {
		if err := c.client.Noop().Wait(); err == nil {
			return nil
		}
		c.logger.Debug("IMAP connection stale, reconnecting")
	}
	return c.connectLocked()
}

// Ping checks that the IMAP connection is alive.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConnected()
}

// Close logs out and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// FetchUnseen returns every message in INBOX without the \Seen flag,
// oldest first. Fetching the body marks each message \Seen on the
// server, so a message is returned by at most one call.
func (c *Client) FetchUnseen(ctx context.Context) ([]*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(); err != nil {
		return nil, err
	}

	if _, err := c.client.Select("INBOX", nil).Wait(); err != nil {
		return nil, fmt.Errorf("select INBOX: %w", err)
	}

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	searchData, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search unseen: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}

	fetchCmd := c.client.Fetch(uidSet, &imap.FetchOptions{
		UID:      true,
		Envelope: true,
		BodySection: []*imap.FetchItemBodySection{
			{Peek: false},
		},
	})

	var out []*Message
	for {
		data := fetchCmd.Next()
		if data == nil {
			break
		}
		msg, err := c.readFetched(data)
		if err != nil {
			c.logger.Warn("skipping message", "error", err)
			continue
		}
		out = append(out, msg)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch unseen: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

// readFetched assembles a Message from one FETCH response. The body
// literal is consumed as soon as it is seen; go-imap/v2 streams it and
// advancing past it loses the data.
func (c *Client) readFetched(data *imapclient.FetchMessageData) (*Message, error) {
	msg := &Message{}
	var raw []byte

	for {
		item := data.Next()
		if item == nil {
			break
		}
		switch it := item.(type) {
		case imapclient.FetchItemDataUID:
			msg.UID = uint32(it.UID)
		case imapclient.FetchItemDataEnvelope:
			if env := it.Envelope; env != nil {
				msg.Date = env.Date
				msg.Subject = env.Subject
				msg.MessageID = env.MessageID
				if len(env.From) > 0 {
					msg.FromName = env.From[0].Name
					msg.FromAddr = env.From[0].Addr()
				}
			}
		case imapclient.FetchItemDataBodySection:
			if it.Literal == nil {
				continue
			}
			var err error
			raw, err = io.ReadAll(io.LimitReader(it.Literal, maxRawMessageSize))
			drainLiteral(it.Literal)
			if err != nil {
				c.logger.Debug("error reading body literal", "uid", msg.UID, "error", err)
				raw = nil
			}
		}
	}

	if msg.UID == 0 {
		return nil, fmt.Errorf("message missing UID")
	}
	if raw != nil {
		if err := parseBody(msg, bytes.NewReader(raw), c.logger); err != nil {
			c.logger.Debug("body parse error", "uid", msg.UID, "error", err)
		}
	}
	return msg, nil
}
