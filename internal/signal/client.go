package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/occam-assistant/internal/buildinfo"
	"github.com/nugget/occam-assistant/internal/config"
	"github.com/nugget/occam-assistant/internal/httpkit"
)

// maxAttachmentSize caps a single attachment download.
const maxAttachmentSize = 25 << 20

// ErrMalformedFrame is returned by [Conn.Receive] for a websocket
// message that is not a JSON envelope. The connection stays usable.
var ErrMalformedFrame = errors.New("malformed frame")

// Client talks to a signal-cli-rest-api gateway on behalf of one
// account number.
type Client struct {
	baseURL    string
	number     string
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger
}

// NewClient creates a gateway client. apiURL is the gateway root
// (e.g., "http://signal-api:8080") and number is the account in E.164
// form.
func NewClient(apiURL, number string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(apiURL, "/"),
		number:  number,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(60*time.Second),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  16 * 1024,
		},
		logger: logger.With("component", "signal_client"),
	}
}

// Number returns the account number the client acts for.
func (c *Client) Number() string { return c.number }

// Connect opens the receive websocket. readTimeout bounds each
// [Conn.Receive]; pings sent at a third of that interval keep an idle
// connection from tripping it.
func (c *Client) Connect(ctx context.Context, readTimeout time.Duration) (*Conn, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/v1/receive/" + url.PathEscape(c.number)

	header := http.Header{}
	header.Set("User-Agent", buildinfo.UserAgent())

	c.logger.Debug("connecting to signal gateway", "url", u.String())

	ws, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial websocket: HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	ws.SetReadLimit(4 << 20)

	conn := &Conn{
		ws:      ws,
		timeout: readTimeout,
		done:    make(chan struct{}),
		logger:  c.logger,
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})
	go conn.keepalive()
	return conn, nil
}

// Conn is an open receive websocket. Receive must be called from a
// single goroutine.
type Conn struct {
	ws      *websocket.Conn
	timeout time.Duration
	done    chan struct{}
	once    sync.Once
	logger  *slog.Logger
}

// Receive blocks for the next envelope. Any error other than
// [ErrMalformedFrame] means the connection is finished.
func (c *Conn) Receive() (*Envelope, error) {
	if c.timeout > 0 {
		if err := c.ws.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}

	c.logger.Log(context.Background(), config.LevelTrace, "signal frame", "raw", string(data))

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &f.Envelope, nil
}

// Close stops the keepalive and closes the socket.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) keepalive() {
	interval := c.timeout / 3
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				c.logger.Debug("signal ping failed", "error", err)
				return
			}
		}
	}
}

// SendOptions controls an outbound message.
type SendOptions struct {
	// Quote, when set, renders the reply as a quote of an earlier
	// message.
	Quote *Quote
}

// Send delivers text to the account's own number with notify_self set,
// so it appears in the owner's Note to Self conversation. It returns
// the gateway's timestamp for the sent message.
func (c *Client) Send(ctx context.Context, text string, opts SendOptions) (int64, error) {
	req := sendRequest{
		Message:    text,
		Number:     c.number,
		Recipients: []string{c.number},
		NotifySelf: true,
		TextMode:   "styled",
	}
	if q := opts.Quote; q != nil {
		req.QuoteTimestamp = q.ID
		req.QuoteAuthor = q.Author
		req.QuoteMessage = q.Text
	}

	var out sendResponse
	if err := c.postJSON(ctx, "/v2/send", req, &out); err != nil {
		return 0, fmt.Errorf("send: %w", err)
	}
	if out.Timestamp == 0 {
		return 0, errors.New("send: gateway returned no timestamp")
	}
	return int64(out.Timestamp), nil
}

// SendReceipt sends a read receipt for the message with the given
// timestamp.
func (c *Client) SendReceipt(ctx context.Context, recipient string, timestamp int64) error {
	req := receiptRequest{
		ReceiptType: "read",
		Recipient:   recipient,
		Timestamp:   timestamp,
	}
	if err := c.postJSON(ctx, "/v1/receipts/"+url.PathEscape(c.number), req, nil); err != nil {
		return fmt.Errorf("send receipt: %w", err)
	}
	return nil
}

// DownloadAttachment fetches the bytes of a stored attachment.
func (c *Client) DownloadAttachment(ctx context.Context, id string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/attachments/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download attachment %s: %w", id, err)
	}
	if err := httpkit.CheckStatus("signal", resp); err != nil {
		return nil, fmt.Errorf("download attachment %s: %w", id, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentSize+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment %s: %w", id, err)
	}
	if len(data) > maxAttachmentSize {
		return nil, fmt.Errorf("attachment %s exceeds %d bytes", id, maxAttachmentSize)
	}
	return data, nil
}

// Ping checks that the gateway answers GET /v1/about.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/about", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	if err := httpkit.CheckStatus("signal", resp); err != nil {
		return err
	}
	httpkit.Drain(resp.Body)
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if err := httpkit.CheckStatus("signal", resp); err != nil {
		return err
	}
	defer httpkit.Drain(resp.Body)

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
