// Package client connects a mirror.Mirror to a session websocket.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nstogner/sandbox/pkg/mirror"
	"github.com/nstogner/sandbox/pkg/protocol"
)

// ErrNotConnected is returned by Send while no websocket is open.
var ErrNotConnected = errors.New("not connected")

const (
	writeWait  = 10 * time.Second
	minBackoff = 250 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// Client is one logical connection to a session. Its id is stable across
// reconnects, so the server treats a reconnect as a reattachment.
type Client struct {
	url    string
	id     string
	mirror *mirror.Mirror
	dialer *websocket.Dialer

	mu sync.Mutex
	ws *websocket.Conn
}

// New creates a client for the session served at serverURL, which may use an
// http, https, ws or wss scheme. An empty clientID gets a generated one.
func New(serverURL, sessionID, clientID string, m *mirror.Mirror) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws", "":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if clientID == "" {
		clientID = uuid.New().String()
	}
	base := strings.TrimSuffix(u.Path, "/") + "/ws/"
	u.Path = base + sessionID
	u.RawPath = base + url.PathEscape(sessionID)
	u.RawQuery = url.Values{"client": {clientID}}.Encode()

	return &Client{
		url:    u.String(),
		id:     clientID,
		mirror: m,
		dialer: websocket.DefaultDialer,
	}, nil
}

// ID returns the stable connection id.
func (c *Client) ID() string { return c.id }

// Mirror returns the mirror fed by this client.
func (c *Client) Mirror() *mirror.Mirror { return c.mirror }

// Connect dials once and starts feeding the mirror. The returned channel is
// closed when the connection ends.
func (c *Client) Connect(ctx context.Context) (<-chan struct{}, error) {
	c.mirror.SetStatus(mirror.StatusConnecting)
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.mirror.SetStatus(mirror.StatusDisconnected)
		c.mirror.SetError(err.Error())
		return nil, fmt.Errorf("dialing %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	c.mirror.SetStatus(mirror.StatusConnected)

	done := make(chan struct{})
	go c.readLoop(ws, done)
	return done, nil
}

func (c *Client) readLoop(ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.mirror.SetError(err.Error())
			}
			break
		}
		if err := c.mirror.Handle(data); err != nil {
			slog.Debug("Dropped server frame", "error", err)
		}
	}

	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.mu.Unlock()
	ws.Close()
	c.mirror.SetStatus(mirror.StatusDisconnected)
}

// Run keeps the client connected until ctx is done, reconnecting with
// exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		done, err := c.Connect(ctx)
		if err == nil {
			backoff = minBackoff
			select {
			case <-ctx.Done():
				c.Close()
				<-done
				return ctx.Err()
			case <-done:
			}
		} else {
			slog.Debug("Connect failed", "error", err, "retryIn", backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// Send writes one protocol message.
func (c *Client) Send(msg protocol.Inbound) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close ends the current connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return nil
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		c.ws.Close()
	}
	return nil
}

// --- Message helpers ---

func (c *Client) Join(sessionID string) error {
	return c.Send(protocol.SessionJoin{SessionID: sessionID})
}

func (c *Client) SendMessage(content string) error {
	return c.Send(protocol.MessageSend{Content: content})
}

func (c *Client) UpdateInstructions(instructions string) error {
	return c.Send(protocol.InstructionsUpdate{Instructions: instructions})
}

func (c *Client) UpdateContext(ids []string) error {
	return c.Send(protocol.ContextUpdate{ContextIDs: ids})
}

func (c *Client) SelectModel(model string) error {
	return c.Send(protocol.ModelSelect{Model: model})
}

func (c *Client) UpdateTools(tools []string) error {
	return c.Send(protocol.ToolsUpdate{EnabledTools: tools})
}

func (c *Client) ExecuteStep() error { return c.Send(protocol.StepExecute{}) }

func (c *Client) RetryStep() error { return c.Send(protocol.StepRetry{}) }

func (c *Client) CreateBranch(name string) error {
	return c.Send(protocol.BranchCreate{Name: name})
}

func (c *Client) SwitchBranch(id string) error {
	return c.Send(protocol.BranchSwitch{BranchID: id})
}
