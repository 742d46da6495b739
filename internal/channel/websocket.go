// Package channel provides the duplex websocket connection between a render
// session and its encoder.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/cutline/render/internal/model"
)

// ErrClosed is reported by Err after Close
var ErrClosed = errors.New("channel closed")

// DialOptions bound how long a session waits for its channel
type DialOptions struct {
	HandshakeTimeout time.Duration
	Retries          int
	RetryInterval    time.Duration
	Header           http.Header
}

// Conn is a websocket-backed encoder.Channel
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[int]func(model.RPCAck)
	nextID int

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// EndpointURL builds the encoder websocket URL for a session token
func EndpointURL(baseURL, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid encoder base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported encoder URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/encoder/" + url.PathEscape(token)
	return u.String(), nil
}

// Dial connects to rawURL and returns only once the handshake succeeded.
// Handshake failures are retried with exponential backoff; 4xx rejections are not.
func Dial(ctx context.Context, rawURL string, opts DialOptions) (*Conn, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}

	attempt := 0
	op := func() (*websocket.Conn, error) {
		attempt++
		ws, resp, err := dialer.DialContext(ctx, rawURL, opts.Header)
		if err != nil {
			log.Printf("[Channel] connect #%d to %s failed: %v", attempt, rawURL, err)
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, backoff.Permanent(fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err))
			}
			return nil, err
		}
		return ws, nil
	}

	b := backoff.NewExponentialBackOff()
	if opts.RetryInterval > 0 {
		b.InitialInterval = opts.RetryInterval
	}
	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}

	ws, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(retries+1)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect encoder channel: %w", err)
	}

	c := &Conn{
		ws:   ws,
		subs: make(map[int]func(model.RPCAck)),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send writes one request envelope
func (c *Conn) Send(ctx context.Context, req model.RPCRequest) error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(req)
}

// Subscribe registers fn for every acknowledgment until unsubscribed
func (c *Conn) Subscribe(fn func(model.RPCAck)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Done is closed once the connection is gone
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, if it did
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
		return nil
	}
}

// Close sends a normal close frame and releases the socket
func (c *Conn) Close() error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()

	err := c.ws.Close()
	c.shutdown(ErrClosed)
	return err
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[Channel] read error: %v", err)
			}
			c.shutdown(err)
			return
		}

		var ack model.RPCAck
		if err := json.Unmarshal(data, &ack); err != nil {
			log.Printf("[Channel] ignoring malformed acknowledgment: %v", err)
			continue
		}

		c.mu.Lock()
		subs := make([]func(model.RPCAck), 0, len(c.subs))
		for _, fn := range c.subs {
			subs = append(subs, fn)
		}
		c.mu.Unlock()

		for _, fn := range subs {
			fn(ack)
		}
	}
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Conn) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}
