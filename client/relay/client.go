// Package relay is a client for the beacon signaling relay.
//
// A Client owns one websocket connection. Inbound announcements are read by a
// single goroutine and fanned out to Subscriptions, which are scoped to the
// connection's lifetime and closed with it. Replies to Request calls are
// matched by ack id and never reach subscribers.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/beacon/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultGreetingTimeout  = 5 * time.Second
	defaultWriteDeadline    = 5 * time.Second
	defaultCloseDeadline    = 2 * time.Second
	defaultReadLimit        = 1 << 20

	subscriptionBuffer = 256
)

var (
	ErrAuth     = errors.New("relay rejected credentials")
	ErrDial     = errors.New("cannot connect to relay")
	ErrGreeting = errors.New("relay did not greet")
	ErrClosed   = errors.New("relay connection closed")
	ErrRemote   = errors.New("relay error")
)

type Config struct {
	Logger *zerolog.Logger
	// URL of the relay signaling endpoint, e.g. ws://localhost:8888/signal.
	URL   string
	Token string
}

type Client struct {
	conn     *websocket.Conn
	logger   zerolog.Logger
	endpoint model.Endpoint

	wmx sync.Mutex

	mx      sync.Mutex
	subs    map[*Subscription]struct{}
	pending map[uint64]chan model.Announcement

	ack atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to the relay and waits for its greeting.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Join(ErrDial, err)
	}
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: defaultHandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrAuth
		}
		return nil, errors.Join(ErrDial, err)
	}
	conn.SetReadLimit(defaultReadLimit)

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	c := &Client{
		conn:    conn,
		logger:  logger.With().Str("component", "relay-client").Logger(),
		subs:    make(map[*Subscription]struct{}),
		pending: make(map[uint64]chan model.Announcement),
		done:    make(chan struct{}),
	}

	if err = c.greeting(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.logger = c.logger.With().Str("endpointID", c.endpoint.ID).Logger()
	c.logger.Debug().Str("userID", c.endpoint.User.ID).Msg("connected to relay")

	go c.readLoop()
	return c, nil
}

func (c *Client) greeting() error {
	if err := c.conn.SetReadDeadline(time.Now().Add(defaultGreetingTimeout)); err != nil {
		return errors.Join(ErrGreeting, err)
	}
	var ann model.Announcement
	if err := c.conn.ReadJSON(&ann); err != nil {
		return errors.Join(ErrGreeting, err)
	}
	if ann.Type != model.TypeConnected {
		return fmt.Errorf("%w: got %q", ErrGreeting, ann.Type)
	}
	var greeting model.Connected
	if err := ann.Decode(&greeting); err != nil {
		return errors.Join(ErrGreeting, err)
	}
	c.endpoint = model.Endpoint{ID: greeting.EndpointID, User: greeting.User}
	// relay pings keep the connection alive, so reads have no deadline
	return c.conn.SetReadDeadline(time.Time{})
}

// EndpointID returns the id the relay assigned to this connection.
func (c *Client) EndpointID() string {
	return c.endpoint.ID
}

func (c *Client) User() model.User {
	return c.endpoint.User
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, if it did.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Send posts a fire-and-forget announcement.
func (c *Client) Send(ctx context.Context, typ string, payload any) error {
	ann, err := model.NewAnnouncement(typ, payload)
	if err != nil {
		return err
	}
	return c.write(ctx, ann)
}

// Request posts an announcement and waits for the reply carrying the same ack.
// A relay error reply is returned as ErrRemote together with its message.
func (c *Client) Request(ctx context.Context, typ string, payload any) (model.Announcement, error) {
	ann, err := model.NewAnnouncement(typ, payload)
	if err != nil {
		return model.Announcement{}, err
	}
	ann.Ack = c.ack.Add(1)
	replyC := make(chan model.Announcement, 1)

	c.mx.Lock()
	c.pending[ann.Ack] = replyC
	c.mx.Unlock()
	defer func() {
		c.mx.Lock()
		delete(c.pending, ann.Ack)
		c.mx.Unlock()
	}()

	if err = c.write(ctx, ann); err != nil {
		return model.Announcement{}, err
	}
	select {
	case reply := <-replyC:
		if reply.Type == model.TypeError || reply.Type == model.TypeFileShareError {
			var msg model.ErrorMessage
			_ = reply.Decode(&msg)
			return reply, fmt.Errorf("%w: %s", ErrRemote, msg.Message)
		}
		return reply, nil
	case <-c.done:
		return model.Announcement{}, ErrClosed
	case <-ctx.Done():
		return model.Announcement{}, ctx.Err()
	}
}

// ProbeClock asks the relay for its current time in milliseconds.
func (c *Client) ProbeClock(ctx context.Context) (int64, error) {
	reply, err := c.Request(ctx, model.TypeGetServerTime, nil)
	if err != nil {
		return 0, err
	}
	var st model.ServerTime
	if err = reply.Decode(&st); err != nil {
		return 0, err
	}
	return st.ServerTimeMs, nil
}

func (c *Client) write(ctx context.Context, ann model.Announcement) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	deadline := time.Now().Add(defaultWriteDeadline)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.wmx.Lock()
	defer c.wmx.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.conn.WriteJSON(&ann); err != nil {
		return errors.Join(ErrClosed, err)
	}
	c.logger.Trace().Str("type", ann.Type).Uint64("ack", ann.Ack).Msg("announcement sent")
	return nil
}

func (c *Client) readLoop() {
	var err error
	defer func() { c.shutdown(err) }()

	for {
		var ann model.Announcement
		if err = c.conn.ReadJSON(&ann); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("relay closed connection")
			}
			return
		}
		c.logger.Trace().Str("type", ann.Type).Str("src", ann.SRC).Msg("announcement received")
		c.dispatch(ann)
	}
}

func (c *Client) dispatch(ann model.Announcement) {
	c.mx.Lock()
	defer c.mx.Unlock()

	if ann.Ack != 0 {
		if replyC, ok := c.pending[ann.Ack]; ok {
			replyC <- ann
			delete(c.pending, ann.Ack)
			return
		}
	}
	for sub := range c.subs {
		if !sub.wants(ann.Type) {
			continue
		}
		select {
		case sub.c <- ann:
		default:
			c.logger.Warn().Str("type", ann.Type).Msg("subscriber is full, announcement dropped")
		}
	}
}

// Close terminates the connection and every subscription.
func (c *Client) Close() error {
	c.wmx.Lock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(defaultCloseDeadline)); err == nil {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	c.wmx.Unlock()
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		if err == nil {
			err = ErrClosed
		}
		c.err = err
		_ = c.conn.Close()

		c.mx.Lock()
		for sub := range c.subs {
			close(sub.c)
			delete(c.subs, sub)
		}
		close(c.done)
		c.mx.Unlock()
	})
}
