package ws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"scenecollab/server/internal/net/proto"
	"scenecollab/server/internal/telemetry"
)

const (
	// DefaultPresenceRate caps presence frames per second. Replica updates
	// are never throttled.
	DefaultPresenceRate  = 20
	DefaultPresenceBurst = 5
)

// ErrClientClosed is returned by Send after Close.
var ErrClientClosed = errors.New("client closed")

// ClientConfig configures Dial.
type ClientConfig struct {
	// URL is the relay's websocket endpoint, e.g. ws://host/ws.
	URL      string
	Room     string
	ClientID string
	Dialer   *websocket.Dialer
	Logger   telemetry.Logger

	PresenceRate  rate.Limit
	PresenceBurst int
}

// Client is a peer connection to the relay. It implements session.Transport.
type Client struct {
	cfg    ClientConfig
	conn   *websocket.Conn
	logger telemetry.Logger

	writeMu sync.Mutex

	limiter   *rate.Limiter
	pmu       sync.Mutex
	pending   *proto.Envelope
	flushWait *time.Timer

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the relay room named in cfg.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Room == "" || cfg.ClientID == "" {
		return nil, errors.New("room and client id are required")
	}
	endpoint, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	query := endpoint.Query()
	query.Set("room", cfg.Room)
	query.Set("client", cfg.ClientID)
	endpoint.RawQuery = query.Encode()

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	if cfg.PresenceRate <= 0 {
		cfg.PresenceRate = DefaultPresenceRate
	}
	if cfg.PresenceBurst <= 0 {
		cfg.PresenceBurst = DefaultPresenceBurst
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	return &Client{
		cfg:     cfg,
		conn:    conn,
		logger:  logger,
		limiter: rate.NewLimiter(cfg.PresenceRate, cfg.PresenceBurst),
		closed:  make(chan struct{}),
	}, nil
}

func (c *Client) ClientID() string { return c.cfg.ClientID }

// Send writes env to the relay. Presence frames over the rate limit are
// coalesced: only the newest is sent once the limiter allows it.
func (c *Client) Send(env proto.Envelope) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}
	if env.Type != proto.TypePresence {
		return c.write(env)
	}

	c.pmu.Lock()
	if c.flushWait != nil {
		c.pending = &env
		c.pmu.Unlock()
		return nil
	}
	if c.limiter.Allow() {
		c.pmu.Unlock()
		return c.write(env)
	}
	c.pending = &env
	delay := c.limiter.Reserve().Delay()
	c.flushWait = time.AfterFunc(delay, c.flushPresence)
	c.pmu.Unlock()
	return nil
}

func (c *Client) flushPresence() {
	c.pmu.Lock()
	env := c.pending
	c.pending = nil
	c.flushWait = nil
	c.pmu.Unlock()
	if env == nil {
		return
	}
	if err := c.write(*env); err != nil {
		c.logger.Printf("client %s: flush presence: %v", c.cfg.ClientID, err)
	}
}

func (c *Client) write(env proto.Envelope) error {
	if env.Room == "" {
		env.Room = c.cfg.Room
	}
	if env.From == "" {
		env.From = c.cfg.ClientID
	}
	data, err := proto.Encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Run delivers every inbound envelope to handle until ctx is cancelled or
// the connection fails. Envelopes the handler rejects are logged and
// skipped.
func (c *Client) Run(ctx context.Context, handle func(proto.Envelope) error) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read from relay: %w", err)
		}
		env, err := proto.Decode(data)
		if err != nil {
			c.logger.Printf("client %s: discarding frame: %v", c.cfg.ClientID, err)
			continue
		}
		if err := handle(env); err != nil {
			c.logger.Printf("client %s: handle %s from %s: %v", c.cfg.ClientID, env.Type, env.From, err)
		}
	}
}

// Close flushes a coalesced presence frame and closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.pmu.Lock()
		if c.flushWait != nil {
			c.flushWait.Stop()
			c.flushWait = nil
		}
		env := c.pending
		c.pending = nil
		c.pmu.Unlock()
		if env != nil {
			if werr := c.write(*env); werr != nil {
				c.logger.Printf("client %s: final presence: %v", c.cfg.ClientID, werr)
			}
		}

		close(c.closed)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
