package client

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/codesync/codesync/model"
)

const (
	defaultDialTimeout   = 3 * time.Second
	defaultWriteDeadline = 5 * time.Second
	defaultCloseDeadline = 2 * time.Second
)

// Conn is the websocket Transport implementation.
type Conn struct {
	conn      *websocket.Conn
	events    chan model.Event
	writeMx   sync.Mutex
	closeOnce sync.Once
	logger    zerolog.Logger
}

// Dial connects to the relay's /ws endpoint and starts reading events.
func Dial(ctx context.Context, url string, logger *zerolog.Logger) (*Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: defaultDialTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	c := &Conn{
		conn:   conn,
		events: make(chan model.Event),
		logger: logger.With().Str("component", "transport").Logger(),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) Send(ev model.Event) error {
	c.writeMx.Lock()
	defer c.writeMx.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	return c.conn.WriteJSON(&ev)
}

func (c *Conn) Events() <-chan model.Event {
	return c.events
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMx.Lock()
		if dErr := c.conn.SetWriteDeadline(time.Now().Add(defaultCloseDeadline)); dErr == nil {
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		}
		c.writeMx.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		var ev model.Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("connection closed")
			} else {
				c.logger.Warn().Err(err).Msg("read failed")
			}
			return
		}
		c.events <- ev
	}
}
