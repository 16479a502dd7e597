package monitor

import (
	"context"
	"time"

	ws "github.com/coder/websocket"
)

const (
	feedSendBuffer   = 16
	feedPingInterval = 30 * time.Second
)

// feedClient is one dashboard socket attached to the feed.
type feedClient struct {
	feed *Feed
	conn *ws.Conn
	send chan []byte
}

func newFeedClient(feed *Feed, conn *ws.Conn) *feedClient {
	return &feedClient{
		feed: feed,
		conn: conn,
		send: make(chan []byte, feedSendBuffer),
	}
}

// run registers the client, starts the write pump, and blocks reading
// until the connection closes.
func (c *feedClient) run(ctx context.Context) {
	c.feed.register(c)
	defer c.feed.unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readPump(ctx)
}

// readPump discards incoming frames; the stream is one-way. It returns
// when the connection closes.
func (c *feedClient) readPump(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

func (c *feedClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(feedPingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
