package shellyrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

var errConnClosed = errors.New("websocket connection closed")

// WSTransport keeps one WebSocket to ws://<addr>/rpc open and correlates
// responses to calls by frame id. It reconnects lazily after a failure.
type WSTransport struct {
	url string
	src string
	log zerolog.Logger

	nextID atomic.Int64

	mu   sync.Mutex
	conn *websocket.Conn
	// pending maps frame id -> response channel for the current connection.
	pending map[int64]chan Response
}

func NewWSTransport(addr string, log zerolog.Logger) *WSTransport {
	url := strings.TrimRight(strings.TrimSpace(addr), "/")
	switch {
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://"):
		url = "ws://" + url
	}
	if !strings.HasSuffix(url, "/rpc") {
		url += "/rpc"
	}
	return &WSTransport{
		url: url,
		src: DefaultSource,
		log: log.With().Str("component", "shelly-ws").Logger(),
	}
}

func (t *WSTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	conn, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}
	id := t.nextID.Add(1)
	ch := make(chan Response, 1)
	t.mu.Lock()
	if t.pending == nil || t.conn != conn {
		t.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, errConnClosed)
	}
	t.pending[id] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if t.pending != nil {
			delete(t.pending, id)
		}
		t.mu.Unlock()
	}()

	data, err := json.Marshal(Request{ID: id, Src: t.src, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.drop(conn, err)
		return nil, fmt.Errorf("%s: write: %w", method, err)
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: %w", method, errConnClosed)
		}
		return resp.unwrap()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the current connection, if any.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	t.drop(conn, errConnClosed)
	return conn.Close(websocket.StatusNormalClosure, "")
}

func (t *WSTransport) connect(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn, nil
	}
	conn, _, err := websocket.Dial(ctx, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.url, err)
	}
	t.conn = conn
	t.pending = make(map[int64]chan Response)
	go t.readLoop(conn)
	t.log.Debug().Str("url", t.url).Msg("websocket connected")
	return conn, nil
}

func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			t.drop(conn, err)
			return
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil || resp.ID == 0 {
			// Notifications (NotifyStatus, NotifyEvent) carry no id.
			continue
		}
		t.mu.Lock()
		if ch := t.pending[resp.ID]; ch != nil {
			select {
			case ch <- resp:
			default:
			}
		}
		t.mu.Unlock()
	}
}

// drop forgets conn and fails every call still waiting on it.
func (t *WSTransport) drop(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	pending := t.pending
	t.conn = nil
	t.pending = nil
	t.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	t.log.Debug().Err(cause).Msg("websocket dropped")
}
