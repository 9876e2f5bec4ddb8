package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
)

const (
	roomsPath      = "rooms"
	maxMessageSize = 8 << 20
)

// WebsocketDialer connects to {BaseURL}/rooms/{room} over a websocket.
type WebsocketDialer struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// Dial opens a binary websocket connection to the room endpoint.
func (d WebsocketDialer) Dial(ctx context.Context, room string) (Conn, error) {
	endpoint, err := RoomURL(d.BaseURL, room)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("dial room %s: %w", room, err)
	}
	conn.SetReadLimit(maxMessageSize)
	return WrapWebsocket(conn), nil
}

// RoomURL maps an http(s) or ws(s) base URL to the room endpoint.
func RoomURL(base string, room string) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}
	return parsed.JoinPath(roomsPath, room).String(), nil
}

type websocketConn struct {
	conn *websocket.Conn
}

// WrapWebsocket adapts a websocket connection to Conn. Only binary messages are accepted.
func WrapWebsocket(conn *websocket.Conn) Conn {
	return &websocketConn{conn: conn}
}

func (c *websocketConn) Read(ctx context.Context) ([]byte, error) {
	for {
		messageType, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if messageType == websocket.MessageBinary {
			return data, nil
		}
	}
}

func (c *websocketConn) Write(ctx context.Context, message []byte) error {
	return c.conn.Write(ctx, websocket.MessageBinary, message)
}

func (c *websocketConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
