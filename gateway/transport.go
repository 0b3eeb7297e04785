package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport adapts a gorilla websocket connection to registry.Transport.
// gorilla connections panic on concurrent writes, so every write path (data,
// ping, close frame) is serialized through writeMutex.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMutex   sync.Mutex
}

func newWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *wsTransport) Send(data []byte) error {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Ping() error {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

func (t *wsTransport) Close() error {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}
