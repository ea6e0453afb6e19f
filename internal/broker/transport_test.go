package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// fakeTransport is an in-memory Transport for tests. Frames pushed with
// push() come out of ReadMessage; frames written by the code under test
// are collected in sent.
type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	in     chan []byte
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 16)}
}

func (f *fakeTransport) push(data []byte) {
	f.in <- data
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	data, ok := <-f.in
	if !ok {
		return 0, nil, fmt.Errorf("transport closed")
	}
	return websocket.TextMessage, data, nil
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("transport closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error {
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.in)
	}
	return nil
}

func (f *fakeTransport) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	frames := make([][]byte, len(f.sent))
	copy(frames, f.sent)
	return frames
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestConn(serial, sourceHost string) (*Conn, *fakeTransport) {
	transport := newFakeTransport()
	conn := NewConn(transport, serial, "ocpp1.6", sourceHost+":50000", sourceHost)
	conn.SetState(StateOpen)
	return conn, transport
}
