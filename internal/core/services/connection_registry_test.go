package services

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn implements Conn, recording writes and simulating failures.
type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	writeErr error
	closed   bool
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

func TestRegisterReplacesExistingConnection(t *testing.T) {
	r := NewConnectionRegistry(testLogger())

	first := &fakeConn{}
	second := &fakeConn{}

	r.Register("c1", first)
	r.Register("c1", second)

	assert.True(t, first.isClosed(), "stale connection is closed on replacement")
	assert.False(t, second.isClosed())
	assert.Equal(t, 1, r.Count())

	require.True(t, r.Send("c1", []byte("hello")))
	assert.Empty(t, first.messages())
	assert.Len(t, second.messages(), 1)
}

func TestUnregister(t *testing.T) {
	r := NewConnectionRegistry(testLogger())

	conn := &fakeConn{}
	r.Register("c1", conn)
	r.Unregister("c1")

	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, r.Count())

	// Unknown IDs are a no-op.
	r.Unregister("c1")
	r.Unregister("ghost")
}

func TestSendUnknownClient(t *testing.T) {
	r := NewConnectionRegistry(testLogger())
	assert.False(t, r.Send("ghost", []byte("x")))
}

func TestSendFailureDeregisters(t *testing.T) {
	r := NewConnectionRegistry(testLogger())

	conn := &fakeConn{writeErr: errors.New("broken pipe")}
	r.Register("c1", conn)

	assert.False(t, r.Send("c1", []byte("x")))
	assert.Equal(t, 0, r.Count(), "failed send removes the client")
	assert.True(t, conn.isClosed())
}

func TestBroadcastSurvivesFailingClient(t *testing.T) {
	r := NewConnectionRegistry(testLogger())

	healthy1 := &fakeConn{}
	broken := &fakeConn{writeErr: errors.New("broken pipe")}
	healthy2 := &fakeConn{}

	r.Register("a", healthy1)
	r.Register("b", broken)
	r.Register("c", healthy2)

	r.Broadcast([]byte("update"))

	assert.Len(t, healthy1.messages(), 1)
	assert.Len(t, healthy2.messages(), 1)
	assert.Equal(t, 2, r.Count(), "only the failing client is dropped")
}
