package pipe

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memConn is an in-memory Conn backed by a byte buffer, for testing
// without a real socket.
type memConn struct {
	mu     sync.Mutex
	r      *bytes.Reader
	w      bytes.Buffer
	closed bool
}

func newMemConn(data []byte) *memConn {
	return &memConn{r: bytes.NewReader(data)}
}

func (m *memConn) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.EOF
	}
	return m.r.Read(p)
}

func (m *memConn) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.w.Write(p)
}

func (m *memConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestReadLine_LFAndCRLF(t *testing.T) {
	conn := newMemConn([]byte("first\r\nsecond\nthird"))
	p := New(conn)

	line, err := p.ReadLine(0)
	require.NoError(t, err)
	assert.Equal(t, "first", line)

	line, err = p.ReadLine(0)
	require.NoError(t, err)
	assert.Equal(t, "second", line)

	// unterminated final fragment returned as last line on EOF
	line, err = p.ReadLine(0)
	require.NoError(t, err)
	assert.Equal(t, "third", line)
}

func TestReadLine_MaxExceeded(t *testing.T) {
	conn := newMemConn([]byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\n"))
	p := New(conn)

	_, err := p.ReadLine(8)
	require.Error(t, err)
}

func TestReadExact_ShortOnEOF(t *testing.T) {
	conn := newMemConn([]byte("abc"))
	p := New(conn)

	out, err := p.ReadExact(10)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), out)

	_, err = p.ReadExact(1)
	assert.Error(t, err)
}

func TestReadUntil_MultiByteDelimiterAcrossFills(t *testing.T) {
	conn := newMemConn([]byte("headerDELIMbody"))
	p := NewSize(conn, 8) // small buffer forces multiple fills

	out, err := p.ReadUntil([]byte("DELIM"), 1024)
	require.NoError(t, err)
	assert.Equal(t, "header", string(out))

	rest, err := p.Read(0)
	require.NoError(t, err)
	assert.Equal(t, "body", string(rest))
}

func TestPeekDoesNotConsume(t *testing.T) {
	conn := newMemConn([]byte("hello world"))
	p := New(conn)

	peeked, err := p.Peek(5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(peeked))

	line, err := p.ReadExact(11)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(line))
}

func TestWriteAndWriteLine(t *testing.T) {
	conn := newMemConn(nil)
	p := New(conn)

	require.NoError(t, p.Write([]byte("abc")))
	require.NoError(t, p.WriteLine("def"))

	assert.Equal(t, "abcdef\r\n", conn.w.String())
}

func TestCloseThenReadFails(t *testing.T) {
	conn := newMemConn([]byte("data"))
	p := New(conn)
	require.NoError(t, p.Close())

	_, err := p.ReadExact(1)
	assert.Error(t, err)
}
