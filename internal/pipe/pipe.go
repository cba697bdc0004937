// Package pipe implements the buffered, framed byte-stream reader/writer
// that every connection-oriented component (the HTTP engine, its
// WebSocket and SSE extensions) is built on top of.
//
// A Pipe owns exactly one underlying net.Conn-shaped stream. Reads are
// buffered and support three framing primitives — readExact, readLine,
// readUntil — plus peek/skip for lookahead without consuming. Writes are
// unbuffered and delegate straight to the connection, matching the
// reference design's choice to only buffer the read side.
package pipe

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/nodegrove/apphost/internal/apperr"
)

// DefaultBufferSize is the default backing buffer capacity.
const DefaultBufferSize = 4096

// DefaultMaxLine is the default max line length for readLine/readUntil.
const DefaultMaxLine = 65536

// Conn is the minimal stream contract a Pipe needs. net.Conn satisfies
// it; tests use an in-memory implementation.
type Conn interface {
	io.ReadWriteCloser
}

// Options configure socket-level behavior forwarded to SetOptions on
// connections that support it (net.TCPConn does).
type Options struct {
	KeepAlive bool
	NoDelay   bool
}

type optionSetter interface {
	SetKeepAlive(bool) error
}

type noDelaySetter interface {
	SetNoDelay(bool) error
}

// Pipe is a buffered reader/writer over one Conn.
type Pipe struct {
	mu       sync.Mutex
	conn     Conn
	buf      []byte
	start    int // first unread byte
	end      int // one past last buffered byte
	capacity int
	eof      bool
	closed   bool
}

// New wraps conn with a Pipe using the default buffer capacity.
func New(conn Conn) *Pipe {
	return NewSize(conn, DefaultBufferSize)
}

// NewSize wraps conn with a Pipe using a custom buffer capacity.
func NewSize(conn Conn, capacity int) *Pipe {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Pipe{
		conn:     conn,
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// SetOptions forwards keep-alive/no-delay hints to the underlying
// connection, if it supports them. Connections that don't (e.g. an
// in-memory test pipe) silently ignore the call.
func (p *Pipe) SetOptions(opts Options) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	if ka, ok := conn.(optionSetter); ok {
		if err := ka.SetKeepAlive(opts.KeepAlive); err != nil {
			return apperr.Wrap(apperr.KindIO, "pipe.SetOptions", err)
		}
	}
	if nd, ok := conn.(noDelaySetter); ok {
		if err := nd.SetNoDelay(opts.NoDelay); err != nil {
			return apperr.Wrap(apperr.KindIO, "pipe.SetOptions", err)
		}
	}
	return nil
}

func (p *Pipe) buffered() int { return p.end - p.start }

// compact moves unread bytes to offset 0.
func (p *Pipe) compact() {
	if p.start == 0 {
		return
	}
	n := copy(p.buf, p.buf[p.start:p.end])
	p.start = 0
	p.end = n
}

// fill reads at least one more chunk of bytes from the connection into
// the buffer, compacting first if needed. Returns apperr.ErrClosed once
// EOF has been observed and the buffer is empty.
func (p *Pipe) fill() error {
	if p.closed {
		return apperr.ErrClosed
	}
	p.compact()
	if p.end == p.capacity {
		// Buffer is full of unread data; grow it rather than stalling.
		grown := make([]byte, p.capacity*2)
		copy(grown, p.buf[:p.end])
		p.buf = grown
		p.capacity *= 2
	}
	n, err := p.conn.Read(p.buf[p.end:p.capacity])
	if n > 0 {
		p.end += n
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			p.eof = true
			if n == 0 {
				return apperr.ErrClosed
			}
			return nil
		}
		return apperr.Wrap(apperr.KindIO, "pipe.fill", err)
	}
	if n == 0 {
		// Some Conn implementations signal EOF via (0, nil).
		p.eof = true
		return apperr.ErrClosed
	}
	return nil
}

// ReadExact returns exactly n bytes, or fewer only if the stream hit EOF
// first (it returns whatever was read; it returns an error only if zero
// bytes were ever available).
func (p *Pipe) ReadExact(n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]byte, 0, n)
	for len(out) < n {
		if p.buffered() == 0 {
			if p.eof {
				break
			}
			if err := p.fill(); err != nil {
				if errors.Is(err, apperr.ErrClosed) {
					break
				}
				return nil, err
			}
			continue
		}
		take := n - len(out)
		if take > p.buffered() {
			take = p.buffered()
		}
		out = append(out, p.buf[p.start:p.start+take]...)
		p.start += take
	}
	if len(out) == 0 && n > 0 {
		return nil, apperr.ErrClosed
	}
	return out, nil
}

// Read returns whatever is already buffered if size==0 (or one fill's
// worth if nothing is buffered), otherwise it behaves like ReadExact.
func (p *Pipe) Read(size int) ([]byte, error) {
	if size > 0 {
		return p.ReadExact(size)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.buffered() == 0 {
		if p.eof {
			return nil, apperr.ErrClosed
		}
		if err := p.fill(); err != nil {
			return nil, err
		}
	}
	out := append([]byte(nil), p.buf[p.start:p.end]...)
	p.start = p.end
	return out, nil
}

// ReadLine returns text up to (excluding) the next "\n" or "\r\n". On
// EOF with an unterminated trailing fragment, that fragment is returned
// as the final line. Returns a parse error if max is exceeded first.
func (p *Pipe) ReadLine(max int) (string, error) {
	if max <= 0 {
		max = DefaultMaxLine
	}
	line, err := p.readUntilByte('\n', max)
	if err != nil {
		return "", err
	}
	line = bytes.TrimSuffix(line, []byte("\r"))
	return string(line), nil
}

func (p *Pipe) readUntilByte(delim byte, max int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if idx := bytes.IndexByte(p.buf[p.start:p.end], delim); idx >= 0 {
			if idx > max {
				return nil, apperr.New(apperr.KindParse, "pipe.ReadLine", errors.New("line exceeds max length"))
			}
			line := append([]byte(nil), p.buf[p.start:p.start+idx]...)
			p.start += idx + 1
			return line, nil
		}
		if p.buffered() >= max {
			return nil, apperr.New(apperr.KindParse, "pipe.ReadLine", errors.New("line exceeds max length"))
		}
		if p.eof {
			if p.buffered() == 0 {
				return nil, apperr.ErrClosed
			}
			line := append([]byte(nil), p.buf[p.start:p.end]...)
			p.start = p.end
			return line, nil
		}
		if err := p.fill(); err != nil {
			if errors.Is(err, apperr.ErrClosed) {
				if p.buffered() == 0 {
					return nil, apperr.ErrClosed
				}
				continue
			}
			return nil, err
		}
	}
}

// ReadUntil returns bytes up to (excluding) the next occurrence of the
// non-empty delimiter delim. The internal buffer always retains
// len(delim)-1 bytes across fills so a delimiter straddling two reads is
// never missed.
func (p *Pipe) ReadUntil(delim []byte, max int) ([]byte, error) {
	if len(delim) == 0 {
		return nil, apperr.New(apperr.KindParse, "pipe.ReadUntil", errors.New("empty delimiter"))
	}
	if len(delim) == 1 {
		return p.readUntilByte(delim[0], max)
	}
	if max <= 0 {
		max = DefaultMaxLine
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if idx := bytes.Index(p.buf[p.start:p.end], delim); idx >= 0 {
			out := append([]byte(nil), p.buf[p.start:p.start+idx]...)
			p.start += idx + len(delim)
			return out, nil
		}
		if p.buffered() >= max {
			return nil, apperr.New(apperr.KindParse, "pipe.ReadUntil", errors.New("delimiter not found before max"))
		}
		if p.eof {
			if p.buffered() == 0 {
				return nil, apperr.ErrClosed
			}
			out := append([]byte(nil), p.buf[p.start:p.end]...)
			p.start = p.end
			return out, nil
		}
		if err := p.fill(); err != nil {
			if errors.Is(err, apperr.ErrClosed) {
				if p.buffered() == 0 {
					return nil, apperr.ErrClosed
				}
				continue
			}
			return nil, err
		}
	}
}

// Peek returns up to n bytes without consuming them.
func (p *Pipe) Peek(n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.buffered() < n && !p.eof {
		if err := p.fill(); err != nil {
			if errors.Is(err, apperr.ErrClosed) {
				break
			}
			return nil, err
		}
	}
	take := n
	if take > p.buffered() {
		take = p.buffered()
	}
	return append([]byte(nil), p.buf[p.start:p.start+take]...), nil
}

// Skip discards up to n buffered/fetched bytes.
func (p *Pipe) Skip(n int) error {
	_, err := p.ReadExact(n)
	return err
}

// Write writes bytes directly to the connection (unbuffered).
func (p *Pipe) Write(data []byte) error {
	p.mu.Lock()
	conn := p.conn
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return apperr.ErrClosed
	}
	_, err := conn.Write(data)
	return apperr.Wrap(apperr.KindIO, "pipe.Write", err)
}

// WriteLine writes text followed by CRLF.
func (p *Pipe) WriteLine(text string) error {
	return p.Write([]byte(text + "\r\n"))
}

// Close closes the underlying connection.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conn := p.conn
	p.mu.Unlock()
	return apperr.Wrap(apperr.KindIO, "pipe.Close", conn.Close())
}

// Shutdown is an alias for Close; the reference distinguishes a
// half-close from a full close, but a plain io.ReadWriteCloser has no
// such distinction, so both collapse to Close here. Connections that
// support a real half-close (e.g. *net.TCPConn) can be extended via a
// type assertion at the call site if needed later.
func (p *Pipe) Shutdown() error {
	return p.Close()
}

// Closed reports whether Close has been called or EOF has been seen.
func (p *Pipe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed || (p.eof && p.buffered() == 0)
}
