package httpengine

import (
	"errors"
	"strconv"
	"strings"

	"github.com/nodegrove/apphost/internal/apperr"
)

// maxBodyChunk bounds a single fixed-length read, per spec
// (min(remaining, 65536)).
const maxBodyChunk = 65536

// ReadBody returns the next slice of body bytes, or nil with no error
// once the body (and any trailer) has been fully consumed (State() ==
// StateDone). It must be called repeatedly until the body is drained.
func (e *Engine) ReadBody() ([]byte, error) {
	e.mu.Lock()
	state := e.readState
	chunked := e.chunked
	e.mu.Unlock()

	switch state {
	case StateDone:
		return nil, nil
	case StateTrailer:
		if err := e.readTrailer(); err != nil {
			return nil, e.fail(kindFor(err), "engine.ReadBody", err)
		}
		return nil, nil
	case StateBody:
		if chunked {
			return e.readChunk()
		}
		return e.readFixed()
	default:
		return nil, apperr.New(apperr.KindProtocol, "engine.ReadBody", errors.New("no body to read in current state"))
	}
}

// ReadBodyAll drains the entire body (bounded by limit bytes; limit<=0
// means unbounded) by repeatedly calling ReadBody.
func (e *Engine) ReadBodyAll(limit int64) ([]byte, error) {
	var out []byte
	for {
		chunk, err := e.ReadBody()
		if err != nil {
			return nil, err
		}
		if chunk == nil && e.State() == StateDone {
			return out, nil
		}
		out = append(out, chunk...)
		if limit > 0 && int64(len(out)) > limit {
			return nil, apperr.New(apperr.KindProtocol, "engine.ReadBodyAll", errors.New("body exceeds limit"))
		}
	}
}

func (e *Engine) readFixed() ([]byte, error) {
	if e.bodyRemaining == 0 {
		e.mu.Lock()
		e.readState = StateDone
		e.mu.Unlock()
		e.events.Emit("readDone", nil)
		return nil, nil
	}
	want := e.bodyRemaining
	if want > maxBodyChunk {
		want = maxBodyChunk
	}
	data, err := e.pipe.ReadExact(int(want))
	if err != nil {
		return nil, e.fail(kindFor(err), "engine.readFixed", err)
	}
	e.bodyRemaining -= int64(len(data))
	if e.bodyRemaining < 0 {
		e.bodyRemaining = 0
	}
	if e.bodyRemaining == 0 {
		e.mu.Lock()
		e.readState = StateDone
		e.mu.Unlock()
		e.events.Emit("readDone", nil)
	}
	return data, nil
}

func (e *Engine) readChunk() ([]byte, error) {
	sizeLine, err := e.pipe.ReadLine(64)
	if err != nil {
		return nil, e.fail(kindFor(err), "engine.readChunk", err)
	}
	sizeLine = strings.TrimSpace(strings.SplitN(sizeLine, ";", 2)[0]) // drop chunk-extensions
	size, err := strconv.ParseInt(sizeLine, 16, 64)
	if err != nil || size < 0 {
		return nil, e.fail(apperr.KindParse, "engine.readChunk", errors.New("malformed chunk size"))
	}

	if size == 0 {
		// last-chunk = "0" CRLF trailer-part CRLF. The size line already
		// consumed its own CRLF; when no trailer is expected, the body
		// ends with exactly one more CRLF (the empty trailer-part). When
		// a trailer is expected, its header block supplies the
		// terminating blank line instead, so no extra CRLF is consumed
		// here.
		if !e.expectTrailer {
			crlf, err := e.pipe.ReadExact(2)
			if err != nil {
				return nil, e.fail(kindFor(err), "engine.readChunk", err)
			}
			if string(crlf) != "\r\n" {
				return nil, e.fail(apperr.KindParse, "engine.readChunk", errors.New("missing terminating CRLF"))
			}
		}
		e.mu.Lock()
		if e.expectTrailer {
			e.readState = StateTrailer
		} else {
			e.readState = StateDone
		}
		e.mu.Unlock()
		if e.State() == StateDone {
			e.events.Emit("readDone", nil)
		}
		return nil, nil
	}

	data, err := e.pipe.ReadExact(int(size))
	if err != nil {
		return nil, e.fail(kindFor(err), "engine.readChunk", err)
	}
	if len(data) != int(size) {
		return nil, e.fail(apperr.KindIO, "engine.readChunk", errors.New("premature EOF mid-chunk"))
	}
	crlf, err := e.pipe.ReadExact(2)
	if err != nil || string(crlf) != "\r\n" {
		return nil, e.fail(apperr.KindParse, "engine.readChunk", errors.New("missing trailing CRLF after chunk"))
	}
	return data, nil
}

func (e *Engine) readTrailer() error {
	trailers, err := e.readHeaderBlock()
	if err != nil {
		return err
	}
	e.trailers = trailers
	e.mu.Lock()
	e.readState = StateDone
	e.mu.Unlock()
	e.events.Emit("readDone", nil)
	return nil
}

// Trailers returns trailer headers read after a chunked body, if any.
func (e *Engine) Trailers() *Headers { return e.trailers }
