package httpengine

import (
	"errors"
	"strconv"
	"strings"

	"github.com/nodegrove/apphost/internal/apperr"
)

// SSEMessage is one parsed Server-Sent Events record.
type SSEMessage struct {
	Event string
	ID    string
	Data  string // joined with "\n" for multi-line payloads
	Retry int
}

// SSE writes the response preamble that switches this connection into
// Server-Sent Events mode: a 200 response with the standard SSE
// headers, then flips protocol/state so subsequent writes go through
// SendSSE. It asserts a response has not already been sent.
func (e *Engine) SSE() error {
	if err := e.assertNotSent(); err != nil {
		return err
	}
	h := NewHeaders()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")

	var out []byte
	out = append(out, "HTTP/1.1 200 OK\r\n"...)
	h.Each(func(k, v string) {
		out = append(out, k...)
		out = append(out, ": "...)
		out = append(out, v...)
		out = append(out, "\r\n"...)
	})
	out = append(out, "\r\n"...)
	if err := e.pipe.Write(out); err != nil {
		return e.fail(apperr.KindIO, "engine.SSE", err)
	}

	e.mu.Lock()
	e.protocol = ProtocolSSE
	e.readState = StateUpgraded
	e.sent = true
	e.mu.Unlock()
	return nil
}

// SendSSE writes one SSE record: an optional "event:" line, optional
// "id:" line, one "data:" line per line of payload, then a blank line.
func (e *Engine) SendSSE(data string, event, id string) error {
	var out []byte
	if event != "" {
		out = append(out, "event: "...)
		out = append(out, event...)
		out = append(out, '\n')
	}
	if id != "" {
		out = append(out, "id: "...)
		out = append(out, id...)
		out = append(out, '\n')
	}
	for _, line := range strings.Split(data, "\n") {
		out = append(out, "data: "...)
		out = append(out, line...)
		out = append(out, '\n')
	}
	out = append(out, '\n')
	if err := e.pipe.Write(out); err != nil {
		return e.fail(apperr.KindIO, "engine.SendSSE", err)
	}
	return nil
}

// ReadSSE parses the next SSE record from the wire (client role). Lines
// starting with ":" are comments and are skipped. Returns
// (nil, io error) on stream failure; a nil, nil result never occurs —
// callers loop until an error terminates the stream.
func (e *Engine) ReadSSE() (*SSEMessage, error) {
	msg := &SSEMessage{}
	var dataLines []string
	sawAny := false

	for {
		line, err := e.pipe.ReadLine(DefaultMaxLine)
		if err != nil {
			return nil, e.fail(kindFor(err), "engine.ReadSSE", err)
		}
		if line == "" {
			if !sawAny {
				continue // ignore stray blank lines between records
			}
			msg.Data = strings.Join(dataLines, "\n")
			return msg, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		sawAny = true

		field, value := line, ""
		if idx := strings.IndexByte(line, ':'); idx >= 0 {
			field = line[:idx]
			value = strings.TrimPrefix(line[idx+1:], " ")
		}

		switch field {
		case "event":
			msg.Event = value
		case "id":
			msg.ID = value
		case "data":
			dataLines = append(dataLines, value)
		case "retry":
			if n, err := strconv.Atoi(value); err == nil {
				msg.Retry = n
			}
		default:
			return nil, e.fail(apperr.KindParse, "engine.ReadSSE", errors.New("unknown SSE field"))
		}
	}
}
