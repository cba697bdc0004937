// Package console implements each app's bounded log console: a FIFO
// buffer of formatted messages with printf-style substitution, HTML
// rendering, and push/overflow/clear notifications.
package console

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/nodegrove/apphost/internal/bus"
)

// DefaultCapacity is the console's default bounded size, per spec.
const DefaultCapacity = 20

// Message is one console entry. JSON field names follow the wire format
// consumed by GET /@api/logs/:name: level, message (the raw args),
// error, html, uuid.
type Message struct {
	ID        string    `json:"uuid"`
	Level     string    `json:"level"` // "log", "info", "warn", "error", "debug"
	Args      []any     `json:"message"`
	Text      string    `json:"text"` // plain-text rendering
	HTML      string    `json:"html"` // sanitized HTML rendering, newlines as <br>
	IsError   bool      `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Console is a bounded FIFO of log Messages for one app instance.
type Console struct {
	mu        sync.Mutex
	capacity  int
	messages  []Message
	events    *bus.Bus
	sanitizer *bluemonday.Policy
}

// New creates a Console holding at most capacity messages (DefaultCapacity
// if capacity <= 0).
func New(capacity int) *Console {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Console{
		capacity:  capacity,
		events:    bus.New(),
		sanitizer: bluemonday.NewPolicy().AllowElements("br", "pre"),
	}
}

// On subscribes to "push", "overflow", or "clear".
func (c *Console) On(event string, fn bus.Handler) func() { return c.events.On(event, fn) }

// Log formats args under level and appends the resulting Message,
// evicting the oldest entry first if the console is at capacity.
func (c *Console) Log(level string, args ...any) Message {
	text, html := format(args)
	msg := Message{
		ID:        uuid.NewString(),
		Level:     level,
		Args:      args,
		Text:      text,
		HTML:      c.sanitizer.Sanitize(html),
		IsError:   level == "error",
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	if len(c.messages) >= c.capacity {
		evicted := c.messages[0]
		c.messages = append(c.messages[1:], msg)
		c.mu.Unlock()
		c.events.Emit("overflow", evicted)
		c.events.Emit("push", msg)
		return msg
	}
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	c.events.Emit("push", msg)
	return msg
}

// Snapshot returns a copy of the current buffered messages, oldest
// first.
func (c *Console) Snapshot() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Clear empties the console and emits "clear" with the pre-clear
// snapshot.
func (c *Console) Clear() {
	c.mu.Lock()
	snapshot := make([]Message, len(c.messages))
	copy(snapshot, c.messages)
	c.messages = nil
	c.mu.Unlock()
	c.events.Emit("clear", snapshot)
}

// format renders args into a plain-text line and an HTML line. If the
// first argument is a string containing printf-style directives
// (%s %d %i %f %o %O %c), it is used as a format template consuming the
// remaining args positionally; %c consumes one argument silently (a CSS
// styling hook with no textual output). Otherwise every argument is
// rendered space-joined, with object/slice/map values pretty-printed as
// JSON inside a <pre> block in the HTML rendering.
func format(args []any) (text, html string) {
	if len(args) > 0 {
		if tmpl, ok := args[0].(string); ok && strings.ContainsRune(tmpl, '%') {
			if t, h, ok := formatTemplate(tmpl, args[1:]); ok {
				return t, h
			}
		}
	}

	var textParts, htmlParts []string
	for _, a := range args {
		switch a.(type) {
		case string, int, int32, int64, float32, float64, bool, nil:
			s := fmt.Sprint(a)
			textParts = append(textParts, s)
			htmlParts = append(htmlParts, escapeHTML(s))
		default:
			pretty := prettyJSON(a)
			textParts = append(textParts, pretty)
			htmlParts = append(htmlParts, "<pre>"+escapeHTML(pretty)+"</pre>")
		}
	}
	text = strings.Join(textParts, " ")
	html = newlinesToBR(strings.Join(htmlParts, " "))
	return text, html
}

// formatTemplate substitutes %s/%d/%i/%f/%o/%O/%c directives in tmpl
// with rest, returning ok=false if tmpl references more arguments than
// were supplied (the caller then falls back to plain space-joining).
func formatTemplate(tmpl string, rest []any) (text, html string, ok bool) {
	var textOut, htmlOut strings.Builder
	argIdx := 0
	next := func() (any, bool) {
		if argIdx >= len(rest) {
			return nil, false
		}
		v := rest[argIdx]
		argIdx++
		return v, true
	}

	i := 0
	for i < len(tmpl) {
		ch := tmpl[i]
		if ch != '%' || i == len(tmpl)-1 {
			textOut.WriteByte(ch)
			htmlOut.WriteString(escapeHTML(string(ch)))
			i++
			continue
		}
		verb := tmpl[i+1]
		i += 2
		switch verb {
		case 's':
			v, got := next()
			if !got {
				return "", "", false
			}
			s := fmt.Sprint(v)
			textOut.WriteString(s)
			htmlOut.WriteString(escapeHTML(s))
		case 'd', 'i':
			v, got := next()
			if !got {
				return "", "", false
			}
			s := formatInt(v)
			textOut.WriteString(s)
			htmlOut.WriteString(escapeHTML(s))
		case 'f':
			v, got := next()
			if !got {
				return "", "", false
			}
			s := formatFloat(v)
			textOut.WriteString(s)
			htmlOut.WriteString(escapeHTML(s))
		case 'o', 'O':
			v, got := next()
			if !got {
				return "", "", false
			}
			pretty := prettyJSON(v)
			textOut.WriteString(pretty)
			htmlOut.WriteString("<pre>" + escapeHTML(pretty) + "</pre>")
		case 'c':
			// CSS styling directive: consumes one argument, no output.
			if _, got := next(); !got {
				return "", "", false
			}
		case '%':
			textOut.WriteByte('%')
			htmlOut.WriteByte('%')
		default:
			textOut.WriteByte('%')
			textOut.WriteByte(verb)
			htmlOut.WriteString(escapeHTML("%" + string(verb)))
		}
	}

	// Trailing args beyond the template are appended space-separated.
	for ; argIdx < len(rest); argIdx++ {
		s := fmt.Sprint(rest[argIdx])
		textOut.WriteByte(' ')
		textOut.WriteString(s)
		htmlOut.WriteByte(' ')
		htmlOut.WriteString(escapeHTML(s))
	}

	return textOut.String(), newlinesToBR(htmlOut.String()), true
}

func formatInt(v any) string {
	switch n := v.(type) {
	case int:
		return strconv.Itoa(n)
	case int32:
		return strconv.FormatInt(int64(n), 10)
	case int64:
		return strconv.FormatInt(n, 10)
	case float64:
		return strconv.FormatInt(int64(n), 10)
	default:
		return fmt.Sprint(v)
	}
}

func formatFloat(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'g', -1, 32)
	case int:
		return strconv.Itoa(n)
	default:
		return fmt.Sprint(v)
	}
}

func prettyJSON(v any) string {
	b, err := jsonMarshalIndent(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
	"`", "&#96;",
)

func escapeHTML(s string) string { return htmlEscaper.Replace(s) }

func newlinesToBR(s string) string { return strings.ReplaceAll(s, "\n", "<br>") }
