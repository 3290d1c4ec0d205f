// Package relay proxies the report agent's progress stream and persists
// the report announced by its final event.
package relay

import (
	"bytes"
	"strings"
)

// Frame is one Server-Sent Events record.
type Frame struct {
	Event string
	ID    string
	Data  string
}

// FrameParser splits an SSE byte stream into frames. Records may be split
// across reads at any byte and may use LF, CRLF or CR line endings.
type FrameParser struct {
	buf     []byte
	data    []string
	event   string
	id      string
	pending bool
}

// Feed consumes one read and returns every frame it completed.
func (p *FrameParser) Feed(chunk []byte) []Frame {
	p.buf = append(p.buf, chunk...)
	var out []Frame
	for {
		i := bytes.IndexAny(p.buf, "\r\n")
		if i < 0 {
			break
		}
		next := i + 1
		if p.buf[i] == '\r' {
			if next == len(p.buf) {
				// a lone CR may be the first half of CRLF
				break
			}
			if p.buf[next] == '\n' {
				next++
			}
		}
		if f, ok := p.line(string(p.buf[:i])); ok {
			out = append(out, f)
		}
		p.buf = p.buf[next:]
	}
	p.buf = append([]byte(nil), p.buf...)
	return out
}

// Flush returns the frame left open when the stream ends without a final
// blank line.
func (p *FrameParser) Flush() (Frame, bool) {
	rest := strings.TrimRight(string(p.buf), "\r")
	p.buf = nil
	if rest != "" {
		p.line(rest)
	}
	return p.dispatch()
}

func (p *FrameParser) line(l string) (Frame, bool) {
	if l == "" {
		return p.dispatch()
	}
	if strings.HasPrefix(l, ":") {
		return Frame{}, false
	}
	field, value, found := strings.Cut(l, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}
	switch field {
	case "data":
		p.data = append(p.data, value)
		p.pending = true
	case "event":
		p.event = value
		p.pending = true
	case "id":
		p.id = value
		p.pending = true
	}
	return Frame{}, false
}

func (p *FrameParser) dispatch() (Frame, bool) {
	if !p.pending {
		return Frame{}, false
	}
	f := Frame{Event: p.event, ID: p.id, Data: strings.Join(p.data, "\n")}
	p.data, p.event, p.id, p.pending = nil, "", "", false
	return f, true
}
