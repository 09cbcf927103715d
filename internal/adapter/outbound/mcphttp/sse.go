package mcphttp

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

var (
	eventPrefix = []byte("event:")
	idPrefix    = []byte("id:")
	dataPrefix  = []byte("data:")
)

// event is one server-sent event: its name, its ID, and the JSON-RPC
// messages carried on its data lines.
type event struct {
	name     string
	id       string
	messages []jsonrpc.Message
}

// eventParser reads server-sent events from a backend stream, tolerating
// CR, LF, and CRLF line endings.
type eventParser struct {
	r       io.Reader
	readBuf [4096]byte
	buf     []byte
	// pendingCR is set when a read chunk ended in '\r': the byte is
	// withheld so a CRLF split across two reads still collapses to a
	// single newline.
	pendingCR bool
}

func newEventParser(r io.Reader) *eventParser {
	return &eventParser{r: r}
}

// next returns the next complete event. io.EOF means the stream ended
// cleanly with no event pending.
func (p *eventParser) next() (*event, error) {
	for {
		ev, ok, err := p.extract()
		if err != nil {
			return nil, err
		}
		if ok {
			return ev, nil
		}

		n, err := p.r.Read(p.readBuf[:])
		if n > 0 {
			p.feed(p.readBuf[:n])
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if p.pendingCR {
					p.buf = append(p.buf, '\n')
					p.pendingCR = false
				}
				// A final event may sit in the buffer without a
				// trailing blank line.
				if len(bytes.TrimSpace(p.buf)) > 0 {
					chunk := p.buf
					p.buf = nil
					return p.parse(chunk)
				}
			}
			return nil, err
		}
	}
}

// extract pops one event off the buffer if a blank-line separator is
// already present. Empty chunks (keep-alive blank lines) are skipped.
func (p *eventParser) extract() (*event, bool, error) {
	for {
		idx := bytes.Index(p.buf, []byte("\n\n"))
		if idx < 0 {
			return nil, false, nil
		}
		chunk := p.buf[:idx]
		p.buf = p.buf[idx+2:]
		if len(bytes.TrimSpace(chunk)) == 0 {
			continue
		}
		ev, err := p.parse(chunk)
		return ev, err == nil, err
	}
}

func (p *eventParser) parse(chunk []byte) (*event, error) {
	ev := &event{}
	for _, line := range bytes.Split(chunk, []byte{'\n'}) {
		switch {
		case bytes.HasPrefix(line, eventPrefix):
			ev.name = string(bytes.TrimSpace(line[len(eventPrefix):]))
		case bytes.HasPrefix(line, idPrefix):
			ev.id = string(bytes.TrimSpace(line[len(idPrefix):]))
		case bytes.HasPrefix(line, dataPrefix):
			data := bytes.TrimSpace(line[len(dataPrefix):])
			if len(data) == 0 {
				continue
			}
			msg, err := jsonrpc.DecodeMessage(data)
			if err != nil {
				return nil, fmt.Errorf("decoding stream message: %w", err)
			}
			ev.messages = append(ev.messages, msg)
		}
	}
	return ev, nil
}

// feed appends a chunk to the buffer with line endings normalized. A
// trailing '\r' is carried over to the next chunk before normalizing,
// since it may be the first half of a CRLF.
func (p *eventParser) feed(chunk []byte) {
	if p.pendingCR {
		chunk = append([]byte{'\r'}, chunk...)
		p.pendingCR = false
	}
	if n := len(chunk); n > 0 && chunk[n-1] == '\r' {
		p.pendingCR = true
		chunk = chunk[:n-1]
	}
	p.buf = append(p.buf, normalizeNewlines(chunk)...)
}

// normalizeNewlines converts all CR/LF variants to '\n'.
func normalizeNewlines(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(b, []byte("\r"), []byte("\n"))
}
