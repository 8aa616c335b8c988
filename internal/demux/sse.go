package demux

import "strings"

// SSE implements the Server-Sent Events grammar.
type SSE struct {
	line      strings.Builder
	pendingCR bool

	name string
	data []string
}

// NewSSE returns an empty event-stream demuxer.
func NewSSE() *SSE {
	return &SSE{}
}

func (d *SSE) Demux(chunk string) []WireEvent {
	var out []WireEvent
	for len(chunk) > 0 {
		// A CR at the end of the previous chunk may be the first half of CRLF.
		if d.pendingCR {
			d.pendingCR = false
			if chunk[0] == '\n' {
				chunk = chunk[1:]
				continue
			}
		}

		i := strings.IndexAny(chunk, "\r\n")
		if i < 0 {
			d.line.WriteString(chunk)
			break
		}
		d.line.WriteString(chunk[:i])
		line := d.line.String()
		d.line.Reset()

		if chunk[i] == '\r' {
			d.pendingCR = true
		}
		chunk = chunk[i+1:]

		if ev, ok := d.processLine(line); ok {
			out = append(out, ev)
		}
	}
	return out
}

func (d *SSE) Buffered() int {
	n := d.line.Len()
	for _, s := range d.data {
		n += len(s)
	}
	return n
}

func (d *SSE) processLine(line string) (WireEvent, bool) {
	if line == "" {
		return d.dispatch()
	}
	if strings.HasPrefix(line, ":") {
		return WireEvent{}, false
	}

	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "event":
		d.name = value
	case "data":
		d.data = append(d.data, value)
	case "retry":
		return WireEvent{Kind: KindReconnectHint, Data: value}, true
	}
	// id and unknown fields are ignored.
	return WireEvent{}, false
}

func (d *SSE) dispatch() (WireEvent, bool) {
	data := strings.Join(d.data, "\n")
	name := d.name
	d.name = ""
	d.data = d.data[:0]

	if data == "" {
		return WireEvent{}, false
	}
	return WireEvent{Kind: KindEvent, Name: name, Data: data}, true
}
