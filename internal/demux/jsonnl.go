package demux

import "strings"

// JSONNL emits one event per newline-terminated line.
// A line without its terminator stays buffered and never emits.
type JSONNL struct {
	partial strings.Builder
}

// NewJSONNL returns an empty newline-delimited JSON demuxer.
func NewJSONNL() *JSONNL {
	return &JSONNL{}
}

func (d *JSONNL) Demux(chunk string) []WireEvent {
	var out []WireEvent
	for {
		i := strings.IndexByte(chunk, '\n')
		if i < 0 {
			d.partial.WriteString(chunk)
			return out
		}
		d.partial.WriteString(chunk[:i])
		line := strings.TrimRight(d.partial.String(), "\r")
		d.partial.Reset()
		chunk = chunk[i+1:]

		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, WireEvent{Kind: KindEvent, Data: line})
	}
}

func (d *JSONNL) Buffered() int {
	return d.partial.Len()
}
