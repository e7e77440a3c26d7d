package feed

import (
	"bufio"
	"bytes"
	"io"

	"github.com/gin-contrib/sse"
)

// EventPing is the keep-alive frame name. Readers skip it.
const EventPing = "ping"

// Encode writes e as one SSE frame named after its kind.
func Encode(w io.Writer, e Event) error {
	return sse.Encode(w, sse.Event{Event: string(e.Kind), Data: e})
}

// Reader splits an SSE byte stream into frames. It is incremental: Next
// returns as soon as a frame's terminating blank line arrives.
type Reader struct {
	sc *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Reader{sc: sc}
}

// Next returns the next frame's event name and data. Comment lines, id and
// retry fields are ignored. io.EOF means the stream ended between frames.
func (r *Reader) Next() (string, []byte, error) {
	var (
		name string
		data bytes.Buffer
		seen bool
	)
	for r.sc.Scan() {
		line := r.sc.Bytes()
		if len(line) == 0 {
			if seen {
				return name, data.Bytes(), nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "event":
			name = string(value)
			seen = true
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(value)
			seen = true
		}
	}
	if err := r.sc.Err(); err != nil {
		return "", nil, err
	}
	return "", nil, io.EOF
}

// NextEvent returns the next feed event, skipping pings.
func (r *Reader) NextEvent() (Event, error) {
	for {
		name, data, err := r.Next()
		if err != nil {
			return Event{}, err
		}
		if name == EventPing {
			continue
		}
		return Decode(data)
	}
}
