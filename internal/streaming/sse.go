package streaming

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// Frame is one dispatched Server-Sent Event.
type Frame struct {
	Event   string
	Data    string
	ID      string
	Comment string // set for comment-only blocks such as keep-alives
}

// Reader parses a text/event-stream body into frames.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next blocks until a complete frame is available. A frame is dispatched on
// a blank line; a partial frame at end of stream is dispatched as well.
// It returns io.EOF when the stream ends with nothing pending.
func (r *Reader) Next() (Frame, error) {
	var (
		f       Frame
		data    []string
		hasData bool
		pending bool
	)

	dispatch := func() Frame {
		f.Data = strings.Join(data, "\n")
		if f.Event == "" && hasData {
			f.Event = "message"
		}
		return f
	}

	for {
		line, err := r.r.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) && pending {
				return dispatch(), nil
			}
			return Frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if pending {
				return dispatch(), nil
			}
			continue
		}
		pending = true

		if strings.HasPrefix(line, ":") {
			f.Comment = strings.TrimSpace(line[1:])
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			f.Event = value
		case "data":
			data = append(data, value)
			hasData = true
		case "id":
			f.ID = value
		}
	}
}
