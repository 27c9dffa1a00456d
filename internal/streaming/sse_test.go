package streaming

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestReader_Frames(t *testing.T) {
	input := ": keep-alive\n\n" +
		"event: flag_updated\r\n" +
		"data: {\"key\":\"a\",\r\n" +
		"data: \"value\":true}\r\n" +
		"id: 7\r\n\r\n" +
		"data: plain\n\n" +
		"event: heartbeat\n" +
		"data: {}"

	r := NewReader(strings.NewReader(input))

	tests := []struct {
		event, data, id, comment string
	}{
		{comment: "keep-alive"},
		{event: "flag_updated", data: "{\"key\":\"a\",\n\"value\":true}", id: "7"},
		{event: "message", data: "plain"},
		{event: "heartbeat", data: "{}"},
	}

	for i, want := range tests {
		f, err := r.Next()
		if err != nil {
			t.Fatalf("Frame %d: unexpected error %v", i, err)
		}
		if f.Event != want.event || f.Data != want.data || f.ID != want.id || f.Comment != want.comment {
			t.Errorf("Frame %d = %+v, want %+v", i, f, want)
		}
	}

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF at end of stream, got %v", err)
	}
}

func TestReader_SkipsExtraBlankLines(t *testing.T) {
	r := NewReader(strings.NewReader("\n\n\nevent: heartbeat\n\n\n\n"))
	f, err := r.Next()
	if err != nil || f.Event != "heartbeat" {
		t.Fatalf("Next() = %+v, %v", f, err)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF, got %v", err)
	}
}
