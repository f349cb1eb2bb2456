package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// DoneMarker terminates every stream.
const DoneMarker = "[DONE]"

// Encode marshals ev without HTML escaping and without a trailing newline.
func Encode(ev Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ev); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// WriteSSE writes events as `data:` frames until the channel closes. The done event
// becomes the [DONE] marker, which is written even if the channel closed without one.
func WriteSSE(w io.Writer, events <-chan Event) error {
	flusher, _ := w.(http.Flusher)
	done := false
	for ev := range events {
		if done {
			continue
		}
		var payload []byte
		if ev.Type == TypeDone {
			payload = []byte(DoneMarker)
			done = true
		} else {
			b, err := Encode(ev)
			if err != nil {
				return fmt.Errorf("encode %s event: %w", ev.Type, err)
			}
			payload = b
		}
		if err := writeFrame(w, payload); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if !done {
		if err := writeFrame(w, []byte(DoneMarker)); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	return nil
}

func writeFrame(w io.Writer, payload []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	return nil
}
