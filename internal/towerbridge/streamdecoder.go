package towerbridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/drak0niii/launch-ctrl/internal/events"
)

// envelope is the line-delimited JSON wire shape the tower simulator's
// stream URL emits: one snapshot per line, each stamped with its own ts.
type envelope struct {
	Timestamp string          `json:"ts"`
	Snapshot  events.Snapshot `json:"snapshot"`
}

// StreamDecoder reads successive snapshot envelopes from a line-delimited
// JSON stream. It is a thin seam so the bridge's reconnect/quiet-detection
// state machine can be tested by feeding a fake io.Reader instead of a
// real socket.
type StreamDecoder interface {
	// Next blocks until the next envelope is available, the underlying
	// reader is exhausted (io.EOF), or a decode error occurs.
	Next() (snap events.Snapshot, ts string, err error)
}

type lineDecoder struct {
	scanner *bufio.Scanner
}

// NewLineDecoder wraps r as a StreamDecoder over line-delimited JSON
// envelopes.
func NewLineDecoder(r io.Reader) StreamDecoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &lineDecoder{scanner: scanner}
}

func (d *lineDecoder) Next() (events.Snapshot, string, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, "", fmt.Errorf("towerbridge: decode stream line: %w", err)
		}
		return env.Snapshot, env.Timestamp, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, "", err
	}
	return nil, "", io.EOF
}
