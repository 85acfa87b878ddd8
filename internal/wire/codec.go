package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameBytes bounds a single newline-delimited frame; a longer line is a
// protocol violation rather than a slow trickle of a huge legitimate frame.
// The Daemon bus uses the same bound for its own (non-Frame) request/response
// JSON lines, via NewLineScanner.
const MaxFrameBytes = 4 << 20 // 4 MiB

// NewLineScanner builds a bufio.Scanner sized for MaxFrameBytes. The Daemon
// bus reads its request lines with it; the Hub bus reads whole WebSocket
// messages instead, and the tool-caller stdio wire is framed by the SDK.
func NewLineScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), MaxFrameBytes)
	return s
}

// Reader decodes newline-delimited JSON frames from an underlying stream.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps r with a line-oriented scanner sized for MaxFrameBytes.
func NewReader(r io.Reader) *Reader {
	return &Reader{scanner: NewLineScanner(r)}
}

// ReadFrame reads the next newline-terminated JSON object and decodes it
// into a Frame. It returns io.EOF when the underlying stream is exhausted.
func (r *Reader) ReadFrame() (Frame, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return Frame{}, fmt.Errorf("wire: read frame: %w", err)
		}
		return Frame{}, io.EOF
	}
	line := r.scanner.Bytes()
	if len(line) == 0 {
		return r.ReadFrame()
	}
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, fmt.Errorf("wire: decode frame: %w", err)
	}
	return f, nil
}

// Decode parses a single JSON object with no trailing newline expected, the
// shape of one WebSocket message.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("wire: decode frame: %w", err)
	}
	return f, nil
}

// Encode marshals a Frame to a single JSON line terminated by \n, ready for
// a newline-delimited writer.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("wire: encode frame: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteFrame encodes f and writes it, newline-terminated, to w.
func WriteFrame(w io.Writer, f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}
