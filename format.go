package xrelay

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Record format shared by durable queue files and the filesystem journal:
//
//	# comment lines are ignored
//	Name: value
//	Multi: first line
//	 continuation line
//	<blank line>
//	raw body...

// WriteMessage writes msg in the line-oriented record format.
func WriteMessage(w io.Writer, msg *Message) error {
	bw := bufio.NewWriter(w)
	for _, h := range msg.headers {
		if !validHeaderName(h.Name) {
			return fmt.Errorf("xrelay: invalid header name %q", h.Name)
		}
		lines := strings.Split(strings.ReplaceAll(h.Value, "\r\n", "\n"), "\n")
		if _, err := fmt.Fprintf(bw, "%s: %s\n", h.Name, lines[0]); err != nil {
			return err
		}
		for _, cont := range lines[1:] {
			if _, err := fmt.Fprintf(bw, " %s\n", cont); err != nil {
				return err
			}
		}
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if _, err := bw.Write(msg.content); err != nil {
		return err
	}
	return bw.Flush()
}

// EncodeMessage returns the record bytes for msg.
func EncodeMessage(msg *Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// validHeaderName reports whether name survives a write/read round trip:
// "#" opens a comment line, a leading space a continuation, and names are
// read back trimmed.
func validHeaderName(name string) bool {
	return name != "" &&
		!strings.ContainsAny(name, ":\r\n") &&
		!strings.HasPrefix(name, "#") &&
		strings.TrimSpace(name) == name
}

// ReadMessage parses a record. Malformed content yields an error matching
// ErrMalformedMessage; failures of r itself are returned unchanged.
func ReadMessage(r io.Reader) (*Message, error) {
	br := bufio.NewReader(r)
	var (
		headers Headers
		sawLine bool
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		eof := errors.Is(err, io.EOF)
		if line == "" && eof {
			if !sawLine {
				return nil, fmt.Errorf("%w: empty record", ErrMalformedMessage)
			}
			// Headers without a terminating blank line: no body.
			return &Message{headers: headers}, nil
		}
		sawLine = true
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			body, err := io.ReadAll(br)
			if err != nil {
				return nil, err
			}
			return &Message{headers: headers, content: body}, nil
		case strings.HasPrefix(line, "#"):
		case strings.HasPrefix(line, " "):
			if len(headers) == 0 {
				return nil, fmt.Errorf("%w: continuation line without header", ErrMalformedMessage)
			}
			last := &headers[len(headers)-1]
			last.Value += "\n" + line[1:]
		default:
			name, value, ok := strings.Cut(line, ":")
			name = strings.TrimSpace(name)
			if !ok || name == "" {
				return nil, fmt.Errorf("%w: invalid header line %q", ErrMalformedMessage, line)
			}
			headers = append(headers, Header{Name: name, Value: strings.TrimPrefix(value, " ")})
		}
		if eof {
			return &Message{headers: headers}, nil
		}
	}
}

// DecodeMessage parses record bytes.
func DecodeMessage(data []byte) (*Message, error) {
	return ReadMessage(bytes.NewReader(data))
}
