// Package wire implements the newline-delimited JSON framing to and from
// CI specialists (spec §4.2, §6). Grounded on ai_service_simple.py's own
// framing ("json.dumps(request) + b'\n'", "response.get('response',
// response.get('content', ...))") and the teacher's wsutil read/write
// helpers for length-bounded frame I/O (ws/internal/single/core/pump_write.go).
package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ckoons/Tekton-sub009/internal/fabrictypes"
)

// MaxFrameSize bounds a single line to defend against a misbehaving
// specialist streaming an unbounded frame (spec: "suggest 1 MiB").
const MaxFrameSize = 1 << 20

// outboundFrame is the wire shape the fabric sends. Only one of the
// type-specific fields is ever set, matching the four request kinds in §6.
type outboundFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// Encode renders a Request as its wire frame, terminated by a single '\n'.
func Encode(kind fabrictypes.FrameKind, body string) ([]byte, error) {
	f := outboundFrame{Type: string(kind)}
	if kind == fabrictypes.FrameChat {
		f.Content = body
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fabrictypes.NewError(fabrictypes.ErrProtocolError, "",
			"failed to encode request frame", err)
	}
	return append(data, '\n'), nil
}

// inboundFrame is decoded permissively: either "content" or "response"
// may carry the chat reply body (prefer "response" if both are present),
// and info probes pass model_name/capabilities through verbatim. The
// permissive shape never leaks past this file — callers only ever see a
// fabrictypes.Response.
type inboundFrame struct {
	OK           *bool    `json:"ok,omitempty"`
	Content      string   `json:"content,omitempty"`
	Response     string   `json:"response,omitempty"`
	Error        string   `json:"error,omitempty"`
	ModelName    string   `json:"model_name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Decode parses a single wire frame (no trailing newline) into a Response.
func Decode(line []byte) (fabrictypes.Response, error) {
	if len(line) > MaxFrameSize {
		return fabrictypes.Response{}, fabrictypes.NewError(
			fabrictypes.ErrProtocolError, "",
			fmt.Sprintf("frame of %d bytes exceeds %d byte limit", len(line), MaxFrameSize), nil)
	}
	var f inboundFrame
	if err := json.Unmarshal(line, &f); err != nil {
		return fabrictypes.Response{}, fabrictypes.NewError(
			fabrictypes.ErrProtocolError, "", "unparseable response frame", err)
	}

	resp := fabrictypes.Response{
		ModelName:    f.ModelName,
		Capabilities: f.Capabilities,
	}
	switch {
	case f.Response != "":
		resp.Content = f.Response
	case f.Content != "":
		resp.Content = f.Content
	}
	if f.Error != "" {
		resp.Error = f.Error
		resp.OK = false
	} else if f.OK != nil {
		resp.OK = *f.OK
	} else {
		// Any parseable object without an explicit error is a success —
		// matches ai_manager.py's health check ("any parseable response").
		resp.OK = true
	}
	return resp, nil
}

// ReadFrame reads one '\n'-terminated line from r, enforcing MaxFrameSize
// as it goes so an oversize frame fails fast instead of buffering
// unbounded data. r is reused across calls (one per channel connection),
// so this reads byte-by-byte off r's own buffer rather than wrapping it
// in a fresh reader each time, which would strand already-buffered bytes
// belonging to the next frame.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	line := make([]byte, 0, 256)
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				if len(line) == 0 {
					return nil, io.EOF
				}
				return nil, fabrictypes.NewError(fabrictypes.ErrProtocolError, "",
					"connection closed mid-frame", err)
			}
			return nil, fabrictypes.NewError(fabrictypes.ErrTransportError, "",
				"read error", err)
		}
		if b == '\n' {
			break
		}
		if len(line) >= MaxFrameSize {
			return nil, fabrictypes.NewError(fabrictypes.ErrProtocolError, "",
				fmt.Sprintf("frame exceeds %d byte limit", MaxFrameSize), nil)
		}
		line = append(line, b)
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}
