package hook

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Wire contract with the injected script, newline-delimited over one TCP
// connection:
//
//   - a bare "ready" line completes the handshake
//   - JSON objects with {"type":"heartbeat",...} carry liveness
//   - every other line is literal command-result text
//
// Commands are sent to the script as one JSON-encoded string per line so
// that multi-line source survives the line framing.

const readyToken = "ready"

type FrameKind int

const (
	FrameResult FrameKind = iota
	FrameReady
	FrameHeartbeat
)

// Heartbeat is the unsolicited liveness frame emitted by the injected
// script.
type Heartbeat struct {
	Type         string `json:"type"`
	Version      string `json:"version"`
	Location     string `json:"location"`
	ResumeNeeded bool   `json:"resumeNeeded"`
}

type Frame struct {
	Kind      FrameKind
	Result    string
	Heartbeat Heartbeat
}

// ParseFrame classifies one received line. Anything that is neither the
// ready token nor a heartbeat object is literal result text, including JSON
// that merely fails to carry the heartbeat discriminator.
func ParseFrame(line string) Frame {
	trimmed := strings.TrimSpace(line)
	if trimmed == readyToken {
		return Frame{Kind: FrameReady}
	}
	if strings.HasPrefix(trimmed, "{") {
		var hb Heartbeat
		if err := json.Unmarshal([]byte(trimmed), &hb); err == nil && hb.Type == "heartbeat" {
			return Frame{Kind: FrameHeartbeat, Heartbeat: hb}
		}
	}
	return Frame{Kind: FrameResult, Result: trimmed}
}

// WriteCommand sends one command frame. The source is JSON-encoded into a
// single line; the script decodes any line starting with a quote before
// evaluating it.
func WriteCommand(w io.Writer, source string) error {
	encoded, err := json.Marshal(source)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	if _, err := w.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}
