package models

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the version of the output line protocol
const ProtocolVersion = 1

// PayloadJSON is the only payload encoding the tailer emits
const PayloadJSON = "JSON"

// HelloTailer identifies a tailer instance to a downstream reader
type HelloTailer struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Version int    `json:"version"`
	Payload string `json:"payload"`
	CRC     bool   `json:"crc"`  // lines carry a trailing integrity code
	Acks    bool   `json:"acks"` // tailer expects acknowledgements
}

// Hello is the handshake record written before any event line
type Hello struct {
	Tailer HelloTailer `json:"Tailer"`
}

// NewHello returns the handshake of the named tailer
func NewHello(name, tailerType string) Hello {
	return Hello{Tailer: HelloTailer{
		Name:    name,
		Type:    tailerType,
		Version: ProtocolVersion,
		Payload: PayloadJSON,
	}}
}

// Line renders the handshake as one line of JSON, without terminator
func (h Hello) Line() (string, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("failed to marshal hello: %w", err)
	}
	return string(data), nil
}
