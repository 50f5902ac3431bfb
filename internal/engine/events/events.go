package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/surge-downloader/filetransfer/internal/engine/types"
)

// ProgressMsg represents a progress update from a transfer
type ProgressMsg struct {
	TransferID  string
	Downloaded  int64
	Total       int64 // -1 when unknown
	Speed       float64 // bytes per second
	Elapsed     time.Duration
	ChunksDone  int
	ChunksTotal int
}

// NewProgressMsg converts a coordinator snapshot.
func NewProgressMsg(s types.ProgressSnapshot) ProgressMsg {
	total := int64(-1)
	if s.BytesTotal != nil {
		total = *s.BytesTotal
	}
	return ProgressMsg{
		TransferID:  s.TransferID,
		Downloaded:  s.BytesCompleted,
		Total:       total,
		Speed:       s.Speed,
		Elapsed:     s.Elapsed,
		ChunksDone:  s.ChunksDone,
		ChunksTotal: s.ChunksTotal,
	}
}

// TransferStartedMsg is sent once a transfer has been accepted and its
// coordinator launched
type TransferStartedMsg struct {
	TransferID string
	URL        string
	DestPath   string
	Resumed    bool
}

// TransferCompleteMsg signals that the transfer finished successfully
type TransferCompleteMsg struct {
	TransferID  string
	Path        string
	Size        int64
	ContentType string
	Elapsed     time.Duration
}

// TransferErrorMsg signals that the transfer failed
type TransferErrorMsg struct {
	TransferID string
	Kind       string
	Err        error
}

func (m TransferErrorMsg) MarshalJSON() ([]byte, error) {
	type encoded struct {
		TransferID string `json:"TransferID"`
		Kind       string `json:"Kind,omitempty"`
		Err        string `json:"Err,omitempty"`
	}

	out := encoded{
		TransferID: m.TransferID,
		Kind:       m.Kind,
	}
	if m.Err != nil {
		out.Err = m.Err.Error()
	}

	return json.Marshal(out)
}

func (m *TransferErrorMsg) UnmarshalJSON(data []byte) error {
	var aux struct {
		TransferID string          `json:"TransferID"`
		Kind       string          `json:"Kind"`
		Err        json.RawMessage `json:"Err"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	m.TransferID = aux.TransferID
	m.Kind = aux.Kind
	m.Err = nil

	if len(aux.Err) == 0 {
		return nil
	}

	var errStr string
	if err := json.Unmarshal(aux.Err, &errStr); err == nil {
		if errStr != "" {
			m.Err = errors.New(errStr)
		}
		return nil
	}

	// Accept non-string payloads (e.g. {}) from older peers.
	raw := string(aux.Err)
	if raw != "" && raw != "null" {
		m.Err = errors.New(raw)
	}
	return nil
}

type TransferPausedMsg struct {
	TransferID string
	Downloaded int64
}

type TransferResumedMsg struct {
	TransferID string
}

type TransferCancelledMsg struct {
	TransferID string
}

type TransferRemovedMsg struct {
	TransferID string
}

// Envelope is the wire form used by the event stream: a type tag plus the
// message body.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// TypeOf returns the envelope tag for a message.
func TypeOf(msg any) (string, error) {
	switch msg.(type) {
	case ProgressMsg:
		return "progress", nil
	case TransferStartedMsg:
		return "started", nil
	case TransferCompleteMsg:
		return "complete", nil
	case TransferErrorMsg:
		return "error", nil
	case TransferPausedMsg:
		return "paused", nil
	case TransferResumedMsg:
		return "resumed", nil
	case TransferCancelledMsg:
		return "cancelled", nil
	case TransferRemovedMsg:
		return "removed", nil
	default:
		return "", fmt.Errorf("unknown event %T", msg)
	}
}

// Encode wraps msg in an Envelope.
func Encode(msg any) (Envelope, error) {
	typ, err := TypeOf(msg)
	if err != nil {
		return Envelope{}, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: typ, Data: data}, nil
}

// Decode turns an Envelope back into its message value.
func Decode(env Envelope) (any, error) {
	var err error
	switch env.Type {
	case "progress":
		var m ProgressMsg
		err = json.Unmarshal(env.Data, &m)
		return m, err
	case "started":
		var m TransferStartedMsg
		err = json.Unmarshal(env.Data, &m)
		return m, err
	case "complete":
		var m TransferCompleteMsg
		err = json.Unmarshal(env.Data, &m)
		return m, err
	case "error":
		var m TransferErrorMsg
		err = json.Unmarshal(env.Data, &m)
		return m, err
	case "paused":
		var m TransferPausedMsg
		err = json.Unmarshal(env.Data, &m)
		return m, err
	case "resumed":
		var m TransferResumedMsg
		err = json.Unmarshal(env.Data, &m)
		return m, err
	case "cancelled":
		var m TransferCancelledMsg
		err = json.Unmarshal(env.Data, &m)
		return m, err
	case "removed":
		var m TransferRemovedMsg
		err = json.Unmarshal(env.Data, &m)
		return m, err
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

// TransferID extracts the transfer a message refers to.
func TransferID(msg any) string {
	switch m := msg.(type) {
	case ProgressMsg:
		return m.TransferID
	case TransferStartedMsg:
		return m.TransferID
	case TransferCompleteMsg:
		return m.TransferID
	case TransferErrorMsg:
		return m.TransferID
	case TransferPausedMsg:
		return m.TransferID
	case TransferResumedMsg:
		return m.TransferID
	case TransferCancelledMsg:
		return m.TransferID
	case TransferRemovedMsg:
		return m.TransferID
	}
	return ""
}
