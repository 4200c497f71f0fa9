// Package bus defines the envelopes that travel between platform adapters,
// the conversation queues, and the external agent pipeline.
package bus

import (
	"encoding/json"
	"time"
)

// InboundEnvelope is one platform-originated message packaged for the pipeline.
type InboundEnvelope struct {
	Channel        string          `json:"channel"`
	SenderID       string          `json:"sender_id"`
	ChatID         string          `json:"chat_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	StreamID       string          `json:"stream_id,omitempty"`
	Content        string          `json:"content"`
	Raw            json.RawMessage `json:"raw,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Media          []string        `json:"media,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

// ConversationKey returns the inbound mailbox key for this envelope.
// An explicit ConversationID wins; otherwise "channel:chat_id".
func (m *InboundEnvelope) ConversationKey() string {
	if m.ConversationID != "" {
		return m.ConversationID
	}
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage is sent to a chat channel.
type OutboundMessage struct {
	Channel  string         `json:"channel"`
	ChatID   string         `json:"chat_id"`
	Content  string         `json:"content"`
	ReplyTo  string         `json:"reply_to,omitempty"`
	Media    []string       `json:"media,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// FragmentType tags a ResultFragment.
type FragmentType string

const (
	FragmentPlain    FragmentType = "plain"
	FragmentImage    FragmentType = "image"
	FragmentBreak    FragmentType = "break"
	FragmentComplete FragmentType = "complete"
	FragmentEnd      FragmentType = "end"
)

// ResultFragment is one piece of pipeline output on a back-channel.
// Complete and End are terminal: nothing follows them on the same stream.
type ResultFragment struct {
	Type      FragmentType `json:"type"`
	Data      string       `json:"data,omitempty"`
	Streaming bool         `json:"streaming"`
}

// Plain builds a text fragment. incremental marks a streaming delta.
func Plain(text string, incremental bool) ResultFragment {
	return ResultFragment{Type: FragmentPlain, Data: text, Streaming: incremental}
}

// Image builds an image fragment carrying a reference (URL or media id).
func Image(ref string) ResultFragment {
	return ResultFragment{Type: FragmentImage, Data: ref}
}

// Break separates two logical messages inside one stream.
func Break() ResultFragment {
	return ResultFragment{Type: FragmentBreak}
}

// Complete terminates a stream, optionally carrying the full final text.
func Complete(text string) ResultFragment {
	return ResultFragment{Type: FragmentComplete, Data: text}
}

// End terminates a stream without a payload.
func End() ResultFragment {
	return ResultFragment{Type: FragmentEnd}
}

// IsTerminal reports whether the fragment closes its stream.
func (f ResultFragment) IsTerminal() bool {
	return f.Type == FragmentComplete || f.Type == FragmentEnd
}

// Valid reports whether the fragment type is one of the known tags.
func (f ResultFragment) Valid() bool {
	switch f.Type {
	case FragmentPlain, FragmentImage, FragmentBreak, FragmentComplete, FragmentEnd:
		return true
	}
	return false
}

// ResultEnvelope addresses a fragment to a stream. The external pipeline
// publishes these on its result topic.
type ResultEnvelope struct {
	StreamID       string         `json:"stream_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Fragment       ResultFragment `json:"fragment"`
}
