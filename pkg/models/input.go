// Package models contains the domain types shared across components.
// Everything here is tokenized: no type in this package may carry a hospital
// identity field.
package models

import "time"

// InputType classifies the content of an inbound event.
type InputType string

// Input type constants.
const (
	InputTypeText  InputType = "text"
	InputTypeImage InputType = "image"
	InputTypeVideo InputType = "video"
	InputTypeMixed InputType = "mixed"
)

// MediaRef points at a large media object held by the transport's object
// store. The payload is never inlined; download happens later inside the
// image_processing queue.
type MediaRef struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	ByteSize    int64  `json:"byte_size"`
	ContentHash string `json:"content_hash,omitempty"`
}

// InputMetadata carries format-level facts about the payload.
type InputMetadata struct {
	MimeType         string `json:"mime_type,omitempty"`
	ByteSize         int64  `json:"byte_size"`
	ContentHash      string `json:"content_hash,omitempty"`
	TransportEventID string `json:"transport_event_id,omitempty"`
}

// InputPackage is the normalized, identity-free form of one inbound event.
// It is encrypted at rest in the Input Queue.
type InputPackage struct {
	ProcessingID string        `json:"processing_id"`
	SourceID     string        `json:"source_id"` // HMAC(salt, sender) — never the raw sender
	Timestamp    time.Time     `json:"timestamp"`
	InputType    InputType     `json:"input_type"`
	Text         string        `json:"text,omitempty"`
	Media        []MediaRef    `json:"media,omitempty"`
	Metadata     InputMetadata `json:"metadata"`
}
