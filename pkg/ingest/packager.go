// Package ingest is the input isolation layer. It turns raw transport events
// into identity-free InputPackages, validating format and size fail-closed
// before anything touches the clinical pipeline.
package ingest

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/woundwatch/pkg/apperr"
	"github.com/carebridge/woundwatch/pkg/config"
	"github.com/carebridge/woundwatch/pkg/models"
	"github.com/carebridge/woundwatch/pkg/token"
)

// RawEvent is one inbound transport event before isolation.
type RawEvent struct {
	Sender           string
	TransportEventID string
	Timestamp        time.Time
	Text             string
	Media            []RawMedia
}

// RawMedia is one attachment on a raw event. Head carries the first bytes of
// the object for magic-byte sniffing; the full payload stays in the
// transport's object store.
type RawMedia struct {
	URL         string
	ContentType string
	ByteSize    int64
	ContentHash string
	Head        []byte
}

// Packager validates raw events and produces InputPackages.
type Packager struct {
	cfg     config.IngestConfig
	allowed map[string]bool
	now     func() time.Time
}

// NewPackager creates the input packager from validated configuration.
func NewPackager(cfg config.IngestConfig) *Packager {
	allowed := make(map[string]bool, len(cfg.AllowedMimeTypes))
	for _, m := range cfg.AllowedMimeTypes {
		allowed[strings.ToLower(m)] = true
	}
	return &Packager{cfg: cfg, allowed: allowed, now: time.Now}
}

// Package validates a raw event and converts it to an identity-free
// InputPackage. Any violation rejects the whole event (fail closed): partial
// packages never enter the pipeline.
func (p *Packager) Package(ev RawEvent) (*models.InputPackage, error) {
	if strings.TrimSpace(ev.Sender) == "" {
		return nil, apperr.New(apperr.KindInputRejected, "event has no sender")
	}
	if strings.TrimSpace(ev.Text) == "" && len(ev.Media) == 0 {
		return nil, apperr.New(apperr.KindInputRejected, "event has no content")
	}

	var (
		media     []models.MediaRef
		totalSize int64
	)
	for i, m := range ev.Media {
		if err := p.validateMedia(i, m); err != nil {
			return nil, err
		}
		totalSize += m.ByteSize
		media = append(media, models.MediaRef{
			URL:         m.URL,
			ContentType: strings.ToLower(m.ContentType),
			ByteSize:    m.ByteSize,
			ContentHash: m.ContentHash,
		})
	}
	if totalSize > p.cfg.MaxMediaBytes {
		return nil, apperr.New(apperr.KindInputRejected,
			fmt.Sprintf("media size %d exceeds limit %d", totalSize, p.cfg.MaxMediaBytes))
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}

	pkg := &models.InputPackage{
		ProcessingID: "proc_" + uuid.NewString(),
		SourceID:     token.SourceID(p.cfg.SourceSalt, ev.Sender),
		Timestamp:    ts.UTC(),
		InputType:    classify(ev.Text, media),
		Text:         ev.Text,
		Media:        media,
		Metadata: models.InputMetadata{
			ByteSize:         totalSize + int64(len(ev.Text)),
			TransportEventID: ev.TransportEventID,
		},
	}
	if len(media) == 1 {
		pkg.Metadata.MimeType = media[0].ContentType
		pkg.Metadata.ContentHash = media[0].ContentHash
	}
	return pkg, nil
}

func (p *Packager) validateMedia(i int, m RawMedia) error {
	ct := strings.ToLower(strings.TrimSpace(m.ContentType))
	if !p.allowed[ct] {
		return apperr.New(apperr.KindInputRejected,
			fmt.Sprintf("media[%d]: content type %q not allowed", i, m.ContentType))
	}
	if m.ByteSize <= 0 || m.ByteSize > p.cfg.MaxMediaBytes {
		return apperr.New(apperr.KindInputRejected,
			fmt.Sprintf("media[%d]: size %d outside limits", i, m.ByteSize))
	}
	if m.URL == "" {
		return apperr.New(apperr.KindInputRejected,
			fmt.Sprintf("media[%d]: missing object URL", i))
	}
	// The declared content type must match the object's magic bytes when we
	// have them; a mismatch is treated as hostile input.
	if len(m.Head) > 0 && !sniffMatches(ct, m.Head) {
		return apperr.New(apperr.KindInputRejected,
			fmt.Sprintf("media[%d]: content does not match declared type %q", i, m.ContentType))
	}
	return nil
}

func classify(text string, media []models.MediaRef) models.InputType {
	hasText := strings.TrimSpace(text) != ""
	var hasImage, hasVideo bool
	for _, m := range media {
		switch {
		case strings.HasPrefix(m.ContentType, "image/"):
			hasImage = true
		case strings.HasPrefix(m.ContentType, "video/"):
			hasVideo = true
		}
	}
	switch {
	case hasText && (hasImage || hasVideo):
		return models.InputTypeMixed
	case hasVideo:
		return models.InputTypeVideo
	case hasImage:
		return models.InputTypeImage
	default:
		return models.InputTypeText
	}
}

// magic-byte prefixes per supported content type.
var magicPrefixes = map[string][][]byte{
	"image/jpeg": {{0xFF, 0xD8, 0xFF}},
	"image/png":  {{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}},
	"image/webp": {{0x52, 0x49, 0x46, 0x46}},
	"video/mp4":  nil, // ftyp box at offset 4, checked below
}

func sniffMatches(contentType string, head []byte) bool {
	if contentType == "video/mp4" {
		return len(head) >= 8 && bytes.Equal(head[4:8], []byte("ftyp"))
	}
	prefixes, known := magicPrefixes[contentType]
	if !known {
		// Allow-listed type without a sniffing rule: accept.
		return true
	}
	for _, prefix := range prefixes {
		if bytes.HasPrefix(head, prefix) {
			return true
		}
	}
	return false
}
