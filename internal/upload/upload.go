// Package upload validates media payloads carried inside chat messages.
//
// Image and video messages carry their media inline, either as a base64 data
// URI or as an https URL to an already hosted file. The server is the
// authoritative size check; any client-side check is advisory.
package upload

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	chaterrors "github.com/ironfuel/livechat/internal/errors"
	"github.com/ironfuel/livechat/internal/message"
	"github.com/ironfuel/livechat/internal/util"
)

// AllowedMimeTypes defines the whitelist of media types by message kind
var AllowedMimeTypes = map[message.ContentType]map[string]bool{
	message.TypeImage: {
		"image/jpeg": true,
		"image/png":  true,
		"image/gif":  true,
		"image/webp": true,
	},
	message.TypeVideo: {
		"video/mp4":       true,
		"video/webm":      true,
		"video/quicktime": true,
		"video/ogg":       true,
	},
}

// MaliciousSignatures are executable headers that must never be served as media
var MaliciousSignatures = [][]byte{
	{0x4D, 0x5A},             // MZ (Windows executable)
	{0x7F, 0x45, 0x4C, 0x46}, // ELF (Linux executable)
	{0xCA, 0xFE, 0xBA, 0xBE}, // Mach-O (universal)
	{0xFE, 0xED, 0xFA, 0xCE}, // Mach-O (32-bit)
	{0xFE, 0xED, 0xFA, 0xCF}, // Mach-O (64-bit)
	{0xCE, 0xFA, 0xED, 0xFE}, // Mach-O (reverse byte order)
	[]byte("#!"),
}

// MediaValidator enforces the media size bound and payload shape.
type MediaValidator struct {
	maxSize int64
}

// NewMediaValidator creates a validator that rejects media content larger than maxSize bytes.
func NewMediaValidator(maxSize int64) *MediaValidator {
	return &MediaValidator{maxSize: maxSize}
}

// MaxSize returns the configured media bound in bytes.
func (v *MediaValidator) MaxSize() int64 {
	return v.maxSize
}

// Validate checks content for a message of type contentType. Text content is
// accepted untouched. Media content is checked for size first, so an oversized
// payload is always reported as PAYLOAD_TOO_LARGE regardless of its shape.
func (v *MediaValidator) Validate(contentType message.ContentType, content string) error {
	if !contentType.IsMedia() {
		return nil
	}

	size := int64(len(content))
	if size > v.maxSize {
		return chaterrors.ErrPayloadTooLarge(size, v.maxSize)
	}

	if strings.HasPrefix(content, "data:") {
		return v.validateDataURI(contentType, content)
	}

	if err := util.ValidateFileURL(content); err != nil {
		return chaterrors.ErrInvalidMedia(err.Error())
	}
	return nil
}

// validateDataURI decodes a "data:<mime>;base64,<payload>" URI and sniffs the payload.
func (v *MediaValidator) validateDataURI(contentType message.ContentType, content string) error {
	header, payload, ok := strings.Cut(strings.TrimPrefix(content, "data:"), ",")
	if !ok {
		return chaterrors.ErrInvalidMedia("data URI has no payload")
	}

	declared, params, _ := strings.Cut(header, ";")
	if !strings.Contains(params, "base64") {
		return chaterrors.ErrInvalidMedia("data URI must be base64 encoded")
	}
	declared = strings.ToLower(strings.TrimSpace(declared))
	if !AllowedMimeTypes[contentType][declared] {
		return chaterrors.ErrInvalidMedia(fmt.Sprintf("declared type %q is not allowed for %s", declared, contentType))
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return chaterrors.ErrInvalidMedia("payload is not valid base64")
	}

	if err := scanMaliciousContent(data); err != nil {
		return err
	}

	detected := strings.TrimSpace(strings.Split(mimetype.Detect(data).String(), ";")[0])
	if !AllowedMimeTypes[contentType][detected] {
		return chaterrors.ErrInvalidMedia(fmt.Sprintf("content detected as %q, not an allowed %s", detected, contentType))
	}

	return nil
}

func scanMaliciousContent(data []byte) error {
	for _, sig := range MaliciousSignatures {
		if bytes.HasPrefix(data, sig) {
			return chaterrors.ErrInvalidMedia("executable content detected")
		}
	}
	return nil
}
