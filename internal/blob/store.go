// Package blob provides the two narrow key–value stores the coordinator
// depends on: the clip store (raw audio, keyed by content hash) and the asset
// store (generated art, keyed by species code).
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
)

// Store is a put/get/exists blob interface. Put is idempotent for a given key:
// storing the same bytes twice returns the same URL.
type Store interface {
	Put(key string, data []byte, contentType string) (url string, err error)
	Get(key string) ([]byte, error)
	Exists(key string) (bool, error)
}

// Typed failure modes so callers can decide between retrying and giving up.
var (
	ErrNotFound  = errors.New("blob: not found")
	ErrTransient = errors.New("blob: transient I/O failure")
	ErrPermanent = errors.New("blob: permanent failure")
)

// ContentKey returns the SHA-256 content hash of a clip, hex-encoded. Two
// uploads of the same bytes always map to the same key.
func ContentKey(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ClipPath lays a content-hash key out as <prefix>/<first-2-hex>/<hash>.wav,
// fanning blobs across 256 directories.
func ClipPath(prefix, key string) string {
	if len(key) < 2 {
		return path.Join(prefix, key)
	}
	return path.Join(prefix, key[:2], key+".wav")
}

// extFor maps a content type to the stored file extension. Unknown types keep
// the wav default used by the firmware.
func extFor(contentType string) string {
	switch contentType {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/flac", "audio/x-flac":
		return ".flac"
	case "audio/ogg":
		return ".ogg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "image/png":
		return ".png"
	default:
		return ".wav"
	}
}

func keyPath(prefix, key, contentType string) string {
	if len(key) < 2 {
		return path.Join(prefix, key+extFor(contentType))
	}
	return path.Join(prefix, key[:2], key+extFor(contentType))
}

func wrapTransient(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrTransient, err)
}
