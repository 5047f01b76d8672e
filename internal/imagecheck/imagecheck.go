// Package imagecheck validates uploaded person images before any
// generation quota can be spent on them.
//
// Checks are header-only: image.DecodeConfig reads dimensions and
// format without decoding pixel data, so validation stays cheap even
// for the maximum allowed upload.
package imagecheck

import (
	"bytes"
	"fmt"
	"image"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/rs/zerolog/log"
)

const (
	// MaxUploadBytes is the largest accepted upload. Matches the limit
	// advertised to clients on the presigned upload URL.
	MaxUploadBytes = 10 << 20

	minDimension = 256
	maxDimension = 4096

	// Aspect ratio bounds, width/height. A try-on needs a roughly
	// portrait or square photo of a person; panoramas and thin strips
	// are rejected before they waste a generation attempt.
	minAspect = 0.4
	maxAspect = 1.5
)

var allowedFormats = map[string]bool{
	"jpeg": true,
	"png":  true,
	"webp": true,
}

// Result is the validation outcome. Detail is human-readable and safe
// to return to the client; it never echoes image content.
type Result struct {
	Valid  bool
	Detail string
	Format string
	Width  int
	Height int
}

// Check validates the raw upload bytes. A nil error with Valid=false
// means the image was inspected and rejected; an error means the check
// itself could not run.
func Check(data []byte) (Result, error) {
	if len(data) == 0 {
		return reject("empty upload"), nil
	}
	if len(data) > MaxUploadBytes {
		return reject(fmt.Sprintf("image exceeds %d MB limit", MaxUploadBytes>>20)), nil
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		log.Debug().Err(err).Int("bytes", len(data)).Msg("Image header not decodable")
		return reject("file is not a recognizable image"), nil
	}
	if !allowedFormats[format] {
		return reject(fmt.Sprintf("unsupported format %s, use JPEG, PNG or WebP", format)), nil
	}

	if cfg.Width < minDimension || cfg.Height < minDimension {
		return reject(fmt.Sprintf("image is %dx%d, minimum is %dx%d", cfg.Width, cfg.Height, minDimension, minDimension)), nil
	}
	if cfg.Width > maxDimension || cfg.Height > maxDimension {
		return reject(fmt.Sprintf("image is %dx%d, maximum is %dx%d", cfg.Width, cfg.Height, maxDimension, maxDimension)), nil
	}

	aspect := float64(cfg.Width) / float64(cfg.Height)
	if aspect < minAspect || aspect > maxAspect {
		return reject("image proportions are unsuitable, use a portrait photo of the full person"), nil
	}

	return Result{
		Valid:  true,
		Detail: fmt.Sprintf("%s %dx%d", format, cfg.Width, cfg.Height),
		Format: format,
		Width:  cfg.Width,
		Height: cfg.Height,
	}, nil
}

func reject(detail string) Result {
	return Result{Valid: false, Detail: detail}
}
