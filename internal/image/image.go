// Package image normalizes user-supplied pictures (avatars, the server picture): decode, downscale, and re-encode to
// a bounded JPEG data URL so arbitrary uploads never reach the database unprocessed.
package image

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // register decoder
	"image/jpeg"
	_ "image/png" // register decoder
	"strings"

	"github.com/disintegration/imaging"
)

const (
	// maxDimension is the longest edge of a normalized picture.
	maxDimension = 512

	// quality is the JPEG quality of the re-encoded picture.
	quality = 85

	// maxInputBytes bounds the decoded upload. Base64 inflates by 4/3, so this caps request bodies around 8 MiB.
	maxInputBytes = 6 << 20
)

var (
	ErrTooLarge   = errors.New("image too large")
	ErrNotAnImage = errors.New("data is not a decodable image")
)

// Normalize takes a base64 picture (raw or data-URL form), decodes it, scales the longest edge down to 512 pixels,
// and returns it as a JPEG data URL. Pictures already within bounds are still re-encoded, stripping any metadata and
// disarming crafted files.
func Normalize(encoded string) (string, error) {
	raw, err := decodeBase64(encoded)
	if err != nil {
		return "", err
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotAnImage, err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxDimension || bounds.Dy() > maxDimension {
		if bounds.Dx() >= bounds.Dy() {
			img = imaging.Resize(img, maxDimension, 0, imaging.Lanczos)
		} else {
			img = imaging.Resize(img, 0, maxDimension, imaging.Lanczos)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("encode picture: %w", err)
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// decodeBase64 strips an optional data-URL prefix and decodes the payload, enforcing the size bound before decoding.
func decodeBase64(encoded string) ([]byte, error) {
	if idx := strings.Index(encoded, ","); idx >= 0 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[idx+1:]
	}
	if base64.StdEncoding.DecodedLen(len(encoded)) > maxInputBytes {
		return nil, ErrTooLarge
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64: %v", ErrNotAnImage, err)
	}
	return raw, nil
}
