// Package qr renders pairing payloads for browsers and terminals.
package qr

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
)

// DefaultSize is the PNG edge length in pixels.
const DefaultSize = 256

// PNG encodes code as a PNG image.
func PNG(code string, size int) ([]byte, error) {
	if code == "" {
		return nil, fmt.Errorf("empty QR payload")
	}
	if size <= 0 {
		size = DefaultSize
	}
	png, err := qrcode.Encode(code, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encoding QR code: %w", err)
	}
	return png, nil
}

// DataURL encodes code as a base64 PNG data URL suitable for an <img> tag.
func DataURL(code string) (string, error) {
	png, err := PNG(code, DefaultSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// Terminal renders code with Unicode half blocks, two modules per character
// row, dark modules drawn as spaces on a light background.
func Terminal(code string) (string, error) {
	if code == "" {
		return "", fmt.Errorf("empty QR payload")
	}
	q, err := qrcode.New(code, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("encoding QR code: %w", err)
	}
	bitmap := q.Bitmap()

	var sb strings.Builder
	for y := 0; y < len(bitmap); y += 2 {
		for x := 0; x < len(bitmap[y]); x++ {
			top := bitmap[y][x]
			bottom := y+1 < len(bitmap) && bitmap[y+1][x]
			switch {
			case top && bottom:
				sb.WriteRune(' ')
			case top:
				sb.WriteRune('▄')
			case bottom:
				sb.WriteRune('▀')
			default:
				sb.WriteRune('█')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
