// Package imagedata converts between the transport encoding used by clients
// and inference models (bare base64 or a data URL) and raw image bytes.
package imagedata

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// DefaultContentType is used when neither a data URL nor sniffing yields an image type.
const DefaultContentType = "image/jpeg"

// ErrEmpty is returned when the encoded payload carries no data.
var ErrEmpty = errors.New("image payload is empty")

// Decode strips an optional "data:<mime>;base64," prefix and decodes the
// remaining base64 text. The returned content type is taken from the data
// URL when it names an image type, otherwise sniffed from the bytes.
func Decode(encoded string) ([]byte, string, error) {
	payload := strings.TrimSpace(encoded)
	declared := ""
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return nil, "", fmt.Errorf("malformed data URL")
		}
		meta := payload[len("data:"):comma]
		if !strings.HasSuffix(meta, ";base64") {
			return nil, "", fmt.Errorf("data URL is not base64 encoded")
		}
		declared = strings.TrimSuffix(meta, ";base64")
		payload = payload[comma+1:]
	}
	if payload == "" {
		return nil, "", ErrEmpty
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Some clients drop padding.
		raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if rawErr != nil {
			return nil, "", fmt.Errorf("invalid base64 image: %w", err)
		}
		data = raw
	}
	if len(data) == 0 {
		return nil, "", ErrEmpty
	}
	return data, contentType(declared, data), nil
}

// EncodeDataURL renders data as a base64 data URL.
func EncodeDataURL(data []byte, contentType string) string {
	if contentType == "" {
		contentType = contentTypeOf(data)
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func contentType(declared string, data []byte) string {
	if strings.HasPrefix(declared, "image/") {
		return declared
	}
	return contentTypeOf(data)
}

func contentTypeOf(data []byte) string {
	if sniffed := http.DetectContentType(data); strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	return DefaultContentType
}
