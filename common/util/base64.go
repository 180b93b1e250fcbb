package util

import (
	"encoding/base64"
	"os"
	"strings"
)

// DecodeBase64Image decodes an image sent by a browser. A data URI prefix
// such as "data:image/jpeg;base64," is dropped, and unpadded or URL-safe
// payloads are accepted as well as standard Base64.
func DecodeBase64Image(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	for _, enc := range []*base64.Encoding{base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if alt, altErr := enc.DecodeString(s); altErr == nil {
			return alt, nil
		}
	}
	return nil, err
}

func EncodeImageIntoBase64(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
