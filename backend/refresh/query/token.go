package query

import (
	"encoding/base64"
	"encoding/json"

	"github.com/luxury-yacht/dashboard/backend/refresh"
)

// pageToken is the decoded form of the opaque continue token.
type pageToken struct {
	Mode Mode `json:"mode"`
	// api mode
	Continue string `json:"continue,omitempty"`
	Offset   int    `json:"offset,omitempty"`
	// cache mode: the last key served
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name,omitempty"`
}

func encodeToken(token pageToken) string {
	data, err := json.Marshal(token)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeToken(raw string) (pageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return pageToken{}, refresh.BadRequestf("malformed continue token")
	}
	var token pageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return pageToken{}, refresh.BadRequestf("malformed continue token")
	}
	switch token.Mode {
	case ModeAPI:
		if token.Continue == "" || token.Offset < 0 {
			return pageToken{}, refresh.BadRequestf("malformed continue token")
		}
	case ModeCache:
		if token.Name == "" {
			return pageToken{}, refresh.BadRequestf("malformed continue token")
		}
	default:
		return pageToken{}, refresh.BadRequestf("unknown continue token mode %q", token.Mode)
	}
	return token, nil
}

func (t pageToken) cursor() *refresh.Key {
	return &refresh.Key{Namespace: t.Namespace, Name: t.Name}
}
