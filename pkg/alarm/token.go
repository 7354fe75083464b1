// Package alarm decodes alarm acknowledgement tokens and forwards acks to
// the introspection port of the producer that raised the alarm.
package alarm

import (
	"encoding/base64"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Token routes an acknowledgement back to the producer that emitted the
// alarm. It travels with the alarm as an opaque base64 blob.
type Token struct {
	HostIP    string `json:"host_ip"`
	HTTPPort  int    `json:"http_port"`
	Timestamp int64  `json:"timestamp"`
}

// EncodeToken packs a token into its opaque wire form.
func EncodeToken(t Token) (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeToken unpacks an opaque token, rejecting blobs in which any of the
// three routing fields is missing.
func DecodeToken(s string) (Token, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Token{}, errors.Wrap(err, "failed to decode token")
	}
	var fields map[string]jsoniter.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Token{}, errors.Wrap(err, "failed to decode token")
	}
	for _, required := range []string{"host_ip", "http_port", "timestamp"} {
		if _, ok := fields[required]; !ok {
			return Token{}, errors.Errorf("invalid token value: missing %s", required)
		}
	}
	var t Token
	if err := json.Unmarshal(raw, &t); err != nil {
		return Token{}, errors.Wrap(err, "failed to decode token")
	}
	return t, nil
}
