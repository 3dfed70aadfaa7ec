package commsutil

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const codecLogPrefix = "commsutil:codec"

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// EncodeLinkParam serializes v to JSON and base64 encodes it for use as a deep-link
// query value (originatorInfo, rpc). Strings are encoded as-is, without JSON quoting.
func EncodeLinkParam(v interface{}) (string, error) {
	var data []byte
	switch val := v.(type) {
	case string:
		data = []byte(val)
	case []byte:
		data = val
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("%s - failed to encode link param: %w", codecLogPrefix, err)
		}
		data = encoded
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
