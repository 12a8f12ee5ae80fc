package types

import (
	"bytes"
	"encoding/json"
)

// jsonStrictDecoder returns a decoder that rejects unknown fields.
func jsonStrictDecoder(data []byte) *json.Decoder {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec
}
