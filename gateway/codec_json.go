package gateway

import (
	"encoding/json"

	"github.com/Richardson2512/testlattice-backend-sub001/broadcast"
)

// JSONCodec is the default wire format.
type JSONCodec struct{}

func (c *JSONCodec) EncodeEvent(evt *broadcast.Event) ([]byte, error) {
	return json.Marshal(evt)
}

func (c *JSONCodec) DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *JSONCodec) Name() string { return CodecNameJSON }

func (c *JSONCodec) Binary() bool { return false }
