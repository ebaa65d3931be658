package gateway

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Richardson2512/testlattice-backend-sub001/broadcast"
)

// MsgpackCodec is the compact binary wire format for high-frequency
// step streams.
type MsgpackCodec struct{}

func (c *MsgpackCodec) EncodeEvent(evt *broadcast.Event) ([]byte, error) {
	return msgpack.Marshal(evt)
}

func (c *MsgpackCodec) DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *MsgpackCodec) Name() string { return CodecNameMsgpack }

func (c *MsgpackCodec) Binary() bool { return true }
