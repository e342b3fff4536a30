package compute

import (
	"encoding/json"
	"sync"

	"google.golang.org/grpc/encoding"
)

// JSONCodecName is the content subtype of coordinator and worker RPCs.
const JSONCodecName = "json"

var registerCodecOnce sync.Once

// jsonCodec marshals the hand-written messages in computeproto. They carry
// json tags only, so the default proto codec cannot handle them.
type jsonCodec struct{}

func (jsonCodec) Name() string { return JSONCodecName }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

// EnsureGRPCJSONCodec registers the JSON codec. Both clients and servers
// call it before use.
func EnsureGRPCJSONCodec() {
	registerCodecOnce.Do(func() {
		encoding.RegisterCodec(jsonCodec{})
	})
}
