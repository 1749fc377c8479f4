package sparse

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"

	"github.com/whitaker-io/data"
)

// Wire framing: every frame is a 1-byte type tag, an 8-byte big-endian
// payload length, and the payload itself. Object frames carry a gob-encoded
// dictionary with a mandatory "op" key; file frames carry opaque bytes.
const (
	frameHeaderSize = 9

	frameObject byte = 'o'
	frameFile   byte = 'f'
)

func init() {
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
	gob.Register([]string{})
	gob.Register([]byte{})
	gob.Register(data.Data{})
}

type frame struct {
	typ     byte
	payload []byte
}

// encodeFrame prepends the frame header to the payload.
func encodeFrame(typ byte, payload []byte) []byte {
	out := make([]byte, frameHeaderSize+len(payload))
	out[0] = typ
	binary.BigEndian.PutUint64(out[1:frameHeaderSize], uint64(len(payload)))
	copy(out[frameHeaderSize:], payload)
	return out
}

// encodeObject serialises a wire dictionary into an object payload.
func encodeObject(obj map[string]interface{}) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(obj); err != nil {
		return nil, fmt.Errorf("encoding object: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeObject deserialises an object payload back into a wire dictionary.
func decodeObject(payload []byte) (map[string]interface{}, error) {
	obj := map[string]interface{}{}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&obj); err != nil {
		return nil, fmt.Errorf("decoding object: %w", err)
	}
	return obj, nil
}

// frameDecoder assembles frames from a byte stream. Feed accepts chunks of
// any size: headers split across reads, several frames in one read, and
// frames spanning many reads all reassemble to the same frame sequence.
type frameDecoder struct {
	buf        bytes.Buffer
	haveHeader bool
	typ        byte
	size       uint64
}

// Feed appends a chunk to the decoder and returns every frame completed by
// it, in arrival order.
func (d *frameDecoder) Feed(chunk []byte) []frame {
	d.buf.Write(chunk)

	var frames []frame
	for {
		if !d.haveHeader {
			if d.buf.Len() < frameHeaderSize {
				return frames
			}
			header := make([]byte, frameHeaderSize)
			_, _ = d.buf.Read(header)
			d.typ = header[0]
			d.size = binary.BigEndian.Uint64(header[1:])
			d.haveHeader = true
		}

		if uint64(d.buf.Len()) < d.size {
			return frames
		}

		payload := make([]byte, d.size)
		_, _ = d.buf.Read(payload)
		d.haveHeader = false

		frames = append(frames, frame{typ: d.typ, payload: payload})
	}
}
