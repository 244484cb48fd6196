package ws

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"
)

// EncodingHeader lists the encodings a subscriber accepts, most preferred first
const EncodingHeader = "X-Mirror-WS-Encodings"

// Encoding is the wire encoding of the messages written to a subscriber
type Encoding uint8

const (
	EncodingJSON Encoding = iota
	EncodingMsgPack
)

func (e Encoding) String() string {
	switch e {
	case EncodingMsgPack:
		return "msgpack"
	default:
		return "json"
	}
}

const (
	magic0  = byte('S')
	magic1  = byte('M')
	version = byte(1)
)

// PreferredEncoding parses a comma separated preference list such as "msgpack,json".
// Unknown or empty lists fall back to JSON.
func PreferredEncoding(list string) Encoding {
	for _, p := range strings.Split(list, ",") {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "msgpack":
			return EncodingMsgPack
		case "json":
			return EncodingJSON
		}
	}
	return EncodingJSON
}

// Marshal encodes msg for the wire. JSON is sent as a text frame. MsgPack is
// sent as a binary frame behind a [magic][version][encoding] envelope.
func Marshal(msg *Message, enc Encoding) (websocket.MessageType, []byte, error) {
	if enc == EncodingJSON {
		data, err := json.Marshal(msg)
		return websocket.MessageText, data, err
	}

	var buf bytes.Buffer
	buf.Write([]byte{magic0, magic1, version, byte(enc)})

	encoder := msgpack.NewEncoder(&buf)
	encoder.SetCustomStructTag("json")
	if err := encoder.Encode(msg); err != nil {
		return websocket.MessageBinary, nil, fmt.Errorf("msgpack encode: %w", err)
	}
	return websocket.MessageBinary, buf.Bytes(), nil
}

// Unmarshal decodes a frame written by Marshal
func Unmarshal(typ websocket.MessageType, data []byte) (*Message, Encoding, error) {
	switch typ {
	case websocket.MessageText:
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, EncodingJSON, err
		}
		return &msg, EncodingJSON, nil

	case websocket.MessageBinary:
		if len(data) < 4 || data[0] != magic0 || data[1] != magic1 {
			return nil, EncodingMsgPack, errors.New("binary message missing envelope")
		}
		if data[2] != version {
			return nil, EncodingMsgPack, fmt.Errorf("unsupported envelope version: %d", data[2])
		}
		enc := Encoding(data[3])
		payload := data[4:]

		var msg Message
		switch enc {
		case EncodingMsgPack:
			decoder := msgpack.NewDecoder(bytes.NewReader(payload))
			decoder.SetCustomStructTag("json")
			if err := decoder.Decode(&msg); err != nil {
				return nil, enc, fmt.Errorf("msgpack decode: %w", err)
			}
		case EncodingJSON:
			if err := json.Unmarshal(payload, &msg); err != nil {
				return nil, enc, err
			}
		default:
			return nil, enc, fmt.Errorf("unknown encoding: %d", enc)
		}
		return &msg, enc, nil

	default:
		return nil, EncodingJSON, fmt.Errorf("unsupported message type: %v", typ)
	}
}
