package cwire

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Envelope type strings understood by the firmware.
const (
	TypeValidation  = "validation"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeMsg         = "msg"
	TypeRequest     = "req"
	TypeResponse    = "res"
	TypeVideo       = "vid"
	TypeAudio       = "aud"
	TypeError       = "err"
	TypeHeartbeat   = "heartbeat"
	TypeInnerReq    = "rtc_inner_req"
	TypeReport      = "rtc_report"
	TypeAddError    = "add_error"
	TypeRemoveError = "rm_error"
	TypeErrors      = "errors"
)

// Envelope is one message on the data channel.
// Data and Info are kept raw: topic payload semantics live
// outside this layer.
type Envelope struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data,omitempty"`
	Info  json.RawMessage `json:"info,omitempty"`
}

// Marshal encodes the envelope for transmission as a text message.
func (e Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return b, nil
}

// ParseEnvelope decodes a text message into an Envelope.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, fmt.Errorf("failed to parse envelope: %w", err)
	}
	return e, nil
}

// NewEnvelope builds an envelope of the given type and topic,
// JSON-encoding data as the payload. A nil data omits the field.
func NewEnvelope(typ, topic string, data any) (Envelope, error) {
	e := Envelope{Type: typ, Topic: topic}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return e, fmt.Errorf("failed to marshal envelope data: %w", err)
		}
		e.Data = b
	}
	return e, nil
}

// Identity carries the correlation id and API function id of a request.
type Identity struct {
	ID    int64 `json:"id"`
	APIID int64 `json:"api_id"`
}

// Policy carries optional request routing policy.
type Policy struct {
	Priority int `json:"priority"`
}

// RequestHeader is the header block of a correlated request.
type RequestHeader struct {
	Identity Identity `json:"identity"`
	Policy   *Policy  `json:"policy,omitempty"`
}

// Request is the data payload of a TypeRequest envelope.
// Parameter is a JSON document re-encoded as a string,
// matching what the firmware expects.
type Request struct {
	Header    RequestHeader `json:"header"`
	Parameter string        `json:"parameter"`
}

// NewRequest builds a request payload for the given API function.
// A non-string parameter is JSON-encoded into the parameter field.
func NewRequest(id, apiID int64, parameter any) (Request, error) {
	req := Request{
		Header: RequestHeader{Identity: Identity{ID: id, APIID: apiID}},
	}

	switch p := parameter.(type) {
	case nil:
		// Leave the parameter empty.
	case string:
		req.Parameter = p
	default:
		b, err := json.Marshal(parameter)
		if err != nil {
			return req, fmt.Errorf("failed to marshal request parameter: %w", err)
		}
		req.Parameter = string(b)
	}

	return req, nil
}

// ChunkInfo describes one piece of a chunked response.
type ChunkInfo struct {
	EnableChunking bool `json:"enable_chunking"`
	ChunkIndex     int  `json:"chunk_index"`
	TotalChunks    int  `json:"total_chunk_num"`
}

// CorrelationKey derives the key used to match an envelope
// against a pending request. Preference order follows the firmware:
// an explicit uuid, then the request identity id, then the
// req_uuid carried in info, falling back to "<type> $ <topic>".
func CorrelationKey(e Envelope) string {
	if k, ok := nestedString(e.Data, "uuid"); ok {
		return k
	}
	if id, ok := identityID(e.Data); ok {
		return strconv.FormatInt(id, 10)
	}
	if k, ok := nestedString(e.Info, "uuid"); ok {
		return k
	}
	if k, ok := nestedString(e.Info, "req_uuid"); ok {
		return k
	}
	return FallbackKey(e.Type, e.Topic)
}

// FallbackKey is the correlation key for messages that carry
// no explicit identifier.
func FallbackKey(typ, topic string) string {
	return typ + " $ " + topic
}

// Chunk extracts chunking metadata from a response envelope,
// reporting false when the response is not chunked.
func Chunk(e Envelope) (ChunkInfo, bool) {
	var data struct {
		ContentInfo *ChunkInfo `json:"content_info"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil || data.ContentInfo == nil {
		return ChunkInfo{}, false
	}
	if !data.ContentInfo.EnableChunking {
		return ChunkInfo{}, false
	}
	return *data.ContentInfo, true
}

// ChunkPayload extracts the data.data field of a chunked response.
func ChunkPayload(e Envelope) ([]byte, error) {
	var data struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to extract chunk payload: %w", err)
	}
	return []byte(data.Data), nil
}

// ReplaceChunkPayload returns a copy of e whose data.data field
// holds the merged payload of all chunks.
func ReplaceChunkPayload(e Envelope, merged []byte) (Envelope, error) {
	var data map[string]json.RawMessage
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return e, fmt.Errorf("failed to rewrite chunked payload: %w", err)
	}

	b, err := json.Marshal(string(merged))
	if err != nil {
		return e, fmt.Errorf("failed to rewrite chunked payload: %w", err)
	}
	data["data"] = b
	delete(data, "content_info")

	out, err := json.Marshal(data)
	if err != nil {
		return e, fmt.Errorf("failed to rewrite chunked payload: %w", err)
	}

	e.Data = out
	return e, nil
}

func identityID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var data struct {
		Header struct {
			Identity struct {
				ID *int64 `json:"id"`
			} `json:"identity"`
		} `json:"header"`
	}
	if err := json.Unmarshal(raw, &data); err != nil || data.Header.Identity.ID == nil {
		return 0, false
	}
	return *data.Header.Identity.ID, true
}

func nestedString(raw json.RawMessage, field string) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", false
	}
	v, ok := m[field]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

// DataString interprets the envelope data as a bare JSON string,
// which is how validation keys and acknowledgements arrive.
func DataString(e Envelope) (string, bool) {
	var s string
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return "", false
	}
	return s, true
}

// InfoString interprets the envelope info as a bare JSON string.
func InfoString(e Envelope) (string, bool) {
	var s string
	if err := json.Unmarshal(e.Info, &s); err != nil {
		return "", false
	}
	return s, true
}
