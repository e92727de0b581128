// Package wire encodes the analyze request and response for the pipe process and the HTTP API.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/liamcoop/detect/rules"
)

// ErrMalformedRequest wraps every request decoding or validation failure
var ErrMalformedRequest = errors.New("malformed request")

// Request is one analyze invocation. A missing or null events list is an empty batch.
type Request struct {
	RulesDir string        `json:"rules_dir" msgpack:"rules_dir" validate:"required"`
	Events   []rules.Event `json:"events" msgpack:"events"`
}

// Response carries the matches in evaluation order
type Response struct {
	Matches []rules.Match `json:"matches" msgpack:"matches"`
}

// Format names a wire encoding
type Format string

const (
	JSON    Format = "json"
	MsgPack Format = "msgpack"
)

// Codec converts requests and responses to and from one encoding
type Codec interface {
	DecodeRequest(r io.Reader) (*Request, error)
	EncodeRequest(w io.Writer, req *Request) error
	DecodeResponse(r io.Reader) (*Response, error)
	EncodeResponse(w io.Writer, resp *Response) error
	ContentType() string
}

// ParseFormat accepts json and msgpack, case-insensitively
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case JSON, "":
		return JSON, nil
	case MsgPack, "messagepack":
		return MsgPack, nil
	default:
		return "", fmt.Errorf("unknown format %q (use json or msgpack)", s)
	}
}

// CodecFor returns the codec for a format
func CodecFor(f Format) (Codec, error) {
	switch f {
	case JSON:
		return jsonCodec{}, nil
	case MsgPack:
		return msgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown format %q", f)
	}
}

// CodecForContentType picks a codec from an HTTP Content-Type or Accept value, defaulting to JSON
func CodecForContentType(contentType string) Codec {
	if strings.Contains(strings.ToLower(contentType), "msgpack") {
		return msgpackCodec{}
	}
	return jsonCodec{}
}

var validate = validator.New()

// Validate checks that rules_dir is present and replaces a nil events list with an empty one
func (r *Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if r.Events == nil {
		r.Events = []rules.Event{}
	}
	return nil
}

type jsonCodec struct{}

func (jsonCodec) ContentType() string { return "application/json" }

func (jsonCodec) DecodeRequest(r io.Reader) (*Request, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var req Request
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after request", ErrMalformedRequest)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	for _, event := range req.Events {
		normalizeNumbers(event)
	}
	return &req, nil
}

// normalizeNumbers replaces json.Number values in place: integers that fit
// become int64, everything else float64
func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalizeNumbers(e)
		}
		return x
	default:
		return v
	}
}

func (jsonCodec) EncodeRequest(w io.Writer, req *Request) error {
	return json.NewEncoder(w).Encode(req)
}

func (jsonCodec) DecodeResponse(r io.Reader) (*Response, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var resp Response
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	for _, m := range resp.Matches {
		normalizeNumbers(m.Event)
	}
	return &resp, nil
}

func (jsonCodec) EncodeResponse(w io.Writer, resp *Response) error {
	if resp.Matches == nil {
		resp = &Response{Matches: []rules.Match{}}
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return nil
}

type msgpackCodec struct{}

func (msgpackCodec) ContentType() string { return "application/msgpack" }

func newMsgpackDecoder(r io.Reader) *msgpack.Decoder {
	dec := msgpack.NewDecoder(r)
	dec.UseLooseInterfaceDecoding(true)
	return dec
}

func (msgpackCodec) DecodeRequest(r io.Reader) (*Request, error) {
	var req Request
	if err := newMsgpackDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

func (msgpackCodec) EncodeRequest(w io.Writer, req *Request) error {
	return msgpack.NewEncoder(w).Encode(req)
}

func (msgpackCodec) DecodeResponse(r io.Reader) (*Response, error) {
	var resp Response
	if err := newMsgpackDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

func (msgpackCodec) EncodeResponse(w io.Writer, resp *Response) error {
	if resp.Matches == nil {
		resp = &Response{Matches: []rules.Match{}}
	}
	if err := msgpack.NewEncoder(w).Encode(resp); err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return nil
}
