package wire

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/liamcoop/detect/rules"
)

func TestParseFormat(t *testing.T) {
	testCases := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"json", JSON, false},
		{"", JSON, false},
		{" JSON ", JSON, false},
		{"msgpack", MsgPack, false},
		{"MessagePack", MsgPack, false},
		{"xml", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseFormat(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestJSONDecodeRequest(t *testing.T) {
	codec, err := CodecFor(JSON)
	require.NoError(t, err)

	body := `{"rules_dir": "rules", "events": [{"eventName": "ConsoleLogin", "n": 3, "userIdentity": {"type": "Root"}}]}`
	req, err := codec.DecodeRequest(strings.NewReader(body))
	require.NoError(t, err)

	assert.Equal(t, "rules", req.RulesDir)
	require.Len(t, req.Events, 1)
	assert.Equal(t, "ConsoleLogin", req.Events[0]["eventName"])
	assert.Equal(t, int64(3), req.Events[0]["n"])
	assert.Equal(t, map[string]any{"type": "Root"}, req.Events[0]["userIdentity"])
}

func TestDecodeRequestEmptyEvents(t *testing.T) {
	codec, _ := CodecFor(JSON)

	req, err := codec.DecodeRequest(strings.NewReader(`{"rules_dir": "rules", "events": []}`))
	require.NoError(t, err)
	assert.Empty(t, req.Events)
}

func TestDecodeRequestMissingEventsIsEmptyBatch(t *testing.T) {
	for _, body := range []string{`{"rules_dir": "r"}`, `{"rules_dir": "r", "events": null}`} {
		t.Run(body, func(t *testing.T) {
			codec, _ := CodecFor(JSON)

			req, err := codec.DecodeRequest(strings.NewReader(body))
			require.NoError(t, err)
			require.NotNil(t, req.Events)
			assert.Empty(t, req.Events)

			matches := rules.NewEngine(rules.NewRegistry(nil)).Analyze(req.Events)

			var buf bytes.Buffer
			require.NoError(t, codec.EncodeResponse(&buf, &Response{Matches: matches}))
			assert.JSONEq(t, `{"matches": []}`, buf.String())
		})
	}

	missing, err := msgpack.Marshal(map[string]any{"rules_dir": "r"})
	require.NoError(t, err)
	codec, _ := CodecFor(MsgPack)
	req, err := codec.DecodeRequest(bytes.NewReader(missing))
	require.NoError(t, err)
	assert.NotNil(t, req.Events)
	assert.Empty(t, req.Events)
}

func TestJSONNumbersSurviveRoundTrip(t *testing.T) {
	codec, _ := CodecFor(JSON)

	body := `{"rules_dir": "r", "events": [{"accountId": 123456789012345678, "ratio": 0.5, "whole": 2.0, "nested": {"ids": [1, 2.5]}}]}`
	req, err := codec.DecodeRequest(strings.NewReader(body))
	require.NoError(t, err)

	event := req.Events[0]
	assert.Equal(t, int64(123456789012345678), event["accountId"])
	assert.Equal(t, 0.5, event["ratio"])
	assert.Equal(t, 2.0, event["whole"])
	assert.Equal(t, []any{int64(1), 2.5}, event["nested"].(map[string]any)["ids"])

	var buf bytes.Buffer
	require.NoError(t, codec.EncodeResponse(&buf, &Response{Matches: []rules.Match{{RuleID: "r", Event: event}}}))
	assert.Contains(t, buf.String(), `"accountId":123456789012345678`)

	resp, err := codec.DecodeResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(123456789012345678), resp.Matches[0].Event["accountId"])
}

func TestJSONDecodeRequestMalformed(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"not json", "rules_dir=rules"},
		{"truncated", `{"rules_dir": "rules", "events": [`},
		{"missing rules_dir", `{"events": []}`},
		{"empty rules_dir", `{"rules_dir": "", "events": []}`},
		{"event not an object", `{"rules_dir": "rules", "events": [1]}`},
		{"events not a list", `{"rules_dir": "rules", "events": {}}`},
		{"trailing data", `{"rules_dir": "rules", "events": []} {}`},
	}

	codec, _ := CodecFor(JSON)
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := codec.DecodeRequest(strings.NewReader(tc.body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedRequest), "error should wrap ErrMalformedRequest: %v", err)
		})
	}
}

func TestMsgpackRoundTripRequest(t *testing.T) {
	codec, err := CodecFor(MsgPack)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, codec.EncodeRequest(&buf, &Request{
		RulesDir: "rules",
		Events: []rules.Event{
			{"eventName": "ConsoleLogin", "count": 3, "tags": []any{"a", "b"}},
		},
	}))

	req, err := codec.DecodeRequest(&buf)
	require.NoError(t, err)

	require.Len(t, req.Events, 1)
	assert.Equal(t, "ConsoleLogin", req.Events[0]["eventName"])
	assert.Equal(t, int64(3), req.Events[0]["count"])
	assert.Equal(t, []any{"a", "b"}, req.Events[0]["tags"])
}

func TestMsgpackDecodeRequestMalformed(t *testing.T) {
	codec, _ := CodecFor(MsgPack)

	_, err := codec.DecodeRequest(bytes.NewReader([]byte{0xc1}))
	assert.ErrorIs(t, err, ErrMalformedRequest)

	missing, err := msgpack.Marshal(map[string]any{"events": []any{}})
	require.NoError(t, err)
	_, err = codec.DecodeRequest(bytes.NewReader(missing))
	assert.ErrorIs(t, err, ErrMalformedRequest)
}

func TestEncodeResponse(t *testing.T) {
	match := rules.Match{
		RuleID:   "root_login",
		Title:    "root login from 1.2.3.4",
		Severity: "HIGH",
		Dedup:    "root_login",
		Event:    rules.Event{"eventName": "ConsoleLogin"},
	}

	for _, f := range []Format{JSON, MsgPack} {
		t.Run(string(f), func(t *testing.T) {
			codec, err := CodecFor(f)
			require.NoError(t, err)

			var buf bytes.Buffer
			require.NoError(t, codec.EncodeResponse(&buf, &Response{Matches: []rules.Match{match}}))

			resp, err := codec.DecodeResponse(&buf)
			require.NoError(t, err)
			require.Len(t, resp.Matches, 1)
			assert.Equal(t, match.RuleID, resp.Matches[0].RuleID)
			assert.Equal(t, match.Title, resp.Matches[0].Title)
			assert.Equal(t, match.Severity, resp.Matches[0].Severity)
			assert.Equal(t, match.Dedup, resp.Matches[0].Dedup)
			assert.Equal(t, "ConsoleLogin", resp.Matches[0].Event["eventName"])
		})
	}
}

func TestJSONEncodeResponseFieldNames(t *testing.T) {
	codec, _ := CodecFor(JSON)

	var buf bytes.Buffer
	require.NoError(t, codec.EncodeResponse(&buf, &Response{Matches: []rules.Match{{
		RuleID: "r", Title: "t", Severity: "INFO", Dedup: "d", Event: rules.Event{},
	}}}))

	assert.JSONEq(t, `{"matches": [{"rule_id": "r", "title": "t", "severity": "INFO", "dedup": "d", "event": {}}]}`, buf.String())
}

func TestEncodeResponseNilMatchesIsEmptyList(t *testing.T) {
	codec, _ := CodecFor(JSON)

	var buf bytes.Buffer
	require.NoError(t, codec.EncodeResponse(&buf, &Response{}))
	assert.JSONEq(t, `{"matches": []}`, buf.String())
}

func TestCodecForContentType(t *testing.T) {
	assert.Equal(t, "application/msgpack", CodecForContentType("application/msgpack").ContentType())
	assert.Equal(t, "application/msgpack", CodecForContentType("application/x-msgpack").ContentType())
	assert.Equal(t, "application/json", CodecForContentType("application/json; charset=utf-8").ContentType())
	assert.Equal(t, "application/json", CodecForContentType("").ContentType())

	_, err := CodecFor("yaml")
	assert.Error(t, err)
}
