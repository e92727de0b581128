package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input   string
		want    Level
		wantErr bool
	}{
		{"TRACE", LevelTrace, false},
		{"debug", LevelDebug, false},
		{"Info", LevelInfo, false},
		{"WARN", LevelWarning, false},
		{"warning", LevelWarning, false},
		{"ERROR", LevelError, false},
		{"FATAL", LevelFatal, false},
		{" info ", LevelInfo, false},
		{"loud", LevelInfo, true},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseLevel(tc.input)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tc.input, err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}

func TestSetLevelFromString(t *testing.T) {
	defer SetLevel(GetLevel())

	SetLevelFromString("", LevelWarning)
	if GetLevel() != LevelWarning {
		t.Errorf("empty level should use default, got %v", GetLevel())
	}

	SetLevelFromString("nonsense", LevelError)
	if GetLevel() != LevelError {
		t.Errorf("invalid level should use default, got %v", GetLevel())
	}

	SetLevelFromString("debug", LevelError)
	if GetLevel() != LevelDebug {
		t.Errorf("expected debug level, got %v", GetLevel())
	}
}

func TestWarnRuleSkippedWritesJSONAndCounts(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetSampleRate(1)
	defer SetOutput(&bytes.Buffer{})

	before := RuleLoadFailures.Load()
	WarnRuleSkipped("aws/bad.yaml", errors.New("compile error"))

	if RuleLoadFailures.Load() != before+1 {
		t.Errorf("RuleLoadFailures not incremented")
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", entry["level"])
	}
	if entry["path"] != "aws/bad.yaml" {
		t.Errorf("path = %v, want aws/bad.yaml", entry["path"])
	}
}

func TestDebugRuleErrorHiddenAtInfo(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(&bytes.Buffer{})

	prev := GetLevel()
	SetLevel(LevelInfo)
	defer SetLevel(prev)

	before := RuleEvalErrors.Load()
	DebugRuleError("root_login", "title", errors.New("no such key"))

	if RuleEvalErrors.Load() != before+1 {
		t.Errorf("RuleEvalErrors not incremented")
	}
	if strings.Contains(buf.String(), "root_login") {
		t.Errorf("debug entry should be filtered at INFO, got %q", buf.String())
	}
}

func TestTraceLevelName(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(&bytes.Buffer{})

	prev := GetLevel()
	SetLevel(LevelTrace)
	defer SetLevel(prev)

	Trace("hello")
	if !strings.Contains(buf.String(), `"level":"TRACE"`) {
		t.Errorf("expected TRACE level name, got %q", buf.String())
	}
}
