package rules

import (
	"strings"
	"testing"
	"time"

	"github.com/google/cel-go/common/types"
)

func compileRule(t *testing.T, shared map[string]any, doc *Document) *Unit {
	t.Helper()
	c, err := NewCompiler(shared, 0)
	if err != nil {
		t.Fatalf("NewCompiler() failed: %v", err)
	}
	u, err := c.Compile("test_rule", "test.yaml", doc)
	if err != nil {
		t.Fatalf("Compile() failed: %v", err)
	}
	return u
}

func TestHelperFunctions(t *testing.T) {
	event := Event{
		"eventName": "GetObject",
		"userAgent": "Python-urllib/3.11",
		"tags":      []any{"dev", "Production"},
		"userIdentity": map[string]any{
			"type":        "IAMUser",
			"sessionInfo": map[string]any{"mfa": true},
		},
		"errorCode": "",
	}

	testCases := []struct {
		name string
		expr string
		want bool
	}{
		{"deep_get nested", `deep_get(event, "userIdentity.sessionInfo.mfa") == true`, true},
		{"deep_get missing is null", `deep_get(event, "userIdentity.arn") == null`, true},
		{"deep_get through scalar", `deep_get(event, "eventName.length") == null`, true},
		{"deep_get fallback", `deep_get(event, "userIdentity.arn", "none") == "none"`, true},
		{"deep_get present ignores fallback", `deep_get(event, "userIdentity.type", "none") == "IAMUser"`, true},
		{"pattern_match case-insensitive", `pattern_match(event.userAgent, ["curl", "python"])`, true},
		{"pattern_match miss", `pattern_match(event.userAgent, ["curl", "wget"])`, false},
		{"pattern_match empty input", `pattern_match("", ["a"])`, false},
		{"pattern_match_list", `pattern_match_list(event.tags, ["prod"])`, true},
		{"pattern_match_list miss", `pattern_match_list(event.tags, ["staging"])`, false},
		{"regex_match", `regex_match(event.eventName, "^Get[A-Z]\\w+$")`, true},
		{"regex_match miss", `regex_match(event.eventName, "^Put")`, false},
		{"is_successful empty errorCode", `is_successful(event)`, true},
		{"is_successful with error", `is_successful({"errorCode": "AccessDenied"})`, false},
		{"is_successful with message", `is_successful({"errorMessage": "denied"})`, false},
		{"ext strings", `event.eventName.lowerAscii() == "getobject"`, true},
		{"get_account_id recipient", `get_account_id({"recipientAccountId": "111"}) == "111"`, true},
		{"get_account_id falls back to identity", `get_account_id({"recipientAccountId": "", "userIdentity": {"accountId": "222"}}) == "222"`, true},
		{"get_account_id missing is null", `get_account_id(event) == null`, true},
		{"get_user_identity_arn default", `get_user_identity_arn(event) == "<UNKNOWN_ARN>"`, true},
		{"get_user_identity_arn", `get_user_identity_arn({"userIdentity": {"arn": "arn:aws:iam::1:user/a"}}) == "arn:aws:iam::1:user/a"`, true},
		{"get_principal_id default", `get_principal_id(event) == "<UNKNOWN_PRINCIPAL>"`, true},
		{"get_principal_id", `get_principal_id({"userIdentity": {"principalId": "AID1"}}) == "AID1"`, true},
		{"is_root_user", `is_root_user({"userIdentity": {"type": "Root"}})`, true},
		{"is_root_user iam user", `is_root_user(event)`, false},
		{"is_root_user no identity", `is_root_user({})`, false},
		{"is_console_login", `is_console_login({"eventName": "ConsoleLogin"})`, true},
		{"is_console_login miss", `is_console_login(event)`, false},
		{"is_assume_role_event", `is_assume_role_event({"eventName": "AssumeRole"})`, true},
		{"is_assume_role_event miss", `is_assume_role_event(event)`, false},
		{"aws_rule_context copies fields", `aws_rule_context(event).eventName == "GetObject"`, true},
		{"aws_rule_context nested identity", `aws_rule_context(event).userIdentity.type == "IAMUser"`, true},
		{"aws_rule_context missing is null", `aws_rule_context(event).sourceIPAddress == null`, true},
		{"aws_rule_context missing map is empty", `size(aws_rule_context(event).requestParameters) == 0`, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			u := compileRule(t, nil, &Document{Rule: tc.expr})
			if got := u.Matches(event); got != tc.want {
				t.Errorf("Matches() = %v, want %v for %s", got, tc.want, tc.expr)
			}
		})
	}
}

func TestRegexMatchErrorsAreNoMatch(t *testing.T) {
	u := compileRule(t, nil, &Document{Rule: `regex_match(event.name, "(")`})
	if u.Matches(Event{"name": "("}) {
		t.Error("invalid pattern should evaluate to no match")
	}
}

func TestRegexMatchTimeout(t *testing.T) {
	c, err := NewCompiler(nil, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	u, err := c.Compile("redos", "redos.yaml", &Document{Rule: `regex_match(event.input, "^(a+)+$")`})
	if err != nil {
		t.Fatal(err)
	}

	input := strings.Repeat("a", 40) + "!"
	start := time.Now()
	if u.Matches(Event{"input": input}) {
		t.Error("pathological input should not match")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("regex_match ran for %v despite the timeout", elapsed)
	}
}

func TestCompileRejectsNonBoolPredicate(t *testing.T) {
	c, err := NewCompiler(nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	for _, expr := range []string{`"yes"`, `1 + 2`, `[true]`} {
		if _, err := c.Compile("r", "r.yaml", &Document{Rule: expr}); err == nil {
			t.Errorf("Compile(%s) should fail: predicate is not bool", expr)
		}
	}
}

func TestDynPredicateNonBoolAtRuntime(t *testing.T) {
	u := compileRule(t, nil, &Document{Rule: `event.flag`})

	if !u.Matches(Event{"flag": true}) {
		t.Error("bool value should match")
	}
	if u.Matches(Event{"flag": "yes"}) {
		t.Error("string value is not a match")
	}
	if u.Matches(Event{"flag": 1}) {
		t.Error("int value is not a match")
	}
}

func TestCompileFailsWholeDocument(t *testing.T) {
	c, err := NewCompiler(nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		name string
		doc  *Document
		want string
	}{
		{"bad title", &Document{Rule: `true`, Title: `event.`}, "title"},
		{"bad dedup", &Document{Rule: `true`, Dedup: `+`}, "dedup"},
		{"unknown function", &Document{Rule: `no_such_fn(event)`}, "rule"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Compile("r", "r.yaml", tc.doc)
			if err == nil {
				t.Fatal("Compile() should fail")
			}
			if !strings.HasPrefix(err.Error(), tc.want) {
				t.Errorf("error = %v, want it to name %s", err, tc.want)
			}
		})
	}
}

func TestCompileStringCapabilities(t *testing.T) {
	testCases := []struct {
		name  string
		title string
		event Event
		want  string
	}{
		{"string", `"login by " + event.user`, Event{"user": "bob"}, "login by bob"},
		{"int", `event.count`, Event{"count": 3}, "3"},
		{"double", `event.ratio`, Event{"ratio": 1.5}, "1.5"},
		{"bool", `event.ok`, Event{"ok": true}, "true"},
		{"null falls back", `deep_get(event, "missing")`, Event{}, "test_rule"},
		{"error falls back", `event.missing`, Event{}, "test_rule"},
		{"shared constant", `shared.prefix + event.user`, Event{"user": "amy"}, "ops-amy"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			u := compileRule(t, map[string]any{"prefix": "ops-"}, &Document{Title: tc.title, Dedup: tc.title})
			if got := u.Title(tc.event); got != tc.want {
				t.Errorf("Title() = %q, want %q", got, tc.want)
			}
			if got := u.DedupKey(tc.event); got != tc.want {
				t.Errorf("DedupKey() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCompileLiteralsAndThreshold(t *testing.T) {
	threshold := 5
	u := compileRule(t, nil, &Document{Severity: "HIGH", Threshold: &threshold})

	if got := u.Severity(); got != "HIGH" {
		t.Errorf("Severity() = %s, want HIGH", got)
	}
	if n, ok := u.Threshold(); !ok || n != 5 {
		t.Errorf("Threshold() = %d, %v", n, ok)
	}
	if u.Matches(Event{}) {
		t.Error("document without rule should never match")
	}
}

func TestCompileCostLimit(t *testing.T) {
	c, err := NewCompiler(nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	c.costLimit = 10

	u, err := c.Compile("costly", "costly.yaml", &Document{Rule: `event.items.all(x, x > 0)`})
	if err != nil {
		t.Fatal(err)
	}

	items := make([]any, 100)
	for i := range items {
		items[i] = i + 1
	}
	if u.Matches(Event{"items": items}) {
		t.Error("evaluation over the cost limit should not match")
	}
}

func TestStringify(t *testing.T) {
	if _, err := stringify(types.NullValue); err != errNullValue {
		t.Errorf("stringify(null) error = %v, want errNullValue", err)
	}
	if s, err := stringify(types.Uint(7)); err != nil || s != "7" {
		t.Errorf("stringify(7u) = %q, %v", s, err)
	}
	if s, err := stringify(types.String("x")); err != nil || s != "x" {
		t.Errorf("stringify(\"x\") = %q, %v", s, err)
	}
}
