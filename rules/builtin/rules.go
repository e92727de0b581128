package builtin

import (
	"fmt"

	"github.com/liamcoop/detect/rules"
)

func init() {
	rules.Register("builtin_root_console_login", RootConsoleLogin{})
	rules.Register("builtin_unauthorized_api_call", UnauthorizedAPICall{})
}

// RootConsoleLogin fires on console logins by the root user
type RootConsoleLogin struct{}

func (RootConsoleLogin) Evaluate(event rules.Event) (bool, error) {
	ct, err := DecodeCloudTrail(event)
	if err != nil {
		return false, err
	}
	return ct.EventName == "ConsoleLogin" && ct.UserIdentity.Type == "Root", nil
}

func (RootConsoleLogin) Title(event rules.Event) (string, error) {
	ct, err := DecodeCloudTrail(event)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("root console login from %s in account [%s]", ct.SourceIPAddress, ct.AccountID()), nil
}

func (RootConsoleLogin) Severity() (string, error) { return "HIGH", nil }

func (RootConsoleLogin) Dedup(event rules.Event) (string, error) {
	ct, err := DecodeCloudTrail(event)
	if err != nil {
		return "", err
	}
	if ct.SourceIPAddress == "" {
		return "", fmt.Errorf("sourceIPAddress missing")
	}
	return "root-login-" + ct.SourceIPAddress, nil
}

// unauthorizedCodes are the errorCode values of denied API calls
var unauthorizedCodes = map[string]bool{
	"AccessDenied":          true,
	"AccessDeniedException": true,
	"UnauthorizedOperation": true,
}

// UnauthorizedAPICall fires on API calls rejected for lack of permission
type UnauthorizedAPICall struct{}

func (UnauthorizedAPICall) Evaluate(event rules.Event) (bool, error) {
	ct, err := DecodeCloudTrail(event)
	if err != nil {
		return false, err
	}
	return unauthorizedCodes[ct.ErrorCode], nil
}

func (UnauthorizedAPICall) Title(event rules.Event) (string, error) {
	ct, err := DecodeCloudTrail(event)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("unauthorized %s call to %s by %s", ct.EventName, ct.EventSource, ct.UserIdentity.ARN), nil
}

func (UnauthorizedAPICall) Severity() (string, error) { return "MEDIUM", nil }

func (UnauthorizedAPICall) Dedup(event rules.Event) (string, error) {
	ct, err := DecodeCloudTrail(event)
	if err != nil {
		return "", err
	}
	if ct.UserIdentity.ARN == "" {
		return "", fmt.Errorf("userIdentity.arn missing")
	}
	return ct.UserIdentity.ARN, nil
}

func (UnauthorizedAPICall) Threshold() int { return 5 }
