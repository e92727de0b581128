// Package builtin holds detections compiled into the binary. They register
// themselves with the rules package from init and are only evaluated when a
// loader is created with rules.WithBuiltins.
package builtin

import (
	"encoding/json"
	"fmt"

	"github.com/liamcoop/detect/rules"
)

// UserIdentity is the actor block of a CloudTrail record
type UserIdentity struct {
	Type        string `json:"type"`
	PrincipalID string `json:"principalId"`
	ARN         string `json:"arn"`
	AccountID   string `json:"accountId"`
	UserName    string `json:"userName"`
}

// CloudTrail is the typed view of the CloudTrail fields the builtin rules read
type CloudTrail struct {
	EventName          string         `json:"eventName"`
	EventSource        string         `json:"eventSource"`
	EventTime          string         `json:"eventTime"`
	SourceIPAddress    string         `json:"sourceIPAddress"`
	UserAgent          string         `json:"userAgent"`
	ErrorCode          string         `json:"errorCode"`
	ErrorMessage       string         `json:"errorMessage"`
	RecipientAccountID string         `json:"recipientAccountId"`
	UserIdentity       UserIdentity   `json:"userIdentity"`
	ResponseElements   map[string]any `json:"responseElements"`
}

// DecodeCloudTrail converts a generic event. Fields of the wrong JSON type are an error.
func DecodeCloudTrail(event rules.Event) (*CloudTrail, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	var ct CloudTrail
	if err := json.Unmarshal(raw, &ct); err != nil {
		return nil, fmt.Errorf("not a CloudTrail record: %w", err)
	}
	return &ct, nil
}

// AccountID prefers the recipient account over the actor's account
func (c *CloudTrail) AccountID() string {
	if c.RecipientAccountID != "" {
		return c.RecipientAccountID
	}
	return c.UserIdentity.AccountID
}

// Successful reports whether the call carried no error
func (c *CloudTrail) Successful() bool {
	return c.ErrorCode == "" && c.ErrorMessage == ""
}
