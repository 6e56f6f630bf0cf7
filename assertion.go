package identity

import (
	"fmt"
	"strconv"
	"strings"
)

// EmailValue is one address disclosed by a provider.
type EmailValue struct {
	Value string `json:"value"`
}

// Assertion is what an OAuth collaborator hands the Linker after consent.
type Assertion struct {
	ProviderID  string       `json:"provider_id"`
	Emails      []EmailValue `json:"emails,omitempty"`
	DisplayName string       `json:"display_name,omitempty"`
	Username    string       `json:"username,omitempty"`
}

// Validate reports a malformed assertion as an UpstreamError.
func (a *Assertion) Validate() error {
	if a == nil || strings.TrimSpace(a.ProviderID) == "" {
		return &Error{Kind: KindUpstream, Code: ErrCodeInvalidAssertion, Message: "Provider did not return an account id"}
	}
	return nil
}

// PrimaryEmail returns the first non-empty disclosed address, normalized.
func (a *Assertion) PrimaryEmail() string {
	for _, e := range a.Emails {
		if v := NormalizeEmail(e.Value); v != "" {
			return v
		}
	}
	return ""
}

// AssertionFromUserInfo converts a provider's userinfo document into an
// Assertion. Google sends id or sub, GitHub a numeric id with login.
func AssertionFromUserInfo(provider Provider, userInfo map[string]any) (*Assertion, error) {
	if !provider.IsOAuth() {
		return nil, NewValidationError(ErrCodeUnsupportedProvider, fmt.Sprintf("unsupported provider %q", provider), "provider")
	}
	a := &Assertion{
		ProviderID:  firstString(userInfo, "id", "sub"),
		DisplayName: firstString(userInfo, "name", "displayName"),
		Username:    firstString(userInfo, "login", "username"),
	}
	if email := firstString(userInfo, "email"); email != "" {
		a.Emails = append(a.Emails, EmailValue{Value: email})
	}
	if list, ok := userInfo["emails"].([]any); ok {
		for _, item := range list {
			switch e := item.(type) {
			case string:
				a.Emails = append(a.Emails, EmailValue{Value: e})
			case map[string]any:
				if v, ok := e["value"].(string); ok && v != "" {
					a.Emails = append(a.Emails, EmailValue{Value: v})
				} else if v, ok := e["email"].(string); ok && v != "" {
					a.Emails = append(a.Emails, EmailValue{Value: v})
				}
			}
		}
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int64:
			return strconv.FormatInt(v, 10)
		case int:
			return strconv.Itoa(v)
		}
	}
	return ""
}
