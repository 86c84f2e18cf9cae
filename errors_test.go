package profileauth_test

import (
	"errors"
	"fmt"
	"testing"

	profileauth "github.com/City-of-Helsinki/profile-auth-go"
)

func TestIsErrorKind(t *testing.T) {
	base := &profileauth.Error{
		Kind:    profileauth.ErrKindRenewalFailed,
		Message: "silent renewal failed",
	}

	if !profileauth.IsErrorKind(base, profileauth.ErrKindRenewalFailed) {
		t.Error("direct kind not matched")
	}
	wrapped := fmt.Errorf("outer: %w", base)
	if !profileauth.IsErrorKind(wrapped, profileauth.ErrKindRenewalFailed) {
		t.Error("wrapped kind not matched")
	}
	if profileauth.IsErrorKind(base, profileauth.ErrKindInvalidUser) {
		t.Error("mismatched kind matched")
	}
	if profileauth.IsErrorKind(errors.New("plain"), profileauth.ErrKindRenewalFailed) {
		t.Error("plain error matched")
	}
	if profileauth.IsErrorKind(nil, profileauth.ErrKindRenewalFailed) {
		t.Error("nil error matched")
	}
}

func TestAsError(t *testing.T) {
	typed := &profileauth.Error{Kind: profileauth.ErrKindInvalidUser, Message: "no user"}
	if got := profileauth.AsError(typed, profileauth.ErrKindRenewalFailed); got != typed {
		t.Errorf("AsError returned %v, want the original typed error", got)
	}

	plain := errors.New("connection refused")
	got := profileauth.AsError(plain, profileauth.ErrKindAPITokenNetwork)
	if got.Kind != profileauth.ErrKindAPITokenNetwork {
		t.Errorf("Kind = %v, want fallback kind", got.Kind)
	}
	if !errors.Is(got, plain) {
		t.Error("wrapped error lost the cause")
	}
}

func TestIsClockSkewError(t *testing.T) {
	if !profileauth.IsClockSkewError(errors.New("oidc: token issued in the future")) {
		t.Error("issued-in-the-future not detected")
	}
	if !profileauth.IsClockSkewError(errors.New("Token used before issued")) {
		t.Error("used-before-issued not detected")
	}
	if profileauth.IsClockSkewError(errors.New("token expired")) {
		t.Error("unrelated error detected as clock skew")
	}
	if profileauth.IsClockSkewError(nil) {
		t.Error("nil detected as clock skew")
	}
}

func TestIsLoginCancelledError(t *testing.T) {
	if !profileauth.IsLoginCancelledError(errors.New("provider returned access_denied")) {
		t.Error("access_denied not detected")
	}
	if !profileauth.IsLoginCancelledError(errors.New("login_required")) {
		t.Error("login_required not detected")
	}
	if profileauth.IsLoginCancelledError(errors.New("server_error")) {
		t.Error("unrelated error detected as cancellation")
	}
}
