package fake_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	profileauth "github.com/City-of-Helsinki/profile-auth-go"
	"github.com/City-of-Helsinki/profile-auth-go/fake"
	"github.com/City-of-Helsinki/profile-auth-go/storage"
)

func scriptedUser() *profileauth.User {
	return &profileauth.User{
		AccessToken: "access",
		ExpiresAt:   time.Now().Add(time.Hour),
		Profile:     profileauth.Profile{Subject: "user-123"},
	}
}

func TestSigninRedirectCallback_PersistsAndEmits(t *testing.T) {
	store := storage.NewMemory()
	m := fake.NewManager(store, fake.WithSigninUser(scriptedUser()))

	var loaded int
	m.Events().Subscribe(profileauth.EventUserLoaded, func(*profileauth.User) { loaded++ })

	user, err := m.SigninRedirectCallback(context.Background(), "https://app.example.com/callback")
	if err != nil {
		t.Fatalf("SigninRedirectCallback() error: %v", err)
	}
	if user.Profile.Subject != "user-123" {
		t.Errorf("subject = %q", user.Profile.Subject)
	}
	if loaded != 1 {
		t.Errorf("EventUserLoaded emissions = %d, want 1", loaded)
	}
	if _, ok := store.Get(m.StorageKey()); !ok {
		t.Error("user not persisted")
	}

	got, err := m.GetUser(context.Background())
	if err != nil || got == nil || got.AccessToken != "access" {
		t.Errorf("GetUser() = %v, %v", got, err)
	}
}

func TestScriptedErrors(t *testing.T) {
	m := fake.NewManager(storage.NewMemory(),
		fake.WithSigninErr(errors.New("signin failed")),
		fake.WithSilentErr(errors.New("silent failed")))

	if _, err := m.SigninRedirectCallback(context.Background(), ""); err == nil {
		t.Error("scripted signin error not returned")
	}
	if _, err := m.SigninSilent(context.Background()); err == nil {
		t.Error("scripted silent error not returned")
	}
	if got := m.SilentCalls(); got != 1 {
		t.Errorf("SilentCalls() = %d, want 1", got)
	}
}

func TestSigninRedirect_CarriesParams(t *testing.T) {
	m := fake.NewManager(storage.NewMemory())
	url, err := m.SigninRedirect(context.Background(), map[string]string{"ui_locales": "fi"})
	if err != nil {
		t.Fatalf("SigninRedirect() error: %v", err)
	}
	if !strings.Contains(url, "ui_locales=fi") {
		t.Errorf("redirect URL %q missing params", url)
	}
}

func TestRemoveUser_CountsAndEmits(t *testing.T) {
	store := storage.NewMemory()
	m := fake.NewManager(store, fake.WithSigninUser(scriptedUser()))

	if _, err := m.SigninRedirectCallback(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	var unloaded int
	m.Events().Subscribe(profileauth.EventUserUnloaded, func(*profileauth.User) { unloaded++ })

	if err := m.RemoveUser(context.Background()); err != nil {
		t.Fatalf("RemoveUser() error: %v", err)
	}
	if _, ok := store.Get(m.StorageKey()); ok {
		t.Error("user record survived RemoveUser")
	}
	if m.RemoveUserCalls() != 1 || unloaded != 1 {
		t.Errorf("RemoveUserCalls() = %d, unloaded = %d, want 1, 1", m.RemoveUserCalls(), unloaded)
	}
}
