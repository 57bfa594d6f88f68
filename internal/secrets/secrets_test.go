package secrets

import (
	"errors"
	"testing"

	gokeyring "github.com/zalando/go-keyring"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		raw     string
		want    Ref
		wantErr bool
	}{
		{"keyring:loopd/telegram", Ref{"loopd", "telegram"}, false},
		{"  keyring: loopd / control ", Ref{"loopd", "control"}, false},
		{"keyring:loopd", Ref{}, true},
		{"keyring:/user", Ref{}, true},
		{"keyring:svc/", Ref{}, true},
		{"plain", Ref{}, true},
	}
	for _, tt := range tests {
		got, err := ParseRef(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseRef(%q) err = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrBadRef) {
			t.Fatalf("ParseRef(%q) err = %v, want %v", tt.raw, err, ErrBadRef)
		}
		if got != tt.want {
			t.Fatalf("ParseRef(%q) = %+v, want %+v", tt.raw, got, tt.want)
		}
	}
}

func TestResolve(t *testing.T) {
	gokeyring.MockInit()

	if got, err := Resolve("telegram.token", "123:plain"); err != nil || got != "123:plain" {
		t.Fatalf("Resolve(plain) = %q, %v", got, err)
	}
	if _, err := Resolve("telegram.token", "keyring:loopd/telegram"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve(missing) = %v, want %v", err, ErrNotFound)
	}

	if err := Set("keyring:loopd/telegram", "123:secret"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := Resolve("telegram.token", "keyring:loopd/telegram")
	if err != nil || got != "123:secret" {
		t.Fatalf("Resolve = %q, %v; want 123:secret", got, err)
	}

	if err := Delete("keyring:loopd/telegram"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := Delete("keyring:loopd/telegram"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := Resolve("telegram.token", "keyring:loopd/telegram"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve after delete = %v, want %v", err, ErrNotFound)
	}
}

func TestSetRejectsEmptyAndBadRefs(t *testing.T) {
	gokeyring.MockInit()
	if err := Set("keyring:loopd/x", " "); err == nil {
		t.Fatalf("Set(empty) succeeded")
	}
	if err := Set("loopd/x", "v"); !errors.Is(err, ErrBadRef) {
		t.Fatalf("Set(bad ref) = %v, want %v", err, ErrBadRef)
	}
}
