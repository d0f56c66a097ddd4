package env

import (
	"testing"
	"time"
)

func TestString_Default(t *testing.T) {
	got := String("ENV_STRING_DOES_NOT_EXIST", "fallback")
	if got != "fallback" {
		t.Fatalf("String()=%q, want fallback", got)
	}
}

func TestString_Override(t *testing.T) {
	t.Setenv("ENV_STRING_KEY", "value")
	got := String("ENV_STRING_KEY", "fallback")
	if got != "value" {
		t.Fatalf("String()=%q, want value", got)
	}
}

func TestRequire(t *testing.T) {
	if _, err := Require("ENV_REQUIRE_DOES_NOT_EXIST"); err == nil {
		t.Fatalf("Require() expected error for unset key")
	}
	t.Setenv("ENV_REQUIRE_KEY", "secret")
	got, err := Require("ENV_REQUIRE_KEY")
	if err != nil {
		t.Fatalf("Require() err=%v", err)
	}
	if got != "secret" {
		t.Fatalf("Require()=%q, want secret", got)
	}
}

func TestInt(t *testing.T) {
	got, err := Int("ENV_INT_DOES_NOT_EXIST", 7)
	if err != nil || got != 7 {
		t.Fatalf("Int()=%d/%v, want 7", got, err)
	}
	t.Setenv("ENV_INT_KEY", "42")
	got, err = Int("ENV_INT_KEY", 7)
	if err != nil || got != 42 {
		t.Fatalf("Int()=%d/%v, want 42", got, err)
	}
	t.Setenv("ENV_INT_KEY_INVALID", "seven")
	if _, err := Int("ENV_INT_KEY_INVALID", 7); err == nil {
		t.Fatalf("Int() expected error")
	}
}

func TestBool(t *testing.T) {
	got, err := Bool("ENV_BOOL_DOES_NOT_EXIST", true)
	if err != nil || got != true {
		t.Fatalf("Bool()=%v/%v, want true", got, err)
	}
	t.Setenv("ENV_BOOL_KEY", "false")
	got, err = Bool("ENV_BOOL_KEY", true)
	if err != nil || got != false {
		t.Fatalf("Bool()=%v/%v, want false", got, err)
	}
	t.Setenv("ENV_BOOL_KEY_INVALID", "maybe")
	if _, err := Bool("ENV_BOOL_KEY_INVALID", true); err == nil {
		t.Fatalf("Bool() expected error")
	}
}

func TestDuration(t *testing.T) {
	got, err := Duration("ENV_DURATION_DOES_NOT_EXIST", 5*time.Second)
	if err != nil || got != 5*time.Second {
		t.Fatalf("Duration()=%v/%v, want 5s", got, err)
	}
	t.Setenv("ENV_DURATION_KEY", "250ms")
	got, err = Duration("ENV_DURATION_KEY", 5*time.Second)
	if err != nil || got != 250*time.Millisecond {
		t.Fatalf("Duration()=%v/%v, want 250ms", got, err)
	}
	t.Setenv("ENV_DURATION_KEY_INVALID", "not-a-duration")
	if _, err := Duration("ENV_DURATION_KEY_INVALID", 5*time.Second); err == nil {
		t.Fatalf("Duration() expected error")
	}
}
