package passphrase

import "testing"

func TestSourcePrefersEnvironment(t *testing.T) {
	t.Setenv("PASSPHRASE_TEST_VALUE", "correct horse")
	src := NewSource("relayer operator keystore", "PASSPHRASE_TEST_VALUE")
	got, err := src.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "correct horse" {
		t.Fatalf("unexpected passphrase %q", got)
	}
	t.Setenv("PASSPHRASE_TEST_VALUE", "changed")
	if again, _ := src.Get(); again != "correct horse" {
		t.Fatalf("expected cached value, got %q", again)
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("PASSPHRASE_TEST_BLANK", "   ")
	if _, err := NewSource("", "PASSPHRASE_TEST_BLANK").Get(); err == nil {
		t.Fatalf("expected error for blank passphrase")
	}
}
