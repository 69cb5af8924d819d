package cryptostate

import (
	"errors"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s := New("correct-horse-battery-staple")
	payload := map[string]any{"breakpoints": []any{"main.py:10"}, "arch": "x86_64"}

	env, err := s.Save(payload)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(env)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got["arch"] != "x86_64" {
		t.Fatalf("expected round-tripped payload, got %+v", got)
	}
}

func TestLoadFailsWithWrongKey(t *testing.T) {
	s1 := New("key-one")
	s2 := New("key-two")

	env, err := s1.Save(map[string]any{"x": 1.0})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s2.Load(env); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption with mismatched key, got %v", err)
	}
}

func TestLoadFailsOnTamperedCiphertext(t *testing.T) {
	s := New("a-key")
	env, err := s.Save(map[string]any{"x": 1.0})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	env.Ciphertext = env.Ciphertext[:len(env.Ciphertext)-4] + "abcd"
	if _, err := s.Load(env); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption for tampered ciphertext, got %v", err)
	}
}

func TestSaveProducesDistinctSaltAndNonceEachTime(t *testing.T) {
	s := New("a-key")
	e1, err := s.Save(map[string]any{"x": 1.0})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	e2, err := s.Save(map[string]any{"x": 1.0})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if e1.Salt == e2.Salt || e1.Nonce == e2.Nonce {
		t.Fatalf("expected distinct salt/nonce per encryption")
	}
}
