package tokenizer

import "testing"

// Encodings are downloaded on first use; skip when offline.
func TestLoader_FallsBackToEncoding(t *testing.T) {
	load := Loader("")

	enc, err := load("mistralai/Mistral-7B-Instruct-v0.2")
	if err != nil {
		t.Skipf("tokenizer data unavailable: %v", err)
	}
	if n := len(enc.Encode("Explain retries")); n == 0 {
		t.Error("Expected at least one token")
	}
	if n := len(enc.Encode("")); n != 0 {
		t.Errorf("Expected no tokens for empty text, got %d", n)
	}
}

func TestLoader_UnknownFallback(t *testing.T) {
	if _, err := Loader("no_such_encoding")("unknown-model"); err == nil {
		t.Error("Expected an error for an unknown encoding")
	}
}
