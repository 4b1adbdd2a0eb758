package main

import "testing"

func TestSanitizeEnvName(t *testing.T) {
	cases := map[string]string{
		"src-1234":                    "src_1234",
		"adhoc-src-deadbeefcafebabe":  "adhoc_src_deadbeefcafebabe",
		"already_fine":                "already_fine",
		"UPPER.lower123":              "UPPER_lower123",
	}
	for in, want := range cases {
		if got := sanitizeEnvName(in); got != want {
			t.Errorf("sanitizeEnvName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLookupPassphraseMissing(t *testing.T) {
	if _, ok := lookupPassphrase("definitely-not-set-xyz"); ok {
		t.Fatal("expected no passphrase to be set")
	}
}

func TestLookupPassphrasePresent(t *testing.T) {
	t.Setenv("SCRAT_PASSPHRASE_my_source", "hunter2")
	pass, ok := lookupPassphrase("my-source")
	if !ok || pass != "hunter2" {
		t.Fatalf("lookupPassphrase() = %q, %v; want hunter2, true", pass, ok)
	}
}
