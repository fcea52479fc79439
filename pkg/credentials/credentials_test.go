package credentials

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestStaticAndEnv(t *testing.T) {
	if got := Static("  abc \n").Token(); got != "abc" {
		t.Errorf("Static = %q", got)
	}
	t.Setenv("TABLECAST_TEST_TOKEN", " from-env ")
	if got := Env("TABLECAST_TEST_TOKEN").Token(); got != "from-env" {
		t.Errorf("Env = %q", got)
	}
	if got := Env("TABLECAST_TEST_UNSET").Token(); got != "" {
		t.Errorf("unset Env = %q", got)
	}
}

func TestFile(t *testing.T) {
	path := writeFile(t, "token", "file-token\n")
	if got := File(path).Token(); got != "file-token" {
		t.Errorf("File = %q", got)
	}
	if got := File(filepath.Join(t.TempDir(), "missing")).Token(); got != "" {
		t.Errorf("missing File = %q", got)
	}
	if got := File("").Token(); got != "" {
		t.Errorf("empty File = %q", got)
	}
}

func TestTokenFromAuthState(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"top level", `{"token":"t1"}`, "t1"},
		{"auth nested", `{"auth":{"token":"t2"}}`, "t2"},
		{"state nested", `{"state":{"token":"t3","user":{"id":1}}}`, "t3"},
		{"top level wins", `{"token":"t1","auth":{"token":"t2"}}`, "t1"},
		{"blank top level falls through", `{"token":"  ","auth":{"token":"t2"}}`, "t2"},
		{"no token", `{"user":{"id":1}}`, ""},
		{"not json", `token=abc`, ""},
		{"non-string token", `{"token":42}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TokenFromAuthState([]byte(tt.doc)); got != tt.want {
				t.Errorf("TokenFromAuthState = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChain(t *testing.T) {
	state := writeFile(t, "auth.json", `{"auth":{"token":"fallback"}}`)
	chain := Chain{nil, Static(""), File(""), AuthState(state)}
	if got := chain.Token(); got != "fallback" {
		t.Errorf("Chain = %q, want fallback", got)
	}

	chain = Chain{Static("primary"), AuthState(state)}
	if got := chain.Token(); got != "primary" {
		t.Errorf("Chain = %q, want primary", got)
	}

	if got := (Chain{}).Token(); got != "" {
		t.Errorf("empty Chain = %q", got)
	}
}
