package source

import (
	"errors"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		wantErr bool
	}{
		{name: "simple", target: "app"},
		{name: "nested", target: "bin/app"},
		{name: "deeply nested", target: "a/b/c/d.dat"},
		{name: "dotfile", target: ".env"},
		{name: "empty", target: "", wantErr: true},
		{name: "absolute", target: "/etc/passwd", wantErr: true},
		{name: "parent escape", target: "../escape", wantErr: true},
		{name: "embedded parent", target: "a/../../escape", wantErr: true},
		{name: "current dir segment", target: "a/./b", wantErr: true},
		{name: "empty segment", target: "a//b", wantErr: true},
		{name: "trailing slash", target: "a/", wantErr: true},
		{name: "backslash", target: `a\b`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateName(tc.target)
			if tc.wantErr && err == nil {
				t.Errorf("ValidateName(%q) = nil, want error", tc.target)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("ValidateName(%q) = %v, want nil", tc.target, err)
			}
		})
	}
}

func TestFetchErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &FetchError{Name: "app", Err: cause}

	if !errors.Is(err, cause) {
		t.Error("FetchError should unwrap to its cause")
	}
	if got := err.Error(); got == "" {
		t.Error("FetchError.Error() is empty")
	}
}
