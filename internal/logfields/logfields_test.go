package logfields

import (
	"log/slog"
	"testing"
)

// TestHelperKeyNames verifies string-based helper key/value stability.
func TestHelperKeyNames(t *testing.T) {
	cases := []struct {
		name    string
		attrKey string
		attrVal string
		attr    slog.Attr
	}{
		{"Mirror", KeyMirror, "openstack", Mirror("openstack")},
		{"Project", KeyProject, "requirements", Project("requirements")},
		{"Branch", KeyBranch, "origin/main", Branch("origin/main")},
		{"Path", KeyPath, "/tmp/x", Path("/tmp/x")},
		{"URL", KeyURL, "https://example.org/r.git", URL("https://example.org/r.git")},
		{"Name", KeyName, "six", Name("six")},
		{"RunID", KeyRunID, "abc", RunID("abc")},
		{"Phase", KeyPhase, "install", Phase("install")},
		{"Command", KeyCommand, "pip install", Command("pip install")},
		{"State", KeyState, "FAILED", State("FAILED")},
	}

	for _, tc := range cases {
		if tc.attr.Key != tc.attrKey {
			// Key drift would break log ingestion schemas.
			t.Fatalf("%s: expected key %s, got %s", tc.name, tc.attrKey, tc.attr.Key)
		}
		if got := tc.attr.Value.String(); got != tc.attrVal {
			t.Fatalf("%s: expected value %s, got %v", tc.name, tc.attrVal, got)
		}
	}
}

func TestErrorAttr(t *testing.T) {
	if got := Error(nil).Value.String(); got != "" {
		t.Fatalf("nil error should render empty, got %q", got)
	}
}
