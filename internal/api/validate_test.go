package api

import "testing"

func TestValidatePoolPath(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"recordings", true},
		{"archive/2024", true},
		{"calldoc-bucket", true},
		{"a/../b", true},
		{"", false},
		{"/var/lib/calldoc", false},
		{"..", false},
		{"../other", false},
		{"a/../../b", false},
		{`win\path`, false},
		{"bad\x00name", false},
	}
	for _, tt := range tests {
		msg := validatePoolPath("path", tt.value)
		if (msg == "") != tt.ok {
			t.Errorf("validatePoolPath(%q) = %q, want ok=%v", tt.value, msg, tt.ok)
		}
	}
}

func TestValidateIntRange(t *testing.T) {
	v := func(n int) *int { return &n }
	if msg := validateIntRange("record_percent", nil, 0, 100); msg != "" {
		t.Errorf("nil value: %q", msg)
	}
	if msg := validateIntRange("record_percent", v(100), 0, 100); msg != "" {
		t.Errorf("upper bound: %q", msg)
	}
	if msg := validateIntRange("record_percent", v(-1), 0, 100); msg != "record_percent must be between 0 and 100" {
		t.Errorf("below range: %q", msg)
	}
}
