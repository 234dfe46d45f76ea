package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWithUserWritePermission(t *testing.T) {
	testCases := []struct {
		name     string
		input    os.FileMode
		expected os.FileMode
	}{
		{name: "Read-only permission", input: 0444, expected: 0644},
		{name: "Already has write permission", input: 0755, expected: 0755},
		{name: "No permissions", input: 0000, expected: 0200},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := WithUserWritePermission(tc.input); got != tc.expected {
				t.Errorf("expected permission %o, but got %o", tc.expected, got)
			}
		})
	}
}

func TestIsWithin(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "data", "A")
	testCases := []struct {
		name   string
		parent string
		child  string
		want   bool
	}{
		{"Same path", root, root, true},
		{"Direct child", root, filepath.Join(root, "B"), true},
		{"Deep child", root, filepath.Join(root, "B", "C", "f.txt"), true},
		{"Sibling sharing a string prefix", root, root + "B", false},
		{"Parent is not within child", filepath.Join(root, "B"), root, false},
		{"Unrelated", root, filepath.Join(string(filepath.Separator), "mirror", "M"), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsWithin(tc.parent, tc.child); got != tc.want {
				t.Errorf("IsWithin(%q, %q) = %v; want %v", tc.parent, tc.child, got, tc.want)
			}
		})
	}
}

func TestByteCountIEC(t *testing.T) {
	testCases := map[int64]string{
		0:               "0 B",
		1023:            "1023 B",
		1024:            "1.0 KiB",
		5 * 1024 * 1024: "5.0 MiB",
	}
	for in, want := range testCases {
		if got := ByteCountIEC(in); got != want {
			t.Errorf("ByteCountIEC(%d) = %q; want %q", in, got, want)
		}
	}
}
