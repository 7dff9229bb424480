package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCheckRelative(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"simple nested path", "sub/dir/file.txt", false},
		{"single file", "file.txt", false},
		{"dot segments collapsing inside root", "a/b/../c.txt", false},
		{"traversal", "../../etc/passwd", true},
		{"traversal after prefix", "a/../../b", true},
		{"absolute", "/etc/passwd", true},
		{"empty", "", true},
		{"bare dotdot", "..", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CheckRelative(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckRelative(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestResolveSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	// A symlinked directory inside the root pointing outside it.
	link := filepath.Join(root, "evil")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	if _, err := Resolve(root, "evil/file.txt"); err == nil {
		t.Error("Resolve allowed a symlink escaping the root")
	}

	// A normal path under the root is fine even if it doesn't exist yet.
	got, err := Resolve(root, "sub/dir/file.txt")
	if err != nil {
		t.Fatalf("Resolve failed for safe path: %v", err)
	}
	want := filepath.Join(root, "sub", "dir", "file.txt")
	if got != want {
		t.Errorf("Resolve = %q, want %q", got, want)
	}
}

func TestExcludeRules(t *testing.T) {
	rules := DefaultExcludes()

	tests := []struct {
		path string
		want bool
	}{
		{"cache/page1.html", true},
		{"uploads/2024/photo.jpg", false},
		{"uploads/debug.log", true},
		{"uploads/.DS_Store", true},
		{"themes/site/style.css", false},
		{"tmp/x", true},
	}

	for _, tt := range tests {
		if got := rules.Excluded(tt.path); got != tt.want {
			t.Errorf("Excluded(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
