package sandbox

import (
	"errors"
	"testing"
)

func TestResolveWithinRoot(t *testing.T) {
	root := "/sessions/ws-1"

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{name: "relative", path: "src/main.go", want: "/sessions/ws-1/src/main.go"},
		{name: "dot", path: ".", want: "/sessions/ws-1"},
		{name: "absolute contained", path: "/sessions/ws-1/notes.txt", want: "/sessions/ws-1/notes.txt"},
		{name: "traversal escape", path: "../other/file", wantErr: true},
		{name: "nested traversal escape", path: "a/../../../etc/passwd", wantErr: true},
		{name: "absolute outside", path: "/etc/passwd", wantErr: true},
		{name: "sibling prefix", path: "/sessions/ws-10/file", wantErr: true},
		{name: "traversal that returns", path: "a/../b", want: "/sessions/ws-1/b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveWithinRoot(root, tt.path)
			if tt.wantErr {
				if !errors.Is(err, ErrPathEscapesRoot) {
					t.Fatalf("expected ErrPathEscapesRoot, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveWithinRoot failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestContains(t *testing.T) {
	if !Contains("/a/b", "/a/b") {
		t.Error("root should contain itself")
	}
	if !Contains("/a/b", "/a/b/c") {
		t.Error("root should contain nested path")
	}
	if Contains("/a/b", "/a/bc") {
		t.Error("prefix sibling must not be contained")
	}
	if Contains("/a/b", "/a") {
		t.Error("parent must not be contained")
	}
}

func TestRelativeWithinRoot(t *testing.T) {
	root := "/sessions/ws-1"

	got, err := RelativeWithinRoot(root, "repo")
	if err != nil {
		t.Fatalf("RelativeWithinRoot failed: %v", err)
	}
	if got != "/sessions/ws-1/repo" {
		t.Errorf("unexpected resolution: %q", got)
	}

	for _, p := range []string{"", "  ", "/sessions/ws-1/repo", "..", ".", "a/.."} {
		if _, err := RelativeWithinRoot(root, p); !errors.Is(err, ErrPathEscapesRoot) {
			t.Errorf("path %q: expected ErrPathEscapesRoot, got %v", p, err)
		}
	}
}
