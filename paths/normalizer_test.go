package paths

import (
	"reflect"
	"testing"
)

func testRoots(relocation bool) Roots {
	return Roots{
		Content:    "/srv/site/wp-content",
		Install:    "/srv/site",
		Relocation: relocation,
		Remote: map[string]string{
			"s3://media-bucket/uploads":      "/srv/site/wp-content/uploads",
			"s3://media-bucket/uploads/2024": "/mnt/archive/2024",
		},
	}
}

func TestNormalize(t *testing.T) {
	n := NewNormalizer(testRoots(true))

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"content root wins over install root", "/srv/site/wp-content/uploads/a.jpg", "CONTENT_ROOT/uploads/a.jpg"},
		{"install root", "/srv/site/wp-includes/logo.png", "INSTALL_ROOT/wp-includes/logo.png"},
		{"outside every root", "/var/tmp/x.gif", "/var/tmp/x.gif"},
		{"sibling with shared prefix", "/srv/site-old/a.jpg", "/srv/site-old/a.jpg"},
		{"unclean input", "/srv/site/wp-content/../wp-content/b.png", "CONTENT_ROOT/b.png"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := n.Normalize(tc.in); got != tc.want {
				t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeRelativeRootPriority(t *testing.T) {
	r := testRoots(true)
	r.Relative = "/srv/site/wp-content/uploads"
	n := NewNormalizer(r)

	if got := n.Normalize("/srv/site/wp-content/uploads/a.jpg"); got != "RELATIVE_ROOT/a.jpg" {
		t.Errorf("Normalize = %q, want RELATIVE_ROOT/a.jpg", got)
	}
	if got := n.Normalize("/srv/site/wp-content/themes/t.png"); got != "CONTENT_ROOT/themes/t.png" {
		t.Errorf("Normalize = %q, want CONTENT_ROOT/themes/t.png", got)
	}
}

func TestRoundTrip(t *testing.T) {
	n := NewNormalizer(testRoots(true))
	for _, p := range []string{
		"/srv/site/wp-content/uploads/2024/05/photo-300x200.jpg",
		"/srv/site/index.png",
		"/elsewhere/a.jpg",
	} {
		if got := n.Denormalize(n.Normalize(p)); got != p {
			t.Errorf("Denormalize(Normalize(%q)) = %q", p, got)
		}
	}
}

func TestRelocationDisabled(t *testing.T) {
	n := NewNormalizer(testRoots(false))
	p := "/srv/site/wp-content/uploads/a.jpg"
	if got := n.Normalize(p); got != p {
		t.Errorf("Normalize with relocation off = %q, want identity", got)
	}
	// keys written while relocation was on still resolve
	if got := n.Denormalize("CONTENT_ROOT/uploads/a.jpg"); got != p {
		t.Errorf("Denormalize = %q, want %q", got, p)
	}
}

func TestCandidates(t *testing.T) {
	n := NewNormalizer(testRoots(false))
	got := n.Candidates("/srv/site/wp-content/uploads/a.jpg")
	want := []string{
		"/srv/site/wp-content/uploads/a.jpg",
		"CONTENT_ROOT/uploads/a.jpg",
		"INSTALL_ROOT/wp-content/uploads/a.jpg",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Candidates = %v, want %v", got, want)
	}

	if got := n.Candidates("/tmp/x.png"); len(got) != 1 {
		t.Errorf("Candidates outside roots = %v, want only the absolute form", got)
	}
}

func TestRealPath(t *testing.T) {
	n := NewNormalizer(testRoots(true))
	tests := []struct {
		in, want string
	}{
		{"s3://media-bucket/uploads/2023/a.jpg", "/srv/site/wp-content/uploads/2023/a.jpg"},
		{"s3://media-bucket/uploads/2024/b.jpg", "/mnt/archive/2024/b.jpg"},
		{"gs://other/a.jpg", "gs://other/a.jpg"},
		{"/srv/site//x.png", "/srv/site/x.png"},
	}
	for _, tc := range tests {
		if got := n.RealPath(tc.in); got != tc.want {
			t.Errorf("RealPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
