package paths

import (
	"path/filepath"
	"sort"
	"strings"
)

// Placeholders stored in record paths instead of the site-specific prefix.
const (
	PlaceholderRelative = "RELATIVE_ROOT"
	PlaceholderContent  = "CONTENT_ROOT"
	PlaceholderInstall  = "INSTALL_ROOT"
)

// Roots configures a Normalizer. Empty roots are skipped.
type Roots struct {
	Relative   string
	Content    string
	Install    string
	Relocation bool
	// Remote maps bucket or stream-wrapper prefixes onto local directories.
	Remote map[string]string
}

type root struct {
	placeholder string
	dir         string
}

type remotePrefix struct {
	prefix string
	dir    string
}

// Normalizer converts between absolute file paths and the relocatable keys
// stored in the record table. It is immutable and safe for concurrent use.
type Normalizer struct {
	relocation bool
	roots      []root // priority order
	remote     []remotePrefix
}

func NewNormalizer(r Roots) *Normalizer {
	n := &Normalizer{relocation: r.Relocation}
	for _, rt := range []root{
		{PlaceholderRelative, r.Relative},
		{PlaceholderContent, r.Content},
		{PlaceholderInstall, r.Install},
	} {
		if rt.dir == "" {
			continue
		}
		rt.dir = strings.TrimSuffix(filepath.ToSlash(filepath.Clean(rt.dir)), "/")
		n.roots = append(n.roots, rt)
	}
	for prefix, dir := range r.Remote {
		n.remote = append(n.remote, remotePrefix{
			prefix: strings.TrimSuffix(prefix, "/"),
			dir:    strings.TrimSuffix(filepath.ToSlash(filepath.Clean(dir)), "/"),
		})
	}
	// longest prefix wins
	sort.Slice(n.remote, func(i, j int) bool {
		return len(n.remote[i].prefix) > len(n.remote[j].prefix)
	})
	return n
}

// Relocation reports whether new keys are written in placeholder form.
func (n *Normalizer) Relocation() bool {
	return n.relocation
}

// Normalize returns the storage key for abs. With relocation off, or when no
// configured root contains abs, the key is abs itself.
func (n *Normalizer) Normalize(abs string) string {
	abs = clean(abs)
	if !n.relocation {
		return abs
	}
	for _, rt := range n.roots {
		if rest, ok := under(abs, rt.dir); ok {
			return rt.placeholder + rest
		}
	}
	return abs
}

// Denormalize expands a stored key back to an absolute path. Placeholders are
// always expanded, whatever the relocation setting.
func (n *Normalizer) Denormalize(key string) string {
	for _, rt := range n.roots {
		if rest, ok := under(key, rt.placeholder); ok {
			return rt.dir + rest
		}
	}
	return key
}

// Candidates lists every literal form a record for abs may be stored under,
// the absolute form first.
func (n *Normalizer) Candidates(abs string) []string {
	abs = clean(abs)
	out := []string{abs}
	seen := map[string]bool{abs: true}
	for _, rt := range n.roots {
		rest, ok := under(abs, rt.dir)
		if !ok {
			continue
		}
		key := rt.placeholder + rest
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	return out
}

// RealPath maps a bucket or stream-wrapper URL (s3://bucket/prefix/...) onto
// its local directory. Unmapped input is returned cleaned.
func (n *Normalizer) RealPath(p string) string {
	for _, rp := range n.remote {
		if rest, ok := under(p, rp.prefix); ok {
			return rp.dir + rest
		}
	}
	if strings.Contains(p, "://") {
		return p
	}
	return clean(p)
}

func clean(p string) string {
	if p == "" {
		return p
	}
	return filepath.ToSlash(filepath.Clean(p))
}

// under reports whether p equals prefix or sits below it, returning the
// remainder including its leading slash.
func under(p, prefix string) (string, bool) {
	if prefix == "" || !strings.HasPrefix(p, prefix) {
		return "", false
	}
	rest := p[len(prefix):]
	if rest != "" && rest[0] != '/' {
		return "", false
	}
	return rest, true
}
