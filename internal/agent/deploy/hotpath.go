// hotpath.go resolves Open Question #2 (SPEC_FULL.md §11.2): a deploy whose
// changed paths are entirely covered by the non-code allowlist skips the
// build step and reports PhaseBuildSkipped (the process is still restarted). No teacher or pack
// file implements glob-based change filtering (the teacher always rebuilds
// on every sync), so this is grounded directly on the allowlist shape spec
// §4.4 names. filepath.Match has no "**" support, so patterns are compiled
// to regexp instead — the standard library's own documented technique for
// "**"-aware globbing, since nothing in the retrieved examples ships a
// doublestar-capable glob library to wire in its place.
package deploy

import (
	"regexp"
	"strings"
	"sync"
)

// AllChangesAreNonCode reports whether every entry in changedPaths matches
// at least one glob in allowlist. An empty changedPaths list (nothing
// detectably changed) is treated as non-code, allowing a clean skip rather
// than a spurious rebuild.
func AllChangesAreNonCode(changedPaths, allowlist []string) bool {
	compiled := compileAll(allowlist)
	for _, p := range changedPaths {
		if !matchesAny(p, compiled) {
			return false
		}
	}
	return true
}

var patternCache sync.Map // pattern string -> *regexp.Regexp

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re := compileGlob(p); re != nil {
			out = append(out, re)
		}
	}
	return out
}

func matchesAny(path string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// compileGlob translates a "**"-aware glob into an anchored regexp:
//   - "**"  matches any number of path segments, including zero
//   - "*"   matches any run of characters except "/"
//   - "?"   matches a single character except "/"
// Invalid patterns are skipped (nil) rather than erroring, so one bad entry
// in a configurable allowlist cannot break matching for every other entry.
func compileGlob(pattern string) *regexp.Regexp {
	if cached, ok := patternCache.Load(pattern); ok {
		return cached.(*regexp.Regexp)
	}

	var b strings.Builder
	b.WriteString("^")
	i := 0
	for i < len(pattern) {
		switch {
		case strings.HasPrefix(pattern[i:], "**/"):
			b.WriteString("(?:.*/)?")
			i += 3
		case strings.HasPrefix(pattern[i:], "**"):
			b.WriteString(".*")
			i += 2
		case pattern[i] == '*':
			b.WriteString("[^/]*")
			i++
		case pattern[i] == '?':
			b.WriteString("[^/]")
			i++
		case strings.ContainsRune(".+()^${}|[]\\", rune(pattern[i])):
			b.WriteString(regexp.QuoteMeta(string(pattern[i])))
			i++
		default:
			b.WriteByte(pattern[i])
			i++
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		patternCache.Store(pattern, (*regexp.Regexp)(nil))
		return nil
	}
	patternCache.Store(pattern, re)
	return re
}
