package deploy

import "testing"

var defaultAllowlist = []string{
	"**/*.md", "**/README*", "**/docs/**", "**/CHANGELOG*", "**/LICENSE*",
}

func TestAllChangesAreNonCodeTrueForDocsOnly(t *testing.T) {
	changed := []string{"README.md", "docs/guide.md", "CHANGELOG.md"}
	if !AllChangesAreNonCode(changed, defaultAllowlist) {
		t.Fatalf("expected docs-only changes to be treated as non-code")
	}
}

func TestAllChangesAreNonCodeFalseWhenCodeChanged(t *testing.T) {
	changed := []string{"README.md", "src/main.go"}
	if AllChangesAreNonCode(changed, defaultAllowlist) {
		t.Fatalf("expected a code change to force a build")
	}
}

func TestAllChangesAreNonCodeTrueForEmptyChangeset(t *testing.T) {
	if !AllChangesAreNonCode(nil, defaultAllowlist) {
		t.Fatalf("expected empty changeset to be treated as non-code")
	}
}

func TestNestedDocsDirectoryMatches(t *testing.T) {
	changed := []string{"packages/api/docs/setup.md"}
	if !AllChangesAreNonCode(changed, defaultAllowlist) {
		t.Fatalf("expected nested docs/** match")
	}
}

func TestTopLevelLicenseMatches(t *testing.T) {
	changed := []string{"LICENSE", "LICENSE.txt"}
	if !AllChangesAreNonCode(changed, defaultAllowlist) {
		t.Fatalf("expected LICENSE* match at repo root")
	}
}

func TestCompileGlobHandlesDoubleStarPrefix(t *testing.T) {
	re := compileGlob("**/README*")
	if re == nil {
		t.Fatal("expected compiled pattern")
	}
	if !re.MatchString("README.md") {
		t.Fatalf("expected root-level README to match **/README*")
	}
	if !re.MatchString("sub/dir/README") {
		t.Fatalf("expected nested README to match **/README*")
	}
}
