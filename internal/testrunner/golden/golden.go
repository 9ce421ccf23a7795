// Package golden compares test output against files under testdata/.
// Run the tests with -update to rewrite the files from the current output.
package golden

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var update = flag.Bool("update", false, "rewrite golden files from the current output")

// Path returns the golden file used for name.
func Path(name string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(name)
	return filepath.Join("testdata", safe+".golden")
}

// Assert fails t when actual differs from the golden file for name.
func Assert(t testing.TB, name, actual string) {
	t.Helper()
	path := Path(name)
	if *update {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("golden: %v", err)
		}
		if err := os.WriteFile(path, []byte(actual), 0o644); err != nil {
			t.Fatalf("golden: %v", err)
		}
		return
	}
	expected, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("golden: %v (run with -update to create it)", err)
	}
	if string(expected) != actual {
		t.Errorf("golden file %s mismatch:\n%s", path, Diff(string(expected), actual))
	}
}

// Diff is a line-by-line comparison listing every differing line.
func Diff(expected, actual string) string {
	expectedLines := strings.Split(expected, "\n")
	actualLines := strings.Split(actual, "\n")

	var diff strings.Builder
	for i := 0; i < max(len(expectedLines), len(actualLines)); i++ {
		var want, got string
		if i < len(expectedLines) {
			want = expectedLines[i]
		}
		if i < len(actualLines) {
			got = actualLines[i]
		}
		if want != got {
			fmt.Fprintf(&diff, "line %d:\n- %s\n+ %s\n", i+1, want, got)
		}
	}
	return diff.String()
}
