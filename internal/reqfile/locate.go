// Package reqfile selects and parses the requirement files that feed a
// branch's resolution.
package reqfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// AggregatedFile supersedes all per-purpose requirement files when present
// at the project root. Exclusive, not additive.
const AggregatedFile = "global-requirements.txt"

// conventionalFiles are collected, in this order, when no aggregated file
// exists. Only files present on disk contribute.
var conventionalFiles = []string{
	"requirements.txt",
	"test-requirements.txt",
	"tools/pip-requires",
	"tools/test-requires",
}

// Locate produces the ordered requirement-file set for a checked-out branch
// rooted at root. An override list is used verbatim and every entry must
// exist; otherwise the aggregated file wins outright when present; otherwise
// the conventional files that exist are collected in fixed order. An empty
// result means the branch contributes nothing.
func Locate(root string, override []string) ([]string, error) {
	if len(override) > 0 {
		files := make([]string, 0, len(override))
		for _, f := range override {
			path := f
			if !filepath.IsAbs(path) {
				path = filepath.Join(root, f)
			}
			if _, err := os.Stat(path); err != nil {
				return nil, fmt.Errorf("requirement file %s not found: %w", f, err)
			}
			files = append(files, path)
		}
		return files, nil
	}

	aggregated := filepath.Join(root, AggregatedFile)
	if _, err := os.Stat(aggregated); err == nil {
		return []string{aggregated}, nil
	}

	var files []string
	for _, f := range conventionalFiles {
		path := filepath.Join(root, f)
		if _, err := os.Stat(path); err == nil {
			files = append(files, path)
		}
	}
	return files, nil
}
