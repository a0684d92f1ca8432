// Package pkgmeta extracts package name/version pairs from the metadata
// that locally-built (editable/VCS) packages leave behind in the sandbox
// build directory. Freeze does not report those, so the build-dir scan
// supplements it.
package pkgmeta

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FindBuildPackages walks root looking for *.egg directories carrying an
// EGG-INFO/PKG-INFO header file and returns name -> "name==version".
// A missing root yields an empty map: the build directory only exists when
// something was actually built.
func FindBuildPackages(root string) (map[string]string, error) {
	found := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || !strings.HasSuffix(path, ".egg") {
			return nil
		}
		infoPath := filepath.Join(path, "EGG-INFO", "PKG-INFO")
		name, version, perr := parsePkgInfo(infoPath)
		if perr != nil {
			if os.IsNotExist(perr) {
				return nil
			}
			return perr
		}
		if name != "" && version != "" {
			found[name] = fmt.Sprintf("%s==%s", name, version)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return found, nil
		}
		return nil, fmt.Errorf("scan build directory: %w", err)
	}
	return found, nil
}

// parsePkgInfo reads the Name and Version headers from a PKG-INFO file.
// PKG-INFO is an RFC 822 style header block; only the two headers matter
// here and continuation lines never apply to them.
func parsePkgInfo(path string) (name, version string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break // headers end at the first blank line
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch key {
		case "Name":
			name = strings.TrimSpace(value)
		case "Version":
			version = strings.TrimSpace(value)
		}
		if name != "" && version != "" {
			break
		}
	}
	return name, version, scanner.Err()
}
