package reqfile

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// urlPattern matches direct URL references: http://, https://, and
// VCS-over-HTTPS forms such as git+https://.
var urlPattern = regexp.MustCompile(`https?://`)

// FilterResult separates plain requirement lines from direct URL references.
type FilterResult struct {
	// Requirements are the lines passed to the install pass, in input order.
	Requirements []string
	// URLKeys are the cache keys of stripped URL references. Their cache
	// entries are evicted before every resolution pass so the fetch is
	// forced each run.
	URLKeys []string
}

// FilterURLRequirements reads every requirement file and strips direct URL
// references from the effective requirement list, returning the cache keys
// of the stripped entries.
func FilterURLRequirements(files []string) (*FilterResult, error) {
	result := &FilterResult{}
	for _, file := range files {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("open requirements file: %w", err)
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			req := strings.TrimSpace(scanner.Text())
			if !urlPattern.MatchString(req) {
				result.Requirements = append(result.Requirements, req)
				continue
			}
			targetURL, _, _ := strings.Cut(req, "#")
			result.URLKeys = append(result.URLKeys, QuoteFilename(targetURL))
		}
		err = scanner.Err()
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("read requirements file %s: %w", file, err)
		}
	}
	return result, nil
}

// QuoteFilename percent-encodes s with no safe characters beyond
// letters, digits, and "_.-". This matches how the installer derives
// cache filenames from download URLs (Python urllib.quote(s, safe='')),
// which is what keys the artifact cache.
func QuoteFilename(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAlwaysSafe(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// UnquoteFilename reverses QuoteFilename. Unlike url.QueryUnescape it
// leaves "+" alone and tolerates stray "%" bytes, again matching the
// installer's unquote semantics.
func UnquoteFilename(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if hi, ok1 := fromHex(s[i+1]); ok1 {
				if lo, ok2 := fromHex(s[i+2]); ok2 {
					b.WriteByte(hi<<4 | lo)
					i += 2
					continue
				}
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isAlwaysSafe(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_' || c == '.' || c == '-':
		return true
	}
	return false
}

func fromHex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
