package archive

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/afero"

	"github.com/nxmd/nxmd/internal/domain"
)

// defaultAuthor is used when a manifest omits the Author field.
const defaultAuthor = "Unknown"

// InvalidManifestError reports a descriptor that could not be parsed or is
// missing required fields. Missing lists the absent required field names.
type InvalidManifestError struct {
	Missing []string
	Reason  string
}

func (e *InvalidManifestError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("invalid manifest.json: missing required fields: %s", strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("invalid manifest.json: %s", e.Reason)
}

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

// ParseManifest reads and parses a manifest.json. Mod authors hand-write
// these, so a UTF-8 BOM, // and /* */ comments, and trailing commas are all
// tolerated. Name, Version and UniqueID are required; Author defaults.
func ParseManifest(fs afero.Fs, path string) (domain.Manifest, error) {
	var manifest domain.Manifest

	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return manifest, fmt.Errorf("read manifest: %w", err)
	}

	content := strings.TrimPrefix(string(raw), "\uFEFF")
	content = stripJSONComments(content)
	content = trailingCommaRe.ReplaceAllString(content, "$1")

	if err := json.Unmarshal([]byte(content), &manifest); err != nil {
		return manifest, &InvalidManifestError{Reason: err.Error()}
	}

	var missing []string
	if manifest.Name == "" {
		missing = append(missing, "Name")
	}
	if manifest.Version == "" {
		missing = append(missing, "Version")
	}
	if manifest.UniqueID == "" {
		missing = append(missing, "UniqueID")
	}
	if len(missing) > 0 {
		return manifest, &InvalidManifestError{Missing: missing}
	}

	if manifest.Author == "" {
		manifest.Author = defaultAuthor
	}
	return manifest, nil
}

// stripJSONComments removes // and /* */ comments outside string literals.
func stripJSONComments(input string) string {
	var out strings.Builder
	out.Grow(len(input))

	inString := false
	escaped := false

	for i := 0; i < len(input); i++ {
		ch := input[i]

		if escaped {
			out.WriteByte(ch)
			escaped = false
			continue
		}

		switch {
		case inString && ch == '\\':
			out.WriteByte(ch)
			escaped = true
		case ch == '"':
			inString = !inString
			out.WriteByte(ch)
		case !inString && ch == '/' && i+1 < len(input) && input[i+1] == '/':
			for i < len(input) && input[i] != '\n' {
				i++
			}
			if i < len(input) {
				out.WriteByte('\n')
			}
		case !inString && ch == '/' && i+1 < len(input) && input[i+1] == '*':
			i += 2
			for i+1 < len(input) && !(input[i] == '*' && input[i+1] == '/') {
				i++
			}
			i++ // skip the closing slash
			out.WriteByte(' ')
		default:
			out.WriteByte(ch)
		}
	}

	return out.String()
}
