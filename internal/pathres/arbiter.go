// Package pathres implements the path arbiter (SPEC_FULL.md §4.1): it picks
// the on-disk path for a queued download, disambiguates collisions between
// concurrent transfers and pre-existing files, and manages the `.matris`
// sidecar temp file that both claims a name and holds partial content during
// a transfer.
package pathres

import (
	"fmt"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// TempSuffix is appended to a final path to form its sidecar temp file name.
const TempSuffix = ".matris"

// Resolve returns the path to use for a desired destination path P, applying
// the arbiter rules in SPEC_FULL.md §4.1:
//
//  1. Neither P nor P.matris exists -> P.
//  2. P.matris exists (another transfer holds this slot) -> numbered variant.
//  3. P exists and overwrite=false -> numbered variant.
//  4. P exists and overwrite=true -> P.
func Resolve(p string, overwrite bool) (string, error) {
	pExists := exists(p)
	tmpExists := exists(p + TempSuffix)

	switch {
	case !pExists && !tmpExists:
		return p, nil
	case tmpExists:
		return numberedVariant(p)
	case !overwrite:
		return numberedVariant(p)
	default:
		return p, nil
	}
}

// numberedVariant finds the first name.k.ext (k = 1, 2, ...) for which
// neither the file nor its sidecar exists.
func numberedVariant(p string) (string, error) {
	dir, base := filepath.Split(p)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for variant := 1; ; variant++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s.%d%s", stem, variant, ext))
		if !exists(candidate) && !exists(candidate+TempSuffix) {
			return candidate, nil
		}
	}
}

// AllocateTempfile creates the empty sidecar next to p and returns its path.
// The sidecar's existence is the claim token that prevents a concurrently
// resolving peer from matching Resolve rule 1 against the same path.
// O_EXCL makes the create itself the atomic claim: if a peer's AllocateTempfile
// wins the race for the same p between our Resolve and this call, this
// returns an os.IsExist error instead of silently truncating their sidecar.
func AllocateTempfile(p string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("pathres: create directory for %s: %w", p, err)
	}
	tmp := p + TempSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	f.Close()
	return tmp, nil
}

// Claim resolves desired to a final path and allocates its sidecar as one
// atomic-from-the-outside operation. Resolve and AllocateTempfile are
// individually correct but not atomic together: two goroutines can both pass
// Resolve's exists() checks for the same candidate before either creates a
// sidecar. Claim closes that window by retrying Resolve against the
// now-updated filesystem state whenever AllocateTempfile loses that race,
// which always produces a fresh (and, since numberedVariant rescans from
// scratch, a still-disjoint) candidate.
func Claim(desired string, overwrite bool) (finalPath, tempPath string, err error) {
	for {
		finalPath, err = Resolve(desired, overwrite)
		if err != nil {
			return "", "", err
		}
		tempPath, err = AllocateTempfile(finalPath)
		if err == nil {
			return finalPath, tempPath, nil
		}
		if !os.IsExist(err) {
			return "", "", fmt.Errorf("pathres: allocate sidecar %s: %w", finalPath+TempSuffix, err)
		}
		// Lost the race for finalPath's sidecar: another transfer just
		// claimed it. Re-resolve from the original desired path; Resolve
		// now sees that sidecar and returns the next free candidate.
	}
}

// Promote atomically renames a completed sidecar to its final path, used
// only after transfer success. If the sidecar is absent, it is a no-op.
func Promote(tempPath string) (string, error) {
	finalPath := strings.TrimSuffix(tempPath, TempSuffix)
	if !exists(tempPath) {
		return finalPath, nil
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		return finalPath, fmt.Errorf("pathres: promote %s to %s: %w", tempPath, finalPath, err)
	}
	return finalPath, nil
}

// WarnFunc receives a best-effort cleanup failure message.
type WarnFunc func(format string, args ...interface{})

// Remove unlinks the sidecar at tempPath if present. Failures are swallowed
// and reported through warn, since cleanup is best-effort. An empty
// tempPath (no sidecar was ever allocated) is a silent no-op.
func Remove(tempPath string, warn WarnFunc) {
	if tempPath == "" {
		return
	}
	if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
		if warn != nil {
			warn("failed to remove sidecar %s: %v", tempPath, err)
		}
	}
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// ParseContentDisposition extracts the filename parameter from a
// Content-Disposition header value, using MIME-style quoted-value handling
// (RFC 2183 via the standard library's media-type parser).
func ParseContentDisposition(header string) (filename string, ok bool) {
	if header == "" {
		return "", false
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return "", false
	}
	name, ok := params["filename"]
	return name, ok && name != ""
}

// DefaultFilename derives the destination path for a download when the
// caller gave no explicit filename: the URL path's last segment, unless a
// Content-Disposition header carrying filename=... is present, in which case
// that wins.
func DefaultFilename(dir, rawURL, contentDisposition string) string {
	name := urlBaseName(rawURL)
	if fn, ok := ParseContentDisposition(contentDisposition); ok {
		name = fn
	}
	return filepath.Join(dir, name)
}

func urlBaseName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return path.Base(rawURL)
	}
	base := path.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		return "download"
	}
	return base
}
