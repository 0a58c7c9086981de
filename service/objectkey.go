package service

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
)

var (
	unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

	errMalformedKey = errors.New("malformed object key")
)

// ObjectKey is the parsed form of
// <prefix>/<submission_id>/<requirement_id>/<stamp>-<filename>.
type ObjectKey struct {
	SubmissionID  string
	RequirementID string
	// Filename is the sanitized upload name without the stamp.
	Filename string
}

// SanitizeFilename reduces name to [A-Za-z0-9_.-]. The result is never empty
// and never contains a path separator.
func SanitizeFilename(name string, now time.Time) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	cleaned = strings.TrimSpace(cleaned)
	cleaned = strings.ReplaceAll(cleaned, " ", "_")
	cleaned = unsafeFilenameChars.ReplaceAllString(cleaned, "-")
	cleaned = strings.Trim(cleaned, "-._")
	if cleaned == "" {
		return fmt.Sprintf("file-%d", now.Unix())
	}
	return cleaned
}

// BuildObjectKey assembles an upload key.
func BuildObjectKey(prefix, submissionID, requirementID string, stamp int64, safeName string) string {
	return fmt.Sprintf("%s/%s/%s/%d-%s", prefix, submissionID, requirementID, stamp, safeName)
}

// ParseObjectKey recovers the submission, requirement and filename from a
// key. Keys outside prefix are read by position after their first segment.
func ParseObjectKey(prefix, key string) (ObjectKey, error) {
	var rest string
	if prefix != "" && strings.HasPrefix(key, prefix+"/") {
		rest = strings.TrimPrefix(key, prefix+"/")
	} else {
		i := strings.IndexByte(key, '/')
		if i < 0 {
			return ObjectKey{}, fmt.Errorf("%w: %q", errMalformedKey, key)
		}
		rest = key[i+1:]
	}

	parts := strings.Split(rest, "/")
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[len(parts)-1] == "" {
		return ObjectKey{}, fmt.Errorf("%w: %q", errMalformedKey, key)
	}

	name := parts[len(parts)-1]
	if i := strings.IndexByte(name, '-'); i > 0 && isDigits(name[:i]) && i < len(name)-1 {
		name = name[i+1:]
	}
	return ObjectKey{SubmissionID: parts[0], RequirementID: parts[1], Filename: name}, nil
}

// keyStamp returns the upload stamp of a key's final segment.
func keyStamp(key string) (int64, bool) {
	name := key[strings.LastIndexByte(key, '/')+1:]
	i := strings.IndexByte(name, '-')
	if i <= 0 || !isDigits(name[:i]) {
		return 0, false
	}
	n, err := strconv.ParseInt(name[:i], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// isStaleKey reports whether an object at candidate must not overwrite a slot
// that currently tracks current. Only a strictly newer stamp may replace the
// slot's key; an unstamped key never does.
func isStaleKey(current, candidate string) bool {
	if current == "" || candidate == "" || current == candidate {
		return false
	}
	cur, okCur := keyStamp(current)
	cand, okCand := keyStamp(candidate)
	if !okCur || !okCand {
		return true
	}
	return cand <= cur
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// stampClock hands out strictly increasing millisecond stamps so two uploads
// in the same millisecond never share a key.
type stampClock struct {
	last atomic.Int64
	now  func() time.Time
}

func (c *stampClock) Next() int64 {
	for {
		next := c.now().UnixMilli()
		last := c.last.Load()
		if next <= last {
			next = last + 1
		}
		if c.last.CompareAndSwap(last, next) {
			return next
		}
	}
}
