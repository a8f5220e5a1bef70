// Package validation holds small, targeted validators shared by the tool
// registry: storage-path sanitization and the enum/date/base64 bound checks
// the declarative tool schemas can't express on their own.
package validation

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var safePathRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// emailRegex checks for the general shape of an address (local@domain.tld)
// rather than full RFC 5322 compliance, matching the loose validation the
// upstream API itself applies to a task's owner field.
var emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// SanitizePath rejects path traversal and absolute paths and validates each
// component of a file-storage path against a conservative allowed charset.
// No tool handler calls it: none of the tools takes a caller-supplied path.
func SanitizePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal detected: %s", path)
	}
	if strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}

	parts := strings.Split(path, "/")
	for _, part := range parts {
		if part == "" {
			continue
		}
		if !safePathRegex.MatchString(part) {
			return "", fmt.Errorf("unsafe path component: %s", part)
		}
	}

	return path, nil
}

// ValidateUploadName rejects path traversal, absolute paths, path
// separators, and null bytes in a human-facing upload filename, without
// restricting it to SanitizePath's storage-path charset: an upload name
// like "Q3 Review.xlsx" or "Budget (draft).csv" is a legitimate filename,
// not a path, and carries no directory components to sanitize.
func ValidateUploadName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("name must not contain a path separator: %s", name)
	}
	if strings.Contains(name, "\x00") {
		return fmt.Errorf("name must not contain a null byte")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("name must not be a path traversal segment: %s", name)
	}
	return nil
}

// ValidateDate checks that s parses as an RFC 3339 date (YYYY-MM-DD), the
// format tool parameters such as dueDate use.
func ValidateDate(s string) error {
	if _, err := time.Parse("2006-01-02", s); err != nil {
		return fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
	}
	return nil
}

// ValidateEmail checks that s has the general shape of an email address,
// the format tool parameters such as owner declare.
func ValidateEmail(s string) error {
	if !emailRegex.MatchString(s) {
		return fmt.Errorf("invalid email address %q", s)
	}
	return nil
}

// ValidateEnum checks that value is one of allowed, returning an error
// naming the full allowed set when it is not.
func ValidateEnum(value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid value %q, expected one of %s", value, strings.Join(allowed, ", "))
}

// ValidateBase64Size decodes s as standard base64 and rejects it if the
// decoded payload would exceed maxBytes, without ever materializing a
// payload larger than necessary to learn that — the encoded length bounds
// the decoded length tightly enough to reject up front.
func ValidateBase64Size(s string, maxBytes int) error {
	if encLen := base64.StdEncoding.DecodedLen(len(s)); encLen > maxBytes {
		return fmt.Errorf("payload too large: decodes to at most %d bytes, limit is %d", encLen, maxBytes)
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid base64 payload: %w", err)
	}
	if len(decoded) > maxBytes {
		return fmt.Errorf("payload too large: %d bytes, limit is %d", len(decoded), maxBytes)
	}
	return nil
}
