// Package redact scrubs credentials out of text that leaves the pipeline,
// such as tracker issues built from findings and backend step output.
package redact

import (
	"regexp"
	"sort"
)

// SecretType represents the kind of credential that was matched
type SecretType string

const (
	SecretTypeAWSKey      SecretType = "aws_key"
	SecretTypeGCPKey      SecretType = "gcp_key"
	SecretTypePassword    SecretType = "password"
	SecretTypeToken       SecretType = "token"
	SecretTypePrivateKey  SecretType = "private_key"
	SecretTypeJWT         SecretType = "jwt"
	SecretTypeSlackToken  SecretType = "slack_token"
	SecretTypeGitHubToken SecretType = "github_token"
	SecretTypeStripeKey   SecretType = "stripe_key"
	SecretTypeDatabaseURL SecretType = "database_url"
)

// Detection is one matched secret
type Detection struct {
	Type     SecretType
	StartPos int
	EndPos   int
}

type pattern struct {
	kind SecretType
	re   *regexp.Regexp
	// group selects the submatch to redact; 0 redacts the whole match
	group int
}

// Ordered from most to least specific so overlaps keep the precise type
var patterns = []pattern{
	{SecretTypePrivateKey, regexp.MustCompile(`-----BEGIN\s+(?:RSA\s+|OPENSSH\s+|EC\s+|DSA\s+)?PRIVATE\s+KEY-----[\s\S]*?-----END\s+(?:RSA\s+|OPENSSH\s+|EC\s+|DSA\s+)?PRIVATE\s+KEY-----`), 0},
	{SecretTypeJWT, regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\b`), 0},
	{SecretTypeGitHubToken, regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`), 0},
	{SecretTypeSlackToken, regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9\-]{10,}\b`), 0},
	{SecretTypeStripeKey, regexp.MustCompile(`\b[sr]k_(?:live|test)_[0-9a-zA-Z]{24,}\b`), 0},
	{SecretTypeAWSKey, regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), 0},
	{SecretTypeGCPKey, regexp.MustCompile(`\bAIza[0-9A-Za-z\-_]{35}\b`), 0},
	{SecretTypeDatabaseURL, regexp.MustCompile(`(?i)\b(?:postgres|postgresql|mysql|mongodb|redis)://[^\s'"]+:[^\s'"@]+@[^\s'"]+`), 0},
	{SecretTypeToken, regexp.MustCompile(`(?i)bearer\s+([A-Za-z0-9_\-\.]{20,})`), 1},
	{SecretTypeToken, regexp.MustCompile(`(?i)(?:access[_\-]?)?token[:\s=]+['"]?([A-Za-z0-9_\-\.]{20,})`), 1},
	{SecretTypePassword, regexp.MustCompile(`(?i)(?:password|passwd|pwd)[:\s=]+['"]?([^\s'"]{8,})`), 1},
}

// Detect returns the non-overlapping secrets in text, ordered by position
func Detect(text string) []Detection {
	var found []Detection
	for _, p := range patterns {
		for _, m := range p.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[2*p.group], m[2*p.group+1]
			if start < 0 || overlaps(found, start, end) {
				continue
			}
			found = append(found, Detection{Type: p.kind, StartPos: start, EndPos: end})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].StartPos < found[j].StartPos })
	return found
}

// HasSecrets reports whether text contains anything Detect would match
func HasSecrets(text string) bool {
	return len(Detect(text)) > 0
}

// Secrets replaces every detected secret with a typed placeholder
func Secrets(text string) string {
	detections := Detect(text)
	if len(detections) == 0 {
		return text
	}

	out := make([]byte, 0, len(text))
	last := 0
	for _, d := range detections {
		out = append(out, text[last:d.StartPos]...)
		out = append(out, Placeholder(d.Type)...)
		last = d.EndPos
	}
	out = append(out, text[last:]...)
	return string(out)
}

// Placeholder returns the replacement text for a secret type
func Placeholder(kind SecretType) string {
	return "[REDACTED_" + string(kind) + "]"
}

func overlaps(found []Detection, start, end int) bool {
	for _, d := range found {
		if start < d.EndPos && end > d.StartPos {
			return true
		}
	}
	return false
}
