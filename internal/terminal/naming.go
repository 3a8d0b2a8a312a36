package terminal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// DefaultPrefix marks tmux sessions owned by ntmd.
const DefaultPrefix = "ntmd"

const maxTokenLen = 24

var (
	prefixPattern  = regexp.MustCompile(`^[a-z][a-z0-9-]{0,15}$`)
	tokenPattern   = regexp.MustCompile(`^[a-z0-9-]{1,24}$`)
	shortPattern   = regexp.MustCompile(`^[0-9a-f]{8}$`)
	tokenSanitizer = regexp.MustCompile(`[^a-z0-9-]+`)
)

// ManagedName is a parsed <prefix>_<token>_<short> tmux session name.
type ManagedName struct {
	Prefix string
	Token  string
	Short  string
}

func (n ManagedName) String() string {
	return n.Prefix + "_" + n.Token + "_" + n.Short
}

// DisplayName derives a human label from the token: the registered type's
// display name when the token is a type, otherwise the token title-cased.
func (n ManagedName) DisplayName() string {
	if info, ok := LookupType(Type(n.Token)); ok {
		return info.DisplayName
	}
	words := strings.FieldsFunc(n.Token, func(r rune) bool { return r == '-' })
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	if len(words) == 0 {
		return n.Token
	}
	return strings.Join(words, " ")
}

// ValidatePrefix checks a configured managed-name prefix.
func ValidatePrefix(prefix string) error {
	if !prefixPattern.MatchString(prefix) {
		return fmt.Errorf("invalid session prefix %q: must match %s", prefix, prefixPattern)
	}
	return nil
}

// FormatManagedName builds the tmux session name for a session id.
// The token is sanitized so any profile id or type produces a parseable name.
func FormatManagedName(prefix, token, id string) string {
	return ManagedName{Prefix: prefix, Token: SanitizeToken(token), Short: ShortID(id)}.String()
}

// ParseManagedName parses name under the managed grammar for prefix.
func ParseManagedName(prefix, name string) (ManagedName, error) {
	rest, ok := strings.CutPrefix(name, prefix+"_")
	if !ok || prefix == "" {
		return ManagedName{}, fmt.Errorf("%q is not a managed session name", name)
	}
	idx := strings.LastIndexByte(rest, '_')
	if idx < 0 {
		return ManagedName{}, fmt.Errorf("%q is missing the id suffix", name)
	}
	token, short := rest[:idx], rest[idx+1:]
	if !tokenPattern.MatchString(token) {
		return ManagedName{}, fmt.Errorf("%q has an invalid token %q", name, token)
	}
	if !shortPattern.MatchString(short) {
		return ManagedName{}, fmt.Errorf("%q has an invalid id suffix %q", name, short)
	}
	return ManagedName{Prefix: prefix, Token: token, Short: short}, nil
}

// IsManagedName reports whether name parses under the grammar for prefix.
func IsManagedName(prefix, name string) bool {
	_, err := ParseManagedName(prefix, name)
	return err == nil
}

// ShortID returns 8 lowercase hex characters derived from id. UUIDs keep
// their leading hex digits; anything else is hashed.
func ShortID(id string) string {
	compact := strings.ToLower(strings.ReplaceAll(id, "-", ""))
	if len(compact) >= 8 && shortPattern.MatchString(compact[:8]) {
		return compact[:8]
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:4])
}

// SanitizeToken lowercases s and collapses anything outside [a-z0-9-].
func SanitizeToken(s string) string {
	out := tokenSanitizer.ReplaceAllString(strings.ToLower(s), "-")
	out = strings.Trim(out, "-")
	if len(out) > maxTokenLen {
		out = strings.TrimRight(out[:maxTokenLen], "-")
	}
	if out == "" {
		return string(TypeShell)
	}
	return out
}
