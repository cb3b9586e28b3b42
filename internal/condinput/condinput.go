// Package condinput interprets the key/value options ("condition input")
// attached to a data object request and reports which post-operation
// directives the caller asked for.
package condinput

import (
	"fmt"
	"sort"
	"strings"

	ferrors "github.com/vaultgrid/vaultgrid/internal/errors"
)

// Keywords recognized in a request's condition input.
const (
	ACLIncludedKW      = "aclIncluded"
	MetadataIncludedKW = "metadataIncluded"
	RegChksumKW        = "regChksum"
	VerifyChksumKW     = "verifyChksum"
	ChksumKW           = "chksum"
	VerifyBySizeKW     = "verifyBySize"
	ResourceNameKW     = "rescName"
	AdminKW            = "irodsAdmin"
)

// Map is an unordered option-name to option-value mapping.
type Map map[string]string

// Has reports whether key is present, regardless of its value.
func (m Map) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Get returns the value for key, or "" when absent.
func (m Map) Get(key string) string {
	return m[key]
}

// Clone returns an independent copy of m.
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	cp := make(Map, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// Keys returns the present keys in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AccessLevel is a permission level carried by an ACL directive.
type AccessLevel string

const (
	AccessNull  AccessLevel = "null"
	AccessRead  AccessLevel = "read"
	AccessWrite AccessLevel = "write"
	AccessOwn   AccessLevel = "own"
)

var accessRank = map[AccessLevel]int{
	AccessNull:  0,
	AccessRead:  1,
	AccessWrite: 2,
	AccessOwn:   3,
}

// Satisfies reports whether l grants at least want.
func (l AccessLevel) Satisfies(want AccessLevel) bool {
	return accessRank[l] >= accessRank[want]
}

// ParseAccessLevel validates a level name. "modify object" and "read object"
// are accepted as aliases for write and read.
func ParseAccessLevel(s string) (AccessLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "null":
		return AccessNull, nil
	case "read", "read object", "read_object":
		return AccessRead, nil
	case "write", "modify object", "modify_object":
		return AccessWrite, nil
	case "own":
		return AccessOwn, nil
	}
	return "", fmt.Errorf("unknown access level %q", s)
}

// ACLEntry grants one user a level on the object.
type ACLEntry struct {
	User  string
	Level AccessLevel
}

// AVU is an attribute/value/unit metadata triple.
type AVU struct {
	Attribute string
	Value     string
	Unit      string
}

// Directives is the classified result of interpreting a condition input.
type Directives struct {
	ApplyACL         bool
	ACL              []ACLEntry
	ApplyMetadata    bool
	Metadata         []AVU
	RegisterChecksum bool
	VerifyChecksum   bool
	// OriginalChecksum is the caller-supplied digest to verify against.
	// When empty, an in-place verify uses the recorded checksum and a
	// rewrite registers a fresh one.
	OriginalChecksum string
	// VerifySize is nil when the caller did not express a preference.
	VerifySize *bool
}

// Interpret classifies the condition input. It performs no I/O; malformed
// ACL or metadata payloads are reported as ErrInvalidCondInput.
func Interpret(m Map) (Directives, error) {
	d := InterpretIntegrity(m)

	if m.Has(ACLIncludedKW) {
		acl, err := ParseACL(m.Get(ACLIncludedKW))
		if err != nil {
			return Directives{}, ferrors.ErrInvalidCondInput.Wrap(err)
		}
		d.ApplyACL = true
		d.ACL = acl
	}

	if m.Has(MetadataIncludedKW) {
		avus, err := ParseMetadata(m.Get(MetadataIncludedKW))
		if err != nil {
			return Directives{}, ferrors.ErrInvalidCondInput.Wrap(err)
		}
		d.ApplyMetadata = true
		d.Metadata = avus
	}

	return d, nil
}

// InterpretIntegrity reads only the checksum and size keywords, the ones that
// decide what a replica is committed as. It cannot fail: ACL and metadata
// payloads are left for the post-commit steps to parse and report.
func InterpretIntegrity(m Map) Directives {
	var d Directives
	d.RegisterChecksum = m.Has(RegChksumKW)
	d.VerifyChecksum = m.Has(VerifyChksumKW)
	d.OriginalChecksum = m.Get(ChksumKW)

	if m.Has(VerifyBySizeKW) {
		v := parseBool(m.Get(VerifyBySizeKW))
		d.VerifySize = &v
	}
	return d
}

// ParseACL parses "user level;user level;..." into entries. Empty segments
// are ignored.
func ParseACL(s string) ([]ACLEntry, error) {
	var entries []ACLEntry
	for _, seg := range strings.Split(s, ";") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		// User names carry no spaces; levels may ("modify object").
		idx := strings.IndexByte(seg, ' ')
		if idx <= 0 {
			return nil, fmt.Errorf("acl segment %q: want \"user level\"", seg)
		}
		level, err := ParseAccessLevel(seg[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("acl segment %q: %w", seg, err)
		}
		entries = append(entries, ACLEntry{User: seg[:idx], Level: level})
	}
	return entries, nil
}

// ParseMetadata parses "attr;value;unit;attr;value;unit;..." into AVUs.
// The unit may be empty but its slot must be present.
func ParseMetadata(s string) ([]AVU, error) {
	s = strings.TrimSuffix(s, ";")
	if s == "" {
		return nil, nil
	}
	fields := strings.Split(s, ";")
	if len(fields)%3 == 2 {
		// A trailing empty unit is commonly elided.
		fields = append(fields, "")
	}
	if len(fields)%3 != 0 {
		return nil, fmt.Errorf("metadata payload has %d fields, want a multiple of 3", len(fields))
	}
	avus := make([]AVU, 0, len(fields)/3)
	for i := 0; i < len(fields); i += 3 {
		avu := AVU{Attribute: fields[i], Value: fields[i+1], Unit: fields[i+2]}
		if avu.Attribute == "" || avu.Value == "" {
			return nil, fmt.Errorf("metadata triple %d: attribute and value are required", i/3)
		}
		avus = append(avus, avu)
	}
	return avus, nil
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "false", "no", "off":
		return false
	}
	return true
}
