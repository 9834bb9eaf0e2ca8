package orgroles

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
)

// PermissionSet is an unordered set of organization permission names. Names
// are not checked against the catalogue, so unknown entries survive a round
// trip.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from names, ignoring empty strings.
func NewPermissionSet(names ...string) PermissionSet {
	set := make(PermissionSet, len(names))
	for _, name := range names {
		if name != "" {
			set[name] = struct{}{}
		}
	}
	return set
}

// Has reports whether name is in the set.
func (s PermissionSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Union returns a new set holding the members of s and names, and whether
// anything was added.
func (s PermissionSet) Union(names ...string) (PermissionSet, bool) {
	out := make(PermissionSet, len(s)+len(names))
	for name := range s {
		out[name] = struct{}{}
	}
	added := false
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, ok := out[name]; !ok {
			out[name] = struct{}{}
			added = true
		}
	}
	return out, added
}

// Equal reports whether both sets hold the same names.
func (s PermissionSet) Equal(other PermissionSet) bool {
	if len(s) != len(other) {
		return false
	}
	for name := range s {
		if _, ok := other[name]; !ok {
			return false
		}
	}
	return true
}

// Slice returns the names in sorted order.
func (s PermissionSet) Slice() []string {
	out := make([]string, 0, len(s))
	for name := range s {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON encodes the set as a sorted array.
func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

// UnmarshalJSON decodes an array of names.
func (s *PermissionSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	*s = NewPermissionSet(names...)
	return nil
}

// Value implements driver.Valuer.
func (s PermissionSet) Value() (driver.Value, error) {
	data, err := s.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (s *PermissionSet) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s = PermissionSet{}
		return nil
	case []byte:
		return s.UnmarshalJSON(v)
	case string:
		return s.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("cannot scan %T into PermissionSet", src)
	}
}
