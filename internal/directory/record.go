package directory

import "strings"

// Record is one contact directory entry (individual or group).
// Identifier is globally unique and immutable; updates only refine
// the name fields.
type Record struct {
	Identifier  string
	DisplayName string
	NotifyName  string
	PushName    string
}

// BestName returns the highest-confidence known name:
// DisplayName > NotifyName > PushName > identifier-derived fallback.
func (r Record) BestName() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	if r.NotifyName != "" {
		return r.NotifyName
	}
	if r.PushName != "" {
		return r.PushName
	}
	return DerivedName(r.Identifier)
}

// HasName reports whether any name field is set.
func (r Record) HasName() bool {
	return r.DisplayName != "" || r.NotifyName != "" || r.PushName != ""
}

// DerivedName extracts a readable fallback from an identifier,
// e.g. "1555@s.whatsapp.net" -> "1555".
func DerivedName(identifier string) string {
	if at := strings.IndexByte(identifier, '@'); at > 0 {
		return identifier[:at]
	}
	return identifier
}

// merge overlays non-empty fields of partial onto r. The identifier
// never changes.
func (r *Record) merge(partial Record) {
	if partial.DisplayName != "" {
		r.DisplayName = partial.DisplayName
	}
	if partial.NotifyName != "" {
		r.NotifyName = partial.NotifyName
	}
	if partial.PushName != "" {
		r.PushName = partial.PushName
	}
}
