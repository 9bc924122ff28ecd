package types

import "fmt"

// TableRef identifies a table by database and table name.
// The zero value means "no table".
type TableRef struct {
	Database string `json:"database" yaml:"database"`
	Table    string `json:"table" yaml:"table"`
}

// IsEmpty reports whether the ref identifies no table.
func (r TableRef) IsEmpty() bool {
	return r.Database == "" && r.Table == ""
}

// String returns the qualified name for logs and errors.
func (r TableRef) String() string {
	if r.Database == "" {
		return r.Table
	}
	return fmt.Sprintf("%s.%s", r.Database, r.Table)
}
