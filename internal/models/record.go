package models

import "time"

// Fields holds the business attributes of a record keyed by field name.
type Fields map[string]interface{}

// Clone returns a shallow copy of f.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// LocalRecord is a snapshot of a business entity in the local store.
type LocalRecord struct {
	ID        string     `db:"id" json:"id"`
	Kind      EntityKind `db:"entity_kind" json:"kind"`
	Fields    Fields     `db:"fields" json:"fields"`
	UpdatedAt *time.Time `db:"updated_at" json:"updated_at,omitempty"`
	Deleted   bool       `db:"deleted" json:"deleted,omitempty"`
}

// TableName returns the table name for LocalRecord.
func (LocalRecord) TableName() string {
	return "local_records"
}

// RemoteRecord is a snapshot of an object in the remote system.
type RemoteRecord struct {
	ID        string     `json:"id"`
	SubID     string     `json:"sub_id,omitempty"`
	Kind      EntityKind `json:"kind"`
	Fields    Fields     `json:"fields"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	Version   int64      `json:"version"`
	Deleted   bool       `json:"deleted,omitempty"`
}

// ChangePage is one page of a remote change feed.
type ChangePage struct {
	Records    []*RemoteRecord `json:"records"`
	NextCursor string          `json:"next_cursor"`
	HasMore    bool            `json:"has_more"`
}
