package pointers

import "github.com/google/uuid"

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

func Int(v int) *int          { return &v }
func String(v string) *string { return &v }

// UUID returns nil for uuid.Nil so optional foreign keys stay NULL.
func UUID(v uuid.UUID) *uuid.UUID {
	if v == uuid.Nil {
		return nil
	}
	return &v
}

// UUIDValue dereferences p, returning uuid.Nil for nil.
func UUIDValue(p *uuid.UUID) uuid.UUID {
	if p == nil {
		return uuid.Nil
	}
	return *p
}
