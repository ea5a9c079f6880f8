package domain

import "errors"

// ErrNotFound is returned by stores when a tenant-scoped lookup matches no row.
// A row that exists under a different tenant is reported the same way.
var ErrNotFound = errors.New("not found")
