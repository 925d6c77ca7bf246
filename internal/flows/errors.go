package flows

import "errors"

// ErrNotFound is returned for an unknown flow_id or execution_id.
var ErrNotFound = errors.New("flows: not found")

// ErrNameConflict is returned when a flow name collides with an existing
// flow — enforced both at Create (fixing the bug flagged in spec.md §9)
// and at Import with overwrite_existing=false.
var ErrNameConflict = errors.New("flows: name already exists")

// ErrInvalid is returned for validation failures (missing name, duplicate
// agent_name within a flow).
var ErrInvalid = errors.New("flows: invalid flow")
