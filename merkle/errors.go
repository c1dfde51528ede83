package merkle

import "errors"

// ErrNoSectionLoader is returned when Diff needs to materialize a
// virtualized section but no SectionLoader was supplied.
var ErrNoSectionLoader = errors.New("merkle: virtualized tree requires a section loader")
