package merklestore

import "errors"

// ErrInvalidKey is returned when a note key fails SanitizeKey's validation.
var ErrInvalidKey = errors.New("merklestore: invalid note key")
