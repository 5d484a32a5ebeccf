package media

import "errors"

var (
	// ErrFileTooLarge is returned once a file or response body passes its size ceiling.
	ErrFileTooLarge = errors.New("file exceeds size limit")
	// ErrPathTraversal rejects storage keys that would leave the store root.
	ErrPathTraversal = errors.New("storage key escapes root")
)
