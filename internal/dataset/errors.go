package dataset

import "fmt"

// LoadError reports a failed dataset load: an unreadable directory or a
// source file that could not be decoded. It is never cached.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("dataset load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
