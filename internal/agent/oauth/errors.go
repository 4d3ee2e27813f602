package oauth

import "errors"

// ErrAuthRequired is returned when no usable credentials exist for a
// server and an interactive authorization flow is needed.
var ErrAuthRequired = errors.New("authentication required")

// BrowserLaunchError indicates that the authorization URL was built
// successfully but the system browser could not be launched. Callers
// should fall back to displaying the URL so the user can open it manually.
type BrowserLaunchError struct {
	// URL is the fully-built authorization URL.
	URL string

	// Err is the underlying launch failure.
	Err error
}

// Error implements the error interface.
func (e *BrowserLaunchError) Error() string {
	return "failed to open browser: " + e.Err.Error() + "\nPlease authenticate at: " + e.URL
}

// Unwrap returns the underlying launch failure for error chain inspection.
func (e *BrowserLaunchError) Unwrap() error {
	return e.Err
}
