package check

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidURL is wrapped by every [ValidateURL] failure.
var ErrInvalidURL = errors.New("invalid target url")

// ValidateURL trims raw and checks that it is an absolute http or https URL
// with a host. It returns the trimmed URL.
func ValidateURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: url is required", ErrInvalidURL)
	}

	parsed, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if parsed.Scheme == "" {
		return "", fmt.Errorf("%w: url must have a scheme (http:// or https://)", ErrInvalidURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("%w: url scheme must be http or https, got %q", ErrInvalidURL, parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: url must have a host", ErrInvalidURL)
	}
	return s, nil
}
