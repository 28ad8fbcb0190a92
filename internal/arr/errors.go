package arr

import (
	"fmt"
	"net/url"
)

// RequestError describes a failed upstream request with enough context to
// render an actionable log line.
type RequestError struct {
	App     string
	BaseURL string
	Method  string
	Path    string
	Message string
	Hint    string
}

func (e *RequestError) Error() string {
	where := e.BaseURL
	if u, err := url.Parse(e.BaseURL); err == nil && u.Hostname() != "" {
		where = u.Hostname()
		if u.Port() != "" {
			where += ":" + u.Port()
		}
	}
	msg := fmt.Sprintf("%s request failed (%s %s %s): %s.", e.App, where, e.Method, e.Path, e.Message)
	if e.Hint != "" {
		msg += " Hint: " + e.Hint
	}
	return msg
}
