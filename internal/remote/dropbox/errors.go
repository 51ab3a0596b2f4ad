package dropbox

import (
	"errors"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tonimelisma/blogsync/internal/remote"
)

// endpointError is the body of an HTTP 409 response.
type endpointError struct {
	Summary string `json:"error_summary"`
}

// classify maps a 409 whose summary names a missing path to
// remote.ErrNotFound, keeping the summary as the message.
func classify(err error) error {
	var apiErr *remote.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		return err
	}

	var body endpointError
	if json.Unmarshal([]byte(apiErr.Message), &body) != nil || body.Summary == "" {
		return err
	}

	out := &remote.APIError{
		StatusCode: apiErr.StatusCode,
		RequestID:  apiErr.RequestID,
		Message:    body.Summary,
		Err:        apiErr.Err,
	}

	if strings.Contains(body.Summary, "not_found") {
		out.Err = remote.ErrNotFound
	}

	return out
}

func summaryContains(err error, s string) bool {
	var apiErr *remote.APIError

	return errors.As(err, &apiErr) && strings.Contains(apiErr.Message, s)
}
