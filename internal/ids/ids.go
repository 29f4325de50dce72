// Package ids issues the correlation ids the console attaches to API calls and audit events.
package ids

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// RequestID returns the value sent as X-Request-ID: a lower-case ULID with a "req_" prefix.
// ulid.Make is monotonic within the process, so ids sort in issue order.
func RequestID() string {
	return "req_" + strings.ToLower(ulid.Make().String())
}
