package querybroker

import (
	"net/http"
	"syscall"

	"github.com/pkg/errors"
)

var (
	// ErrEngineUnavailable means the query engine did not acknowledge a
	// submission within the ack timeout.
	ErrEngineUnavailable = errors.New("query engine is not responding")
	// ErrNotFound means the qid is unknown or its result was reaped by TTL.
	ErrNotFound = errors.New("invalid query id or query result purged")
	// ErrInvalidQID means the qid does not carry a routable originator.
	ErrInvalidQID = errors.New("invalid query id")
)

// engine failure codes, surfaced as negative progress
var errnoStatus = map[int]int{
	int(syscall.EBADMSG): http.StatusBadRequest,
	int(syscall.ENOBUFS): http.StatusForbidden,
	int(syscall.EINVAL):  http.StatusNotFound,
	int(syscall.ENOENT):  http.StatusGone,
	int(syscall.EIO):     http.StatusInternalServerError,
	int(syscall.EBUSY):   http.StatusServiceUnavailable,
}

// HTTPStatusForProgress maps a terminal negative progress value to the HTTP
// status presented to the client.
func HTTPStatusForProgress(progress int) int {
	if status, ok := errnoStatus[-progress]; ok {
		return status
	}
	return http.StatusInternalServerError
}
