package backend

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/relabs-tech/scaup/core/access"
	"github.com/relabs-tech/scaup/core/expeye"
	"github.com/relabs-tech/scaup/core/logger"
	"github.com/relabs-tech/scaup/core/schema"
	"github.com/relabs-tech/scaup/core/shipping"
	"github.com/relabs-tech/scaup/core/tree"
)

// Error is an error the backend answers with a specific status code
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Detail)
}

func newError(status int, detail string) *Error {
	return &Error{Status: status, Detail: detail}
}

func errorf(status int, format string, a ...interface{}) *Error {
	return &Error{Status: status, Detail: fmt.Sprintf(format, a...)}
}

// errNotFound answers missing rows
var errNotFound = newError(http.StatusNotFound, "Item does not exist")

// statusOf maps err to the status code and detail of the response. Unknown errors map to
// 500 and are reported with ok false.
func statusOf(err error) (status int, detail string, ok bool) {
	var (
		backendErr *Error
		expeyeErr  *expeye.Error
		authErr    *access.Error
		validation *schema.ValidationError
	)
	switch {
	case errors.As(err, &backendErr):
		return backendErr.Status, backendErr.Detail, true
	case errors.As(err, &expeyeErr):
		return expeyeErr.Status, expeyeErr.Detail, true
	case errors.As(err, &authErr):
		return authErr.Status, authErr.Detail, true
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity, strings.Join(validation.Details, "; "), true
	case errors.Is(err, tree.ErrNotPushed):
		return http.StatusNotFound, "Shipment not pushed to ISPyB", true
	case errors.Is(err, shipping.ErrNoPackages):
		return http.StatusBadRequest, "No items to be shipped", true
	case errors.Is(err, shipping.ErrUpstream):
		return http.StatusFailedDependency, "Failed to create shipment request in upstream shipping service", true
	case errors.Is(err, sql.ErrNoRows):
		return errNotFound.Status, errNotFound.Detail, true
	}
	return http.StatusInternalServerError, "", false
}

// writeError answers err. Errors without a known status are logged with code and answered
// with 500.
func writeError(w http.ResponseWriter, r *http.Request, err error, code string) {
	status, detail, ok := statusOf(err)
	if !ok {
		logger.FromContext(r.Context()).WithError(err).Errorf("Error %s", code)
		http.Error(w, "Error "+code, status)
		return
	}
	if status >= http.StatusInternalServerError || status == http.StatusFailedDependency {
		logger.FromContext(r.Context()).WithError(err).Warnf("answering %d", status)
	}
	http.Error(w, detail, status)
}
