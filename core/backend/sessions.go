package backend

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/scaup/core/logger"
)

func (b *Backend) handleSessions(router *mux.Router) {
	logger.Default().Debugln("sessions")
	handle(router, "/sessions", "4760", b.listSessions, http.MethodGet)
}

// listSessions passes the page of sessions the user can view through from ISPyB
func (b *Backend) listSessions(w http.ResponseWriter, r *http.Request) error {
	p, err := parsePagination(r)
	if err != nil {
		return err
	}
	query := url.Values{}
	query.Set("limit", strconv.Itoa(p.Limit))
	query.Set("page", strconv.Itoa(p.Page))
	if minEndDate := r.URL.Query().Get("minEndDate"); minEndDate != "" {
		query.Set("minEndDate", minEndDate)
	}
	data, err := b.expeye.Sessions(r.Context(), token(r), query)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, json.RawMessage(data))
	return nil
}
