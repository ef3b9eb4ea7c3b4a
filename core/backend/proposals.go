package backend

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/scaup/core/logger"
	"github.com/relabs-tech/scaup/core/schema"
)

// ShipmentIn is the request body of a new shipment
type ShipmentIn struct {
	Name     string  `json:"name"`
	Comments *string `json:"comments"`
}

func (b *Backend) handleProposals(router *mux.Router) {
	logger.Default().Debugln("proposals")
	session := "/proposals/{proposalReference}/sessions/{visitNumber:[0-9]+}"
	handle(router, session+"/shipments", "4730", b.createShipment, http.MethodPost)
	handle(router, session+"/shipments", "4731", b.listShipments, http.MethodGet)
	handle(router, session+"/samples", "4732", b.listSessionSamples, http.MethodGet)
	handle(router, session+"/containers", "4733", b.listSessionContainers, http.MethodGet)
	handle(router, session+"/assign-data-collection-groups", "4734", b.assignSessionDataCollectionGroups, http.MethodPost)
	handle(router, "/proposals/{proposalReference}/data", "4735", b.getProposalData, http.MethodGet)
}

func (b *Backend) createShipment(w http.ResponseWriter, r *http.Request) error {
	session, err := b.checkSession(r)
	if err != nil {
		return err
	}
	var in ShipmentIn
	if err := b.readBody(r, schema.ShipmentIn, &in); err != nil {
		return err
	}
	shipment, err := scanShipment(b.db.QueryRowContext(r.Context(), "INSERT INTO "+b.db.Table("shipment")+
		" (name, comments, proposal_code, proposal_number, visit_number) VALUES ($1, $2, $3, $4, $5) RETURNING "+
		columns("", shipmentColumns)+";", in.Name, in.Comments, session.Code, session.Number, session.Visit))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, shipment)
	return nil
}

// listShipments answers the shipments of a session. Visit number 0 lists all shipments of
// the proposal, newest session first.
func (b *Backend) listShipments(w http.ResponseWriter, r *http.Request) error {
	session, err := b.checkSession(r)
	if err != nil {
		return err
	}
	p, err := parsePagination(r)
	if err != nil {
		return err
	}
	from := "FROM " + b.db.Table("shipment") + " WHERE proposal_code = $1 AND proposal_number = $2"
	args := []interface{}{session.Code, session.Number}
	orderBy := "ORDER BY visit_number DESC, creation_date DESC, id DESC"
	if session.Visit != 0 {
		from += " AND visit_number = $3"
		args = append(args, session.Visit)
		orderBy = "ORDER BY id"
	}
	page, err := paginate(r.Context(), b.db, p, columns("", shipmentColumns), from, orderBy, args, scanShipment)
	if err != nil {
		return err
	}
	for i, shipment := range page.Items {
		page.Items[i] = b.refreshStatus(r.Context(), token(r), shipment)
	}
	writePaged(w, http.StatusOK, page)
	return nil
}

func (b *Backend) listSessionSamples(w http.ResponseWriter, r *http.Request) error {
	session, err := b.checkSession(r)
	if err != nil {
		return err
	}
	p, err := parsePagination(r)
	if err != nil {
		return err
	}
	query := r.URL.Query()
	page, err := b.listSamples(r.Context(), p, sampleFilter{
		session:        &session,
		internalOnly:   query.Get("internalOnly") == "true",
		ignoreInternal: query.Get("ignoreInternal") == "true",
	})
	if err != nil {
		return err
	}
	writePaged(w, http.StatusOK, page)
	return nil
}

func (b *Backend) listSessionContainers(w http.ResponseWriter, r *http.Request) error {
	session, err := b.checkSession(r)
	if err != nil {
		return err
	}
	p, err := parsePagination(r)
	if err != nil {
		return err
	}
	query := r.URL.Query()
	page, err := b.listContainers(r.Context(), p, session, query.Get("isInternal") == "true", query.Get("type"))
	if err != nil {
		return err
	}
	writePaged(w, http.StatusOK, page)
	return nil
}

// getProposalData passes the lab data of a proposal through from ISPyB, which checks the
// permissions itself
func (b *Backend) getProposalData(w http.ResponseWriter, r *http.Request) error {
	data, err := b.expeye.ProposalData(r.Context(), token(r), mux.Vars(r)["proposalReference"])
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, json.RawMessage(data))
	return nil
}

// sessionSampleExternalID returns the external id of the sample in subLocation of any
// shipment of session
func (b *Backend) sessionSampleExternalID(ctx context.Context, session sessionReference, subLocation int64) (*int64, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT s.external_id FROM "+b.db.Table("sample")+" s JOIN "+b.db.Table("shipment")+
		" sh ON sh.id = s.shipment_id WHERE sh.proposal_code = $1 AND sh.proposal_number = $2 AND sh.visit_number = $3"+
		" AND s.sub_location = $4 LIMIT 2;", session.Code, session.Number, session.Visit, subLocation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var found []sql.NullInt64
	for rows.Next() {
		var externalID sql.NullInt64
		if err := rows.Scan(&externalID); err != nil {
			return nil, err
		}
		found = append(found, externalID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(found) > 1 {
		return nil, newError(http.StatusConflict, "Multiple samples in cassette slot. Specify a sample collection.")
	}
	if len(found) == 0 || !found[0].Valid {
		return nil, nil
	}
	return &found[0].Int64, nil
}

func (b *Backend) assignSessionDataCollectionGroups(w http.ResponseWriter, r *http.Request) error {
	session, err := b.checkSession(r)
	if err != nil {
		return err
	}
	var assignments []SublocationAssignment
	if err := b.readBody(r, schema.SublocationAssignments, &assignments); err != nil {
		return err
	}
	for _, a := range assignments {
		externalID, err := b.sessionSampleExternalID(r.Context(), session, a.SubLocation)
		if err != nil {
			return err
		}
		if err := b.assignDataCollectionGroup(r.Context(), externalID, a); err != nil {
			return err
		}
	}
	writeJSON(w, http.StatusOK, json.RawMessage("null"))
	return nil
}
