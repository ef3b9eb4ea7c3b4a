package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/scaup/core/logger"
	"github.com/relabs-tech/scaup/core/notifier"
	"github.com/relabs-tech/scaup/core/schema"
	"github.com/relabs-tech/scaup/core/shipping"
)

// Shipment statuses set by the service. All other statuses come from ISPyB or the shipping
// service.
const (
	StatusBooked         = "Booked"
	StatusRequestCreated = "Request Created"
)

// SublocationAssignment links the sample in a cassette slot to a data collection group
type SublocationAssignment struct {
	SubLocation           int64 `json:"subLocation"`
	DataCollectionGroupID int64 `json:"dataCollectionGroupId"`
}

func (b *Backend) handleShipments(router *mux.Router) {
	logger.Default().Debugln("shipments")
	handle(router, "/shipments/{shipmentId}", "4710", b.getShipment, http.MethodGet)
	handle(router, "/shipments/{shipmentId}/unassigned", "4711", b.getUnassigned, http.MethodGet)
	handle(router, "/shipments/{shipmentId}/push", "4712", b.pushShipment, http.MethodPost)
	handle(router, "/shipments/{shipmentId}/topLevelContainers", "4713", b.createShipmentTopLevelContainer, http.MethodPost)
	handle(router, "/shipments/{shipmentId}/topLevelContainers", "4714", b.listShipmentTopLevelContainers, http.MethodGet)
	handle(router, "/shipments/{shipmentId}/containers", "4715", b.createShipmentContainer, http.MethodPost)
	handle(router, "/shipments/{shipmentId}/samples", "4716", b.createShipmentSamples, http.MethodPost)
	handle(router, "/shipments/{shipmentId}/samples", "4717", b.listShipmentSamples, http.MethodGet)
	handle(router, "/shipments/{shipmentId}/request", "4718", b.createShipmentRequest, http.MethodPost)
	handle(router, "/shipments/{shipmentId}/request", "4719", b.getShipmentRequest, http.MethodGet)
	handle(router, "/shipments/{shipmentId}/preSession", "4720", b.getPreSession, http.MethodGet)
	handle(router, "/shipments/{shipmentId}/preSession", "4721", b.putPreSession, http.MethodPut)
	handle(router, "/shipments/{shipmentId}/update-status", "4724", b.updateShipmentStatus, http.MethodPost)
	handle(router, "/shipments/{shipmentId}/assign-data-collection-groups", "4725", b.assignShipmentDataCollectionGroups, http.MethodPost)
	handle(router, "/shipments/{shipmentId}/push-snapshots", "4726", b.listPushSnapshots, http.MethodGet)
}

// assertNotBooked fails if the shipment was already booked with the courier
func (b *Backend) assertNotBooked(ctx context.Context, q queryer, shipmentID int64) error {
	var status sql.NullString
	err := q.QueryRowContext(ctx, "SELECT status FROM "+b.db.Table("shipment")+" WHERE id = $1;", shipmentID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return newError(http.StatusNotFound, "Shipment does not exist")
	}
	if err != nil {
		return err
	}
	if status.String == StatusBooked {
		return newError(http.StatusConflict, "Items cannot be created inside a booked shipment")
	}
	return nil
}

func (b *Backend) getShipment(w http.ResponseWriter, r *http.Request) error {
	shipmentID, err := b.checkShipment(r)
	if err != nil {
		return err
	}
	shipment, root, err := b.loadShipmentTree(r.Context(), b.db, shipmentID)
	if err != nil {
		return err
	}
	shipment = b.refreshStatus(r.Context(), token(r), shipment)
	writeJSON(w, http.StatusOK, Item{
		ID:       shipment.ID,
		Name:     shipment.Name,
		Data:     toData(shipment),
		Children: items(root.Children),
	})
	return nil
}

func (b *Backend) getUnassigned(w http.ResponseWriter, r *http.Request) error {
	shipmentID, err := b.checkShipment(r)
	if err != nil {
		return err
	}
	unassigned, err := b.unassignedItems(r.Context(), b.db, shipmentID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, unassigned)
	return nil
}

func (b *Backend) pushShipment(w http.ResponseWriter, r *http.Request) error {
	shipmentID, err := b.checkShipment(r)
	if err != nil {
		return err
	}
	links, err := b.PushShipment(r.Context(), token(r), shipmentID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, links)
	return nil
}

func (b *Backend) createShipmentTopLevelContainer(w http.ResponseWriter, r *http.Request) error {
	shipmentID, err := b.checkShipment(r)
	if err != nil {
		return err
	}
	if err := b.checkUnlocked(r.Context(), shipmentID); err != nil {
		return err
	}
	f := fields{}
	if err := b.readBody(r, schema.TopLevelContainerIn, &f); err != nil {
		return err
	}
	tlc, err := b.createTopLevelContainer(r.Context(), token(r), &shipmentID, f, true)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, tlc)
	return nil
}

func (b *Backend) listShipmentTopLevelContainers(w http.ResponseWriter, r *http.Request) error {
	shipmentID, err := b.checkShipment(r)
	if err != nil {
		return err
	}
	p, err := parsePagination(r)
	if err != nil {
		return err
	}
	page, err := b.listTopLevelContainers(r.Context(), token(r), p, "shipment_id = $1", shipmentID)
	if err != nil {
		return err
	}
	writePaged(w, http.StatusOK, page)
	return nil
}

func (b *Backend) createShipmentContainer(w http.ResponseWriter, r *http.Request) error {
	shipmentID, err := b.checkShipment(r)
	if err != nil {
		return err
	}
	if err := b.checkUnlocked(r.Context(), shipmentID); err != nil {
		return err
	}
	f := fields{}
	if err := b.readBody(r, schema.ContainerIn, &f); err != nil {
		return err
	}
	container, err := b.createContainer(r.Context(), &shipmentID, f)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, container)
	return nil
}

func (b *Backend) createShipmentSamples(w http.ResponseWriter, r *http.Request) error {
	shipmentID, err := b.checkShipment(r)
	if err != nil {
		return err
	}
	if err := b.checkUnlocked(r.Context(), shipmentID); err != nil {
		return err
	}
	f := fields{}
	if err := b.readBody(r, schema.SampleIn, &f); err != nil {
		return err
	}
	page, err := b.createSamples(r.Context(), token(r), shipmentID, f)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, page)
	return nil
}

func (b *Backend) listShipmentSamples(w http.ResponseWriter, r *http.Request) error {
	shipmentID, err := b.checkShipment(r)
	if err != nil {
		return err
	}
	p, err := parsePagination(r)
	if err != nil {
		return err
	}
	filter := sampleFilter{shipmentID: &shipmentID}
	if r.URL.Query().Get("ignoreExternal") == "false" {
		filter.withDataCollectionGroups = true
	}
	page, err := b.listSamples(r.Context(), p, filter)
	if err != nil {
		return err
	}
	writePaged(w, http.StatusOK, page)
	return nil
}

// createShipmentRequest registers the packages of a shipment with the shipping service.
// All items must be inside top level containers and pushed to ISPyB.
func (b *Backend) createShipmentRequest(w http.ResponseWriter, r *http.Request) error {
	shipmentID, err := b.checkShipment(r)
	if err != nil {
		return err
	}
	if b.shipping == nil || b.callbacks == nil {
		return newError(http.StatusServiceUnavailable, "Shipping service is not configured")
	}
	ctx := r.Context()

	unassigned, err := b.unassignedItems(ctx, b.db, shipmentID)
	if err != nil {
		return err
	}
	if !unassigned.Empty() {
		return newError(http.StatusConflict, "Cannot proceed with unassigned items in shipment")
	}
	shipment, root, err := b.loadShipmentTree(ctx, b.db, shipmentID)
	if err != nil {
		return err
	}
	packages, err := shipping.Packages(root.Children)
	if err != nil {
		return err
	}
	callbackToken, err := b.callbacks.Sign(shipmentID)
	if err != nil {
		return err
	}

	request := &shipping.Request{
		// the shipping service expects zero padded proposal numbers
		Proposal:   fmt.Sprintf("%s%06d", shipment.ProposalCode, shipment.ProposalNumber),
		ExternalID: shipment.ExternalID,
		OriginURL: fmt.Sprintf("%s/proposals/%s/sessions/%d/shipments/%d",
			b.frontendURL, shipment.Proposal(), shipment.VisitNumber, shipment.ID),
		Packages:            packages,
		DispatchCallbackURL: fmt.Sprintf("%s/shipments/%d/update-status?token=%s", b.callbackURL, shipmentID, callbackToken),
	}
	requestID, err := b.shipping.CreateRequest(ctx, token(r), request)
	if err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	row := tx.QueryRowContext(ctx, "UPDATE "+b.db.Table("shipment")+" SET status = $1, shipment_request = $2 WHERE id = $3 RETURNING "+
		columns("", shipmentColumns)+";", StatusRequestCreated, requestID, shipmentID)
	updated, err := scanShipment(row)
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := b.commitWithNotification(ctx, tx, notifier.ShipmentRequested, strconv.FormatInt(shipmentID, 10), updated); err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, updated)
	return nil
}

func (b *Backend) getShipmentRequest(w http.ResponseWriter, r *http.Request) error {
	shipmentID, err := b.checkShipment(r)
	if err != nil {
		return err
	}
	var requestID sql.NullInt64
	err = b.db.QueryRowContext(r.Context(), "SELECT shipment_request FROM "+b.db.Table("shipment")+" WHERE id = $1;", shipmentID).Scan(&requestID)
	if err != nil {
		return err
	}
	if !requestID.Valid {
		return newError(http.StatusNotFound, "Shipment does not have a request assigned to it")
	}
	http.Redirect(w, r, fmt.Sprintf("%s/shipment-requests/%d/incoming", b.shippingFrontendURL, requestID.Int64), http.StatusTemporaryRedirect)
	return nil
}

func (b *Backend) getPreSession(w http.ResponseWriter, r *http.Request) error {
	shipmentID, err := b.checkShipment(r)
	if err != nil {
		return err
	}
	preSession := PreSession{ShipmentID: shipmentID}
	var details []byte
	err = b.db.QueryRowContext(r.Context(), "SELECT details FROM "+b.db.Table("pre_session")+" WHERE shipment_id = $1;", shipmentID).Scan(&details)
	if errors.Is(err, sql.ErrNoRows) {
		return newError(http.StatusNotFound, "Shipment does not have pre-session information")
	}
	if err != nil {
		return err
	}
	preSession.Details = rawJSON(details)
	if preSession.IsLocked, err = b.sessionLocked(r.Context(), shipmentID); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, preSession)
	return nil
}

// putPreSession creates or replaces the pre-session details of a shipment
func (b *Backend) putPreSession(w http.ResponseWriter, r *http.Request) error {
	shipmentID, err := b.checkShipment(r)
	if err != nil {
		return err
	}
	ctx := r.Context()
	if err := b.assertNotBooked(ctx, b.db, shipmentID); err != nil {
		return err
	}
	f := fields{}
	if err := b.readBody(r, schema.PreSessionIn, &f); err != nil {
		return err
	}

	table := b.db.Table("pre_session")
	query := "INSERT INTO " + table + " (shipment_id) VALUES ($1) ON CONFLICT (shipment_id) DO UPDATE SET shipment_id = EXCLUDED.shipment_id RETURNING details;"
	args := []interface{}{shipmentID}
	if raw, ok := f["details"]; ok {
		var details interface{}
		if !isNull(raw) {
			details = string(raw)
		}
		query = "INSERT INTO " + table + " (shipment_id, details) VALUES ($1, $2) ON CONFLICT (shipment_id) DO UPDATE SET details = EXCLUDED.details RETURNING details;"
		args = append(args, details)
	}
	var details []byte
	if err := b.db.QueryRowContext(ctx, query, args...).Scan(&details); err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, PreSession{ShipmentID: shipmentID, Details: rawJSON(details)})
	return nil
}

// updateShipmentStatus is the callback of the shipping service. It is authorized by the
// token the service issued with the shipment request, not by a user.
func (b *Backend) updateShipmentStatus(w http.ResponseWriter, r *http.Request) error {
	shipmentID, err := pathID(r, "shipmentId")
	if err != nil {
		return err
	}
	callbackToken := r.URL.Query().Get("token")
	if b.callbacks == nil || callbackToken == "" {
		return newError(http.StatusUnauthorized, "Invalid token provided")
	}
	issuedFor, err := b.callbacks.Verify(callbackToken)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Warnln("rejected status callback")
		return newError(http.StatusUnauthorized, "Invalid token provided")
	}
	if issuedFor != shipmentID {
		return newError(http.StatusForbidden, "Token not valid for this shipment ID")
	}
	var update struct {
		Status string `json:"status"`
	}
	if err := b.readBody(r, schema.StatusUpdate, &update); err != nil {
		return err
	}

	ctx := r.Context()
	var updated *Shipment
	err = b.db.WithTx(ctx, func(tx *sql.Tx) error {
		var previous sql.NullString
		err := tx.QueryRowContext(ctx, "SELECT status FROM "+b.db.Table("shipment")+" WHERE id = $1 FOR UPDATE;", shipmentID).Scan(&previous)
		if errors.Is(err, sql.ErrNoRows) {
			return newError(http.StatusNotFound, "Shipment does not exist")
		}
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, "UPDATE "+b.db.Table("shipment")+" SET status = $1 WHERE id = $2 RETURNING "+
			columns("", shipmentColumns)+";", update.Status, shipmentID)
		if updated, err = scanShipment(row); err != nil {
			return err
		}
		change := StatusChange{ShipmentID: shipmentID, Status: update.Status}
		if previous.Valid {
			change.Previous = &previous.String
		}
		return b.notify(ctx, tx, notifier.ShipmentStatus, strconv.FormatInt(shipmentID, 10), change)
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, updated)
	return nil
}

// assignDataCollectionGroup links the data collection group of a to the sample with
// externalID in ISPyB
func (b *Backend) assignDataCollectionGroup(ctx context.Context, externalID *int64, a SublocationAssignment) error {
	if externalID == nil {
		return errorf(http.StatusNotFound, "Sample not pushed to ISPyB, or sample not found for sublocation %d", a.SubLocation)
	}
	return b.expeye.AssignDataCollectionGroup(ctx, a.DataCollectionGroupID, *externalID)
}

func (b *Backend) assignShipmentDataCollectionGroups(w http.ResponseWriter, r *http.Request) error {
	shipmentID, err := b.checkShipment(r)
	if err != nil {
		return err
	}
	var assignments []SublocationAssignment
	if err := b.readBody(r, schema.SublocationAssignments, &assignments); err != nil {
		return err
	}
	ctx := r.Context()
	for _, a := range assignments {
		var externalID sql.NullInt64
		err := b.db.QueryRowContext(ctx, "SELECT external_id FROM "+b.db.Table("sample")+
			" WHERE shipment_id = $1 AND sub_location = $2 ORDER BY id LIMIT 1;", shipmentID, a.SubLocation).Scan(&externalID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		var id *int64
		if externalID.Valid {
			id = &externalID.Int64
		}
		if err := b.assignDataCollectionGroup(ctx, id, a); err != nil {
			return err
		}
	}
	writeJSON(w, http.StatusOK, json.RawMessage("null"))
	return nil
}

func (b *Backend) listPushSnapshots(w http.ResponseWriter, r *http.Request) error {
	shipmentID, err := b.checkShipment(r)
	if err != nil {
		return err
	}
	links, err := b.pushSnapshots(r.Context(), shipmentID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, links)
	return nil
}
