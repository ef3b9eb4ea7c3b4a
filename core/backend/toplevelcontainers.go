package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/relabs-tech/scaup/core/logger"
	"github.com/relabs-tech/scaup/core/tree"
)

var errDewarRegistration = newError(http.StatusFailedDependency, "Invalid response while creating top level container in ISPyB")

// createTopLevelContainer creates a top level container in shipmentID, or an orphan if
// shipmentID is nil. Dewars without facility code get a new one if autocreate is set, which
// is added to the dewar registry of the proposal. Containers of a shipment get a barcode
// made of the session and their id.
func (b *Backend) createTopLevelContainer(ctx context.Context, userToken string, shipmentID *int64, f fields, autocreate bool) (*TopLevelContainer, error) {
	var shipment *Shipment
	if shipmentID != nil {
		if err := b.assertNotBooked(ctx, b.db, *shipmentID); err != nil {
			return nil, err
		}
		var err error
		if shipment, err = b.loadShipment(ctx, b.db, *shipmentID); err != nil {
			return nil, err
		}
	}

	code := f.text("code")
	switch {
	case code != "":
		if shipment != nil {
			if _, err := b.expeye.DewarRegistry(ctx, userToken, shipment.Proposal(), code); err != nil {
				return nil, err
			}
		}
	case f.text("type") == "dewar" && autocreate:
		next, err := b.expeye.NextDewarCode(ctx)
		if err != nil {
			logger.FromContext(ctx).WithError(err).Warnln("cannot fetch dewar registry entries")
			return nil, errDewarRegistration
		}
		if shipment != nil {
			if err := b.expeye.RegisterDewar(ctx, shipment.Proposal(), next); err != nil {
				return nil, errDewarRegistration
			}
		}
		code = next
		f.setString("code", code)
	}
	if f.text("name") == "" {
		f.setString("name", code)
	}

	a, err := assign(f, topLevelContainerProperties)
	if err != nil {
		return nil, err
	}
	a.set("shipment_id", shipmentID)
	table := b.db.Table("top_level_container")

	var tlc *TopLevelContainer
	err = b.retryIfExists(ctx, func(tx *sql.Tx) error {
		var err error
		tlc, err = scanTopLevelContainer(tx.QueryRowContext(ctx, a.insert(table, columns("", topLevelContainerColumns)), a.args...))
		if err != nil || shipment == nil {
			return err
		}
		barCode := fmt.Sprintf("%s-%d-%07d", shipment.Proposal(), shipment.VisitNumber, tlc.ID)
		tlc, err = scanTopLevelContainer(tx.QueryRowContext(ctx, "UPDATE "+table+" SET bar_code = $1 WHERE id = $2 RETURNING "+
			columns("", topLevelContainerColumns)+";", barCode, tlc.ID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return tlc, nil
}

// editTopLevelContainer checks a new facility code against the dewar registry of the
// proposal, then edits the container
func (b *Backend) editTopLevelContainer(ctx context.Context, userToken string, id int64, f fields) (*TopLevelContainer, error) {
	if code := f.text("code"); code != "" {
		var proposal string
		err := b.db.QueryRowContext(ctx, "SELECT s.proposal_code || s.proposal_number FROM "+b.db.Table("top_level_container")+
			" t JOIN "+b.db.Table("shipment")+" s ON s.id = t.shipment_id WHERE t.id = $1;", id).Scan(&proposal)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, newError(http.StatusNotFound, "Invalid facility code provided")
		}
		if err != nil {
			return nil, err
		}
		if _, err := b.expeye.DewarRegistry(ctx, userToken, proposal, code); err != nil {
			return nil, err
		}
	}
	item, err := b.editItem(ctx, userToken, tree.KindTopLevelContainer, id, f, nil)
	if err != nil {
		return nil, err
	}
	return item.(*TopLevelContainer), nil
}

// listTopLevelContainers returns a page of the top level containers matching where. The
// tracking history of containers known to ISPyB is added, if it can be fetched.
func (b *Backend) listTopLevelContainers(ctx context.Context, userToken string, p pagination, where string, args ...interface{}) (*Paged[*TopLevelContainer], error) {
	page, err := paginate(ctx, b.db, p, columns("", topLevelContainerColumns),
		"FROM "+b.db.Table("top_level_container")+" WHERE "+where, "ORDER BY id", args, scanTopLevelContainer)
	if err != nil {
		return nil, err
	}
	for _, tlc := range page.Items {
		if tlc.ExternalID == nil {
			continue
		}
		history, err := b.expeye.DewarHistory(ctx, userToken, *tlc.ExternalID)
		if err != nil {
			logger.FromContext(ctx).WithError(err).Warnf("failed to get history from ISPyB for dewar %d (external ID: %d)", tlc.ID, *tlc.ExternalID)
			continue
		}
		tlc.History = history
	}
	return page, nil
}
