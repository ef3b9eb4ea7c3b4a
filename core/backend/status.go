package backend

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/relabs-tech/scaup/core/logger"
	"github.com/relabs-tech/scaup/core/notifier"
)

const (
	// StatusMinAge is the minimum time between two status lookups of a shipment
	StatusMinAge = 10 * time.Minute
	// StatusMaxShipmentAge is the age after which the status of a shipment is not refreshed
	// anymore
	StatusMaxShipmentAge = 90 * 24 * time.Hour
)

const eventRefreshStatus = "refresh-status"

// final statuses end the background refresh, compared in lower case
var finalStatuses = map[string]bool{
	"returned":  true,
	"cancelled": true,
}

// StatusChange is the notification payload of a status change
type StatusChange struct {
	ShipmentID int64   `json:"shipmentId"`
	Status     string  `json:"status"`
	Previous   *string `json:"previous"`
}

// refreshStatus fetches the status of shipment from ISPyB and stores it. Shipments which
// were never pushed, were looked up recently, or are too old are returned unchanged, and so
// are shipments whose lookup fails.
func (b *Backend) refreshStatus(ctx context.Context, token string, shipment *Shipment) *Shipment {
	if shipment.ExternalID == nil {
		return shipment
	}
	now := time.Now()
	if now.Sub(shipment.LastStatusUpdate) < StatusMinAge || now.Sub(shipment.CreationDate) > StatusMaxShipmentAge {
		return shipment
	}
	rlog := logger.FromContext(ctx)

	upstream, err := b.expeye.Shipment(ctx, token, *shipment.ExternalID)
	if err != nil {
		rlog.WithError(err).Warnf("failed to get shipment %d status from ISPyB", shipment.ID)
		return shipment
	}

	var updated *Shipment
	err = b.db.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, "UPDATE "+b.db.Table("shipment")+
			" SET status = $1, last_status_update = now() WHERE id = $2 RETURNING "+columns("", shipmentColumns)+";",
			upstream.ShippingStatus, shipment.ID)
		var err error
		if updated, err = scanShipment(row); err != nil {
			return err
		}
		if shipment.Status != nil && *shipment.Status == upstream.ShippingStatus {
			return nil
		}
		change := StatusChange{ShipmentID: shipment.ID, Status: upstream.ShippingStatus, Previous: shipment.Status}
		return b.notify(ctx, tx, notifier.ShipmentStatus, strconv.FormatInt(shipment.ID, 10), change)
	})
	if err != nil {
		rlog.WithError(err).Warnf("failed to store status of shipment %d", shipment.ID)
		return shipment
	}
	return updated
}

// refreshStatusEvent refreshes the status of the shipment in the event key as the service,
// and schedules the next refresh until the status is final or the shipment too old.
func (b *Backend) refreshStatusEvent(ctx context.Context, event Event) error {
	shipmentID, err := strconv.ParseInt(event.Key, 10, 64)
	if err != nil {
		logger.FromContext(ctx).Errorln("invalid shipment in status refresh:", event.Key)
		return nil
	}
	shipment, err := b.loadShipment(ctx, b.db, shipmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	shipment = b.refreshStatus(ctx, "", shipment)

	if shipment.Status != nil && finalStatuses[strings.ToLower(*shipment.Status)] {
		logger.FromContext(ctx).Debugf("shipment %d reached status %s", shipmentID, *shipment.Status)
		return nil
	}
	if time.Since(shipment.CreationDate) > StatusMaxShipmentAge {
		return nil
	}
	return b.ScheduleEvent(ctx, event, time.Now().Add(StatusRefreshInterval))
}

// RefreshStatuses refreshes the status of all pushed shipments of the last 90 days whose
// status is not final. It returns the number of shipments looked up.
func (b *Backend) RefreshStatuses(ctx context.Context) (int, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT "+columns("", shipmentColumns)+" FROM "+b.db.Table("shipment")+
		" WHERE external_id IS NOT NULL AND creation_date > $1 ORDER BY id;", time.Now().Add(-StatusMaxShipmentAge))
	if err != nil {
		return 0, err
	}
	var shipments []*Shipment
	for rows.Next() {
		shipment, err := scanShipment(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		if shipment.Status != nil && finalStatuses[strings.ToLower(*shipment.Status)] {
			continue
		}
		shipments = append(shipments, shipment)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, shipment := range shipments {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		b.refreshStatus(ctx, "", shipment)
	}
	return len(shipments), nil
}
