package backend

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/relabs-tech/scaup/core/tree"
)

// createContainer creates a container in shipmentID, or an orphan if shipmentID is nil.
// Containers without name are named after their registered container.
func (b *Backend) createContainer(ctx context.Context, shipmentID *int64, f fields) (*Container, error) {
	if shipmentID != nil {
		if err := b.assertNotBooked(ctx, b.db, *shipmentID); err != nil {
			return nil, err
		}
	}
	if f.text("name") == "" {
		f.setString("name", f.text("registeredContainer"))
	}
	a, err := assign(f, containerProperties)
	if err != nil {
		return nil, err
	}
	a.set("shipment_id", shipmentID)

	var container *Container
	err = b.retryIfExists(ctx, func(tx *sql.Tx) error {
		var err error
		container, err = scanContainer(tx.QueryRowContext(ctx, a.insert(b.db.Table("container"), columns("", containerColumns)), a.args...))
		return err
	})
	if err != nil {
		return nil, err
	}
	return container, nil
}

// loadContainer returns container id. Internal containers get the top level container
// they are stored in, found by following their parents.
func (b *Backend) loadContainer(ctx context.Context, id int64) (*Container, error) {
	table := b.db.Table("container")
	container, err := scanContainer(b.db.QueryRowContext(ctx, "SELECT "+columns("", containerColumns)+" FROM "+table+" WHERE id = $1;", id))
	if err != nil {
		return nil, err
	}
	if !container.IsInternal || container.ParentID == nil {
		return container, nil
	}

	var storage sql.NullInt64
	err = b.db.QueryRowContext(ctx, `WITH RECURSIVE chain AS (
SELECT parent_id, top_level_container_id FROM `+table+` WHERE id = $1
UNION
SELECT c.parent_id, c.top_level_container_id FROM `+table+` c JOIN chain ON c.id = chain.parent_id
WHERE chain.top_level_container_id IS NULL
) SELECT top_level_container_id FROM chain WHERE top_level_container_id IS NOT NULL LIMIT 1;`, *container.ParentID).Scan(&storage)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if storage.Valid {
		container.InternalStorageContainer = &storage.Int64
	}
	return container, nil
}

// editContainer edits container id. Moving a container to another shipment moves its
// samples along, but only within the same proposal.
func (b *Backend) editContainer(ctx context.Context, userToken string, id int64, f fields) (*Container, error) {
	var prepare func(tx *sql.Tx) error
	if shipmentID := f.integer("shipmentId"); shipmentID != nil {
		proposal := "SELECT s.proposal_code || s.proposal_number FROM " + b.db.Table("shipment") + " s "
		var current, target sql.NullString
		err := b.db.QueryRowContext(ctx, proposal+"JOIN "+b.db.Table("container")+" c ON c.shipment_id = s.id WHERE c.id = $1;", id).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		err = b.db.QueryRowContext(ctx, proposal+"WHERE s.id = $1;", *shipmentID).Scan(&target)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		if current != target {
			return nil, newError(http.StatusBadRequest, "Cannot transfer container between proposals")
		}
		prepare = func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "UPDATE "+b.db.Table("sample")+" SET shipment_id = $1 WHERE container_id = $2;", *shipmentID, id)
			return err
		}
	}
	item, err := b.editItem(ctx, userToken, tree.KindContainer, id, f, prepare)
	if err != nil {
		return nil, err
	}
	return item.(*Container), nil
}

// listContainers returns a page of the containers of session
func (b *Backend) listContainers(ctx context.Context, p pagination, session sessionReference, internalOnly bool, containerType string) (*Paged[*Container], error) {
	from := "FROM " + b.db.Table("container") + " c JOIN " + b.db.Table("shipment") +
		" s ON s.id = c.shipment_id WHERE s.proposal_code = $1 AND s.proposal_number = $2 AND s.visit_number = $3"
	args := []interface{}{session.Code, session.Number, session.Visit}
	if internalOnly {
		from += " AND c.is_internal"
	}
	if containerType != "" {
		args = append(args, containerType)
		from += " AND c.type = $4"
	}
	return paginate(ctx, b.db, p, columns("c", containerColumns), from, "ORDER BY c.id", args,
		func(row scanner) (*Container, error) { return scanContainer(row) })
}
