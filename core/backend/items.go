package backend

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/scaup/core/expeye"
	"github.com/relabs-tech/scaup/core/logger"
	"github.com/relabs-tech/scaup/core/schema"
	"github.com/relabs-tech/scaup/core/tree"
)

// itemType describes the table of one kind of shipment item
type itemType struct {
	table string
	// name is used in error messages
	name       string
	properties map[string]column
	columns    []string
	scan       func(row scanner) (interface{}, *tree.Node, error)
}

var itemTypes = map[tree.Kind]itemType{
	tree.KindTopLevelContainer: {
		table:      "top_level_container",
		name:       "TopLevelContainer",
		properties: topLevelContainerProperties,
		columns:    topLevelContainerColumns,
		scan: func(row scanner) (interface{}, *tree.Node, error) {
			t, err := scanTopLevelContainer(row)
			if err != nil {
				return nil, nil, err
			}
			return t, topLevelContainerNode(t), nil
		},
	},
	tree.KindContainer: {
		table:      "container",
		name:       "Container",
		properties: containerProperties,
		columns:    containerColumns,
		scan: func(row scanner) (interface{}, *tree.Node, error) {
			c, err := scanContainer(row)
			if err != nil {
				return nil, nil, err
			}
			return c, containerLeaf(c), nil
		},
	},
	tree.KindSample: {
		table:      "sample",
		name:       "Sample",
		properties: sampleProperties,
		columns:    sampleColumns,
		scan: func(row scanner) (interface{}, *tree.Node, error) {
			s, err := scanSample(row)
			if err != nil {
				return nil, nil, err
			}
			return s, sampleNode(s), nil
		},
	},
}

func (b *Backend) handleItems(router *mux.Router) {
	logger.Default().Debugln("items")
	handle(router, "/topLevelContainers/{topLevelContainerId}", "4740", b.getTopLevelContainer, http.MethodGet)
	handle(router, "/topLevelContainers/{topLevelContainerId}", "4741", b.patchTopLevelContainer, http.MethodPatch)
	handle(router, "/topLevelContainers/{topLevelContainerId}", "4742", b.deleteTopLevelContainer, http.MethodDelete)
	handle(router, "/containers/{containerId}", "4743", b.getContainer, http.MethodGet)
	handle(router, "/containers/{containerId}", "4744", b.patchContainer, http.MethodPatch)
	handle(router, "/containers/{containerId}", "4745", b.deleteContainer, http.MethodDelete)
	handle(router, "/samples/{sampleId}", "4746", b.getSample, http.MethodGet)
	handle(router, "/samples/{sampleId}", "4747", b.patchSample, http.MethodPatch)
	handle(router, "/samples/{sampleId}", "4748", b.deleteSample, http.MethodDelete)
}

// editItem updates the properties set in f of item id and returns the stored item. Names
// only change to non-empty values. prepare runs in the same transaction before the update,
// if set. Items known to ISPyB are patched there with the user's token.
func (b *Backend) editItem(ctx context.Context, userToken string, kind tree.Kind, id int64, f fields, prepare func(tx *sql.Tx) error) (interface{}, error) {
	t := itemTypes[kind]
	var skip []string
	if f.text("name") == "" {
		skip = append(skip, "name")
	}
	a, err := assign(f, t.properties, skip...)
	if err != nil {
		return nil, err
	}
	args := append(append([]interface{}{}, a.args...), id)
	query := a.update(b.db.Table(t.table), columns("", t.columns))

	var (
		item interface{}
		node *tree.Node
	)
	err = b.retryIfExists(ctx, func(tx *sql.Tx) error {
		if prepare != nil {
			if err := prepare(tx); err != nil {
				return err
			}
		}
		var err error
		item, node, err = t.scan(tx.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return newError(http.StatusNotFound, "Invalid ID provided")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if node.ExternalID != nil {
		b.patchUpstream(ctx, userToken, item, node)
	}
	return item, nil
}

// externalID returns the external id of row id in table, or an empty string
func (b *Backend) externalID(ctx context.Context, table string, id *int64) string {
	if id == nil {
		return ""
	}
	var externalID sql.NullInt64
	err := b.db.QueryRowContext(ctx, "SELECT external_id FROM "+b.db.Table(table)+" WHERE id = $1;", *id).Scan(&externalID)
	if err != nil || !externalID.Valid {
		return ""
	}
	return strconv.FormatInt(externalID.Int64, 10)
}

// patchUpstream sends the new representation of item to ISPyB. Failures are only logged.
func (b *Backend) patchUpstream(ctx context.Context, userToken string, item interface{}, node *tree.Node) {
	var (
		shipmentID *int64
		parent     string
	)
	switch v := item.(type) {
	case *TopLevelContainer:
		shipmentID = v.ShipmentID
		parent = b.externalID(ctx, "shipment", v.ShipmentID)
	case *Container:
		shipmentID = v.ShipmentID
		if v.ParentID != nil {
			parent = b.externalID(ctx, "container", v.ParentID)
		} else {
			parent = b.externalID(ctx, "top_level_container", v.TopLevelContainerID)
		}
	case *Sample:
		shipmentID = &v.ShipmentID
		parent = b.externalID(ctx, "container", v.ContainerID)
	}

	root := expeye.Root{}
	if shipmentID != nil {
		shipment, err := b.loadShipment(ctx, b.db, *shipmentID)
		if err != nil {
			logger.FromContext(ctx).WithError(err).Warnln("cannot load shipment of item", node.ID)
			return
		}
		root.Proposal, root.Visit = shipment.Proposal(), shipment.VisitNumber
	}
	if err := b.expeye.Patch(ctx, userToken, node, parent, root); err != nil {
		logger.FromContext(ctx).WithError(err).Warnf("%s %d changed locally but not in ISPyB", node.Kind, node.ID)
	}
}

// deleteItem deletes item id of kind, unless its shipment is booked
func (b *Backend) deleteItem(ctx context.Context, kind tree.Kind, id int64) error {
	t := itemTypes[kind]
	var status sql.NullString
	err := b.db.QueryRowContext(ctx, "SELECT s.status FROM "+b.db.Table(t.table)+" i JOIN "+b.db.Table("shipment")+
		" s ON s.id = i.shipment_id WHERE i.id = $1;", id).Scan(&status)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if status.String == StatusBooked {
		return newError(http.StatusConflict, "Cannot delete item in booked shipment")
	}
	res, err := b.db.ExecContext(ctx, "DELETE FROM "+b.db.Table(t.table)+" WHERE id = $1;", id)
	if err != nil {
		return err
	}
	if count, err := res.RowsAffected(); err != nil || count < 1 {
		return errorf(http.StatusNotFound, "Invalid %s ID provided", t.name)
	}
	return nil
}

func (b *Backend) getTopLevelContainer(w http.ResponseWriter, r *http.Request) error {
	id, err := b.checkItem(r, "top_level_container", "topLevelContainerId", true)
	if err != nil {
		return err
	}
	tlcs, err := b.loadTopLevelContainers(r.Context(), b.db, "id = $1", id)
	if err != nil {
		return err
	}
	if len(tlcs) == 0 {
		return errNotFound
	}
	writeJSON(w, http.StatusOK, tlcs[0])
	return nil
}

func (b *Backend) patchTopLevelContainer(w http.ResponseWriter, r *http.Request) error {
	id, err := b.checkItem(r, "top_level_container", "topLevelContainerId", true)
	if err != nil {
		return err
	}
	f := fields{}
	if err := b.readBody(r, schema.TopLevelContainerPatch, &f); err != nil {
		return err
	}
	tlc, err := b.editTopLevelContainer(r.Context(), token(r), id, f)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, tlc)
	return nil
}

func (b *Backend) deleteTopLevelContainer(w http.ResponseWriter, r *http.Request) error {
	id, err := b.checkItem(r, "top_level_container", "topLevelContainerId", true)
	if err != nil {
		return err
	}
	if err := b.deleteItem(r.Context(), tree.KindTopLevelContainer, id); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (b *Backend) getContainer(w http.ResponseWriter, r *http.Request) error {
	id, err := b.checkItem(r, "container", "containerId", true)
	if err != nil {
		return err
	}
	container, err := b.loadContainer(r.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, container)
	return nil
}

func (b *Backend) patchContainer(w http.ResponseWriter, r *http.Request) error {
	id, err := b.checkItem(r, "container", "containerId", true)
	if err != nil {
		return err
	}
	f := fields{}
	if err := b.readBody(r, schema.ContainerPatch, &f); err != nil {
		return err
	}
	container, err := b.editContainer(r.Context(), token(r), id, f)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, container)
	return nil
}

func (b *Backend) deleteContainer(w http.ResponseWriter, r *http.Request) error {
	id, err := b.checkItem(r, "container", "containerId", true)
	if err != nil {
		return err
	}
	if err := b.deleteItem(r.Context(), tree.KindContainer, id); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (b *Backend) getSample(w http.ResponseWriter, r *http.Request) error {
	id, err := b.checkItem(r, "sample", "sampleId", false)
	if err != nil {
		return err
	}
	sample, err := b.loadSample(r.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, sample)
	return nil
}

func (b *Backend) patchSample(w http.ResponseWriter, r *http.Request) error {
	id, err := b.checkItem(r, "sample", "sampleId", false)
	if err != nil {
		return err
	}
	f := fields{}
	if err := b.readBody(r, schema.SamplePatch, &f); err != nil {
		return err
	}
	sample, err := b.editSample(r.Context(), token(r), id, f)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, sample)
	return nil
}

func (b *Backend) deleteSample(w http.ResponseWriter, r *http.Request) error {
	id, err := b.checkItem(r, "sample", "sampleId", false)
	if err != nil {
		return err
	}
	if err := b.removeSample(r.Context(), id); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
