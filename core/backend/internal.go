package backend

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/lib/pq"

	"github.com/relabs-tech/scaup/core/logger"
	"github.com/relabs-tech/scaup/core/schema"
)

// A preloaded dewar holds PreloadedPucks pucks with PreloadedGridBoxes grid boxes each
const (
	PreloadedPucks     = 5
	PreloadedGridBoxes = 12
)

// handleInternalContainers adds the routes of the facility's own containers, which are
// not part of any shipment. All of them are restricted to staff.
func (b *Backend) handleInternalContainers(router *mux.Router) {
	logger.Default().Debugln("internal containers")
	handle(router, "/internal-containers", "4750", staffOnly(b.listInternalContainers), http.MethodGet)
	handle(router, "/internal-containers/unassigned", "4751", staffOnly(b.listUnassignedInternalContainers), http.MethodGet)
	handle(router, "/internal-containers/containers", "4752", staffOnly(b.createOrphanContainer), http.MethodPost)
	handle(router, "/internal-containers/topLevelContainers", "4753", staffOnly(b.createOrphanTopLevelContainer), http.MethodPost)
	handle(router, "/internal-containers/preloaded-dewars", "4754", staffOnly(b.createPreloadedDewar), http.MethodPost)
	handle(router, "/internal-containers/{topLevelContainerId:[0-9]+}", "4755", staffOnly(b.getInternalContainer), http.MethodGet)
}

func staffOnly(handler func(w http.ResponseWriter, r *http.Request) error) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		if err := requireStaff(r.Context()); err != nil {
			return err
		}
		return handler(w, r)
	}
}

func (b *Backend) listInternalContainers(w http.ResponseWriter, r *http.Request) error {
	p, err := parsePagination(r)
	if err != nil {
		return err
	}
	page, err := paginate(r.Context(), b.db, p, columns("", topLevelContainerColumns),
		"FROM "+b.db.Table("top_level_container")+" WHERE is_internal", "ORDER BY id", nil, scanTopLevelContainer)
	if err != nil {
		return err
	}
	writePaged(w, http.StatusOK, page)
	return nil
}

// listUnassignedInternalContainers answers the internal containers which are neither in a
// top level container nor in another container, with everything inside them
func (b *Backend) listUnassignedInternalContainers(w http.ResponseWriter, r *http.Request) error {
	p, err := parsePagination(r)
	if err != nil {
		return err
	}
	ctx := r.Context()
	page, err := paginate(ctx, b.db, p, "id", "FROM "+b.db.Table("container")+
		" WHERE is_internal AND top_level_container_id IS NULL AND parent_id IS NULL", "ORDER BY id", nil,
		func(row scanner) (int64, error) {
			var id int64
			err := row.Scan(&id)
			return id, err
		})
	if err != nil {
		return err
	}
	forest, err := b.loadContainerForest(ctx, b.db, "id = ANY($1)", pq.Array(page.Items))
	if err != nil {
		return err
	}
	writePaged(w, http.StatusOK, &Paged[Item]{
		Items: items(forest.nodes()),
		Total: page.Total,
		Page:  page.Page,
		Limit: page.Limit,
	})
	return nil
}

func (b *Backend) createOrphanContainer(w http.ResponseWriter, r *http.Request) error {
	f := fields{}
	if err := b.readBody(r, schema.ContainerIn, &f); err != nil {
		return err
	}
	f["isInternal"] = json.RawMessage("true")
	container, err := b.createContainer(r.Context(), nil, f)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, container)
	return nil
}

func (b *Backend) createOrphanTopLevelContainer(w http.ResponseWriter, r *http.Request) error {
	f := fields{}
	if err := b.readBody(r, schema.TopLevelContainerIn, &f); err != nil {
		return err
	}
	f["isInternal"] = json.RawMessage("true")
	tlc, err := b.createTopLevelContainer(r.Context(), token(r), nil, f, false)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, tlc)
	return nil
}

// getInternalContainer answers a top level container with its containers and samples
func (b *Backend) getInternalContainer(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r, "topLevelContainerId")
	if err != nil {
		return err
	}
	ctx := r.Context()
	tlcs, err := b.loadTopLevelContainers(ctx, b.db, "id = $1", id)
	if err != nil {
		return err
	}
	if len(tlcs) == 0 {
		return errNotFound
	}
	nodes, err := b.topLevelContainerNodes(ctx, b.db, tlcs)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, items(nodes)[0])
	return nil
}

func (b *Backend) createPreloadedDewar(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		Name string `json:"name"`
	}
	if err := b.readBody(r, schema.PreloadedDewar, &body); err != nil {
		return err
	}
	tlc, err := b.createPreloadedInventory(r.Context(), body.Name)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, tlc)
	return nil
}

// createPreloadedInventory creates an internal dewar named name, filled with pucks named 1
// to 5, each holding 12 auto loading grid boxes
func (b *Backend) createPreloadedInventory(ctx context.Context, name string) (*TopLevelContainer, error) {
	tlcTable := b.db.Table("top_level_container")
	containerTable := b.db.Table("container")
	var tlc *TopLevelContainer
	err := b.retryIfExists(ctx, func(tx *sql.Tx) error {
		var err error
		tlc, err = scanTopLevelContainer(tx.QueryRowContext(ctx, "INSERT INTO "+tlcTable+
			" (name, is_internal, code) VALUES ($1, true, $1) RETURNING "+columns("", topLevelContainerColumns)+";", name))
		if err != nil {
			return err
		}
		for puck := 1; puck <= PreloadedPucks; puck++ {
			puckName := strconv.Itoa(puck)
			var puckID int64
			err := tx.QueryRowContext(ctx, "INSERT INTO "+containerTable+
				" (name, is_internal, top_level_container_id, type, sub_type) VALUES ($1, true, $2, 'puck', '2') RETURNING id;",
				puckName, tlc.ID).Scan(&puckID)
			if err != nil {
				return err
			}
			for pos := 0; pos < PreloadedGridBoxes; pos++ {
				_, err := tx.ExecContext(ctx, "INSERT INTO "+containerTable+
					" (name, is_internal, parent_id, type, sub_type, location) VALUES ($1, true, $2, 'gridBox', 'auto', $3);",
					fmt.Sprintf("Gridbox_%d_Puck_%s", pos+1, puckName), puckID, pos+1)
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tlc, nil
}
