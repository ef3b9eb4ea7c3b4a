package backend

import (
	"context"
	"strings"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/relabs-tech/scaup/core/logger"
	"github.com/relabs-tech/scaup/core/tree"
)

// createTables creates the tables of the shipment tree if they do not exist yet
func (b *Backend) createTables() {
	schema := b.db.Schema
	logger.Default().Debugln("create tables in schema", schema)
	_, err := b.db.Exec(`
CREATE TABLE IF NOT EXISTS ` + schema + `.shipment (
id SERIAL PRIMARY KEY,
name VARCHAR(40) NOT NULL,
proposal_code VARCHAR(2) NOT NULL,
proposal_number INTEGER NOT NULL,
visit_number INTEGER NOT NULL,
external_id INTEGER UNIQUE,
comments VARCHAR(255),
shipment_request INTEGER,
status VARCHAR(25) DEFAULT 'Created',
creation_date TIMESTAMPTZ NOT NULL DEFAULT now(),
last_status_update TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS shipment_session_index ON ` + schema + `.shipment(proposal_code, proposal_number, visit_number);

CREATE TABLE IF NOT EXISTS ` + schema + `.top_level_container (
id SERIAL PRIMARY KEY,
shipment_id INTEGER REFERENCES ` + schema + `.shipment(id),
name VARCHAR(40) NOT NULL,
external_id INTEGER UNIQUE,
comments VARCHAR(255),
details JSONB,
code VARCHAR(40) NOT NULL DEFAULT '',
bar_code VARCHAR(40),
type VARCHAR(40) NOT NULL DEFAULT 'dewar',
is_internal BOOLEAN NOT NULL DEFAULT false,
creation_date TIMESTAMPTZ NOT NULL DEFAULT now(),
CONSTRAINT top_level_container_unique_name UNIQUE (name, shipment_id)
);
CREATE INDEX IF NOT EXISTS top_level_container_shipment_index ON ` + schema + `.top_level_container(shipment_id);

CREATE TABLE IF NOT EXISTS ` + schema + `.container (
id SERIAL PRIMARY KEY,
shipment_id INTEGER REFERENCES ` + schema + `.shipment(id),
top_level_container_id INTEGER REFERENCES ` + schema + `.top_level_container(id) ON DELETE SET NULL,
parent_id INTEGER REFERENCES ` + schema + `.container(id) ON DELETE SET NULL,
name VARCHAR(40) NOT NULL,
external_id INTEGER UNIQUE,
comments VARCHAR(255),
type VARCHAR(40) NOT NULL DEFAULT 'genericContainer',
sub_type VARCHAR(40),
capacity SMALLINT,
location SMALLINT,
details JSONB,
requested_return BOOLEAN NOT NULL DEFAULT false,
is_internal BOOLEAN NOT NULL DEFAULT false,
is_current BOOLEAN NOT NULL DEFAULT false,
registered_container VARCHAR,
creation_date TIMESTAMPTZ NOT NULL DEFAULT now(),
CONSTRAINT container_unique_name UNIQUE (name, shipment_id),
CONSTRAINT container_unique_location UNIQUE (location, parent_id)
);
CREATE INDEX IF NOT EXISTS container_shipment_index ON ` + schema + `.container(shipment_id);
CREATE INDEX IF NOT EXISTS container_top_level_container_index ON ` + schema + `.container(top_level_container_id);
CREATE INDEX IF NOT EXISTS container_parent_index ON ` + schema + `.container(parent_id);

CREATE TABLE IF NOT EXISTS ` + schema + `.sample (
id SERIAL PRIMARY KEY,
shipment_id INTEGER NOT NULL REFERENCES ` + schema + `.shipment(id),
protein_id INTEGER NOT NULL,
name VARCHAR(40) NOT NULL,
external_id INTEGER UNIQUE,
comments VARCHAR(255),
type VARCHAR(40) NOT NULL DEFAULT 'sample',
location SMALLINT,
sub_location SMALLINT,
details JSONB,
container_id INTEGER REFERENCES ` + schema + `.container(id) ON DELETE SET NULL,
creation_date TIMESTAMPTZ NOT NULL DEFAULT now(),
CONSTRAINT sample_unique_location UNIQUE (location, container_id),
CONSTRAINT sample_unique_sublocation UNIQUE (sub_location, shipment_id)
);
CREATE INDEX IF NOT EXISTS sample_shipment_index ON ` + schema + `.sample(shipment_id);
CREATE INDEX IF NOT EXISTS sample_container_index ON ` + schema + `.sample(container_id);

CREATE TABLE IF NOT EXISTS ` + schema + `.sample_parent_child (
parent_id INTEGER NOT NULL REFERENCES ` + schema + `.sample(id),
child_id INTEGER NOT NULL REFERENCES ` + schema + `.sample(id),
creation_date TIMESTAMPTZ NOT NULL DEFAULT now(),
CONSTRAINT parent_child_pk PRIMARY KEY (parent_id, child_id)
);

CREATE TABLE IF NOT EXISTS ` + schema + `.pre_session (
id SERIAL PRIMARY KEY,
shipment_id INTEGER NOT NULL UNIQUE REFERENCES ` + schema + `.shipment(id),
details JSONB
);
`)
	if err != nil {
		panic(err)
	}
}

// columns returns the comma separated columns, each prefixed with prefix
func columns(prefix string, names []string) string {
	if prefix == "" {
		return strings.Join(names, ", ")
	}
	prefixed := make([]string, len(names))
	for i, name := range names {
		prefixed[i] = prefix + "." + name
	}
	return strings.Join(prefixed, ", ")
}

var shipmentColumns = []string{"id", "name", "proposal_code", "proposal_number", "visit_number",
	"external_id", "comments", "shipment_request", "status", "creation_date", "last_status_update"}

func scanShipment(row scanner) (*Shipment, error) {
	var s Shipment
	err := row.Scan(&s.ID, &s.Name, &s.ProposalCode, &s.ProposalNumber, &s.VisitNumber,
		&s.ExternalID, &s.Comments, &s.ShipmentRequest, &s.Status, &s.CreationDate, &s.LastStatusUpdate)
	return &s, err
}

var topLevelContainerColumns = []string{"id", "shipment_id", "name", "external_id", "comments",
	"details", "code", "bar_code", "type", "is_internal", "creation_date"}

func scanTopLevelContainer(row scanner) (*TopLevelContainer, error) {
	var (
		t       TopLevelContainer
		details []byte
	)
	err := row.Scan(&t.ID, &t.ShipmentID, &t.Name, &t.ExternalID, &t.Comments,
		&details, &t.Code, &t.BarCode, &t.Type, &t.IsInternal, &t.CreationDate)
	t.Details = rawJSON(details)
	return &t, err
}

var containerColumns = []string{"id", "shipment_id", "top_level_container_id", "parent_id", "name",
	"external_id", "comments", "type", "sub_type", "capacity", "location", "details",
	"requested_return", "is_internal", "is_current", "registered_container", "creation_date"}

func scanContainer(row scanner, extra ...interface{}) (*Container, error) {
	var (
		c       Container
		details []byte
	)
	dest := []interface{}{&c.ID, &c.ShipmentID, &c.TopLevelContainerID, &c.ParentID, &c.Name,
		&c.ExternalID, &c.Comments, &c.Type, &c.SubType, &c.Capacity, &c.Location, &details,
		&c.RequestedReturn, &c.IsInternal, &c.IsCurrent, &c.RegisteredContainer, &c.CreationDate}
	err := row.Scan(append(dest, extra...)...)
	c.Details = rawJSON(details)
	return &c, err
}

var sampleColumns = []string{"id", "shipment_id", "protein_id", "name", "external_id", "comments",
	"type", "location", "sub_location", "details", "container_id", "creation_date"}

func scanSample(row scanner, extra ...interface{}) (*Sample, error) {
	var (
		s       Sample
		details []byte
	)
	dest := []interface{}{&s.ID, &s.ShipmentID, &s.ProteinID, &s.Name, &s.ExternalID, &s.Comments,
		&s.Type, &s.Location, &s.SubLocation, &details, &s.ContainerID, &s.CreationDate}
	err := row.Scan(append(dest, extra...)...)
	s.Details = rawJSON(details)
	return &s, err
}

// rawJSON returns data as raw JSON, with SQL NULL as JSON null
func rawJSON(data []byte) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(data)
}

func (b *Backend) loadShipment(ctx context.Context, q queryer, shipmentID int64) (*Shipment, error) {
	row := q.QueryRowContext(ctx, "SELECT "+columns("", shipmentColumns)+" FROM "+b.db.Table("shipment")+" WHERE id = $1;", shipmentID)
	return scanShipment(row)
}

func (b *Backend) loadTopLevelContainers(ctx context.Context, q queryer, where string, args ...interface{}) ([]*TopLevelContainer, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+columns("", topLevelContainerColumns)+" FROM "+
		b.db.Table("top_level_container")+" WHERE "+where+" ORDER BY id;", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tlcs []*TopLevelContainer
	for rows.Next() {
		tlc, err := scanTopLevelContainer(rows)
		if err != nil {
			return nil, err
		}
		tlcs = append(tlcs, tlc)
	}
	return tlcs, rows.Err()
}

// containerForest is a set of containers with all of their descendants
type containerForest struct {
	// roots are the containers matched by the root condition, in ascending id order
	roots []*Container
	// children maps a container id to its child containers, in ascending id order
	children map[int64][]*Container
	// samples maps a container id to its samples, in ascending id order
	samples map[int64][]*Sample
}

// loadContainerForest loads the containers matching where, their descendant containers and
// all samples inside. Parent loops end the descent.
func (b *Backend) loadContainerForest(ctx context.Context, q queryer, where string, args ...interface{}) (*containerForest, error) {
	table := b.db.Table("container")
	query := `WITH RECURSIVE forest AS (
SELECT ` + columns("", containerColumns) + `, true AS root FROM ` + table + ` WHERE ` + where + `
UNION
SELECT ` + columns("child", containerColumns) + `, false FROM ` + table + ` child JOIN forest ON child.parent_id = forest.id
) SELECT ` + columns("", containerColumns) + `, bool_or(root) FROM forest
GROUP BY ` + columns("", containerColumns) + ` ORDER BY id;`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	forest := &containerForest{
		children: map[int64][]*Container{},
		samples:  map[int64][]*Sample{},
	}
	var ids []int64
	seen := map[int64]bool{}
	for rows.Next() {
		var root bool
		c, err := scanContainer(rows, &root)
		if err != nil {
			return nil, err
		}
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		ids = append(ids, c.ID)
		if root {
			forest.roots = append(forest.roots, c)
		} else if c.ParentID != nil {
			forest.children[*c.ParentID] = append(forest.children[*c.ParentID], c)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return forest, nil
	}

	samples, err := b.loadSamples(ctx, q, "container_id = ANY($1)", pq.Array(ids))
	if err != nil {
		return nil, err
	}
	for _, s := range samples {
		forest.samples[*s.ContainerID] = append(forest.samples[*s.ContainerID], s)
	}
	return forest, nil
}

func (b *Backend) loadSamples(ctx context.Context, q queryer, where string, args ...interface{}) ([]*Sample, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+columns("", sampleColumns)+" FROM "+
		b.db.Table("sample")+" WHERE "+where+" ORDER BY id;", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var samples []*Sample
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

func topLevelContainerNode(t *TopLevelContainer) *tree.Node {
	return &tree.Node{
		Kind:       tree.KindTopLevelContainer,
		ID:         t.ID,
		Name:       t.Name,
		Type:       t.Type,
		ExternalID: t.ExternalID,
		Data:       toData(t),
	}
}

// containerLeaf returns the node of c without children
func containerLeaf(c *Container) *tree.Node {
	return &tree.Node{
		Kind:                tree.KindContainer,
		ID:                  c.ID,
		Name:                c.Name,
		Type:                c.Type,
		ExternalID:          c.ExternalID,
		TopLevelContainerID: c.TopLevelContainerID,
		Data:                toData(c),
	}
}

func sampleNode(s *Sample) *tree.Node {
	return &tree.Node{
		Kind:       tree.KindSample,
		ID:         s.ID,
		Name:       s.Name,
		Type:       s.Type,
		ExternalID: s.ExternalID,
		Data:       toData(s),
	}
}

// containerNode returns the node of c. A container holding samples has its samples as
// children, otherwise its child containers.
func (f *containerForest) containerNode(c *Container, visited map[int64]bool) *tree.Node {
	visited[c.ID] = true
	node := containerLeaf(c)
	if samples := f.samples[c.ID]; len(samples) > 0 {
		for _, s := range samples {
			node.Children = append(node.Children, sampleNode(s))
		}
		return node
	}
	for _, child := range f.children[c.ID] {
		if visited[child.ID] {
			continue
		}
		node.Children = append(node.Children, f.containerNode(child, visited))
	}
	return node
}

// nodes returns the trees of the roots
func (f *containerForest) nodes() []*tree.Node {
	visited := map[int64]bool{}
	var nodes []*tree.Node
	for _, root := range f.roots {
		if visited[root.ID] {
			continue
		}
		nodes = append(nodes, f.containerNode(root, visited))
	}
	return nodes
}

// topLevelContainerNodes returns the trees of tlcs
func (b *Backend) topLevelContainerNodes(ctx context.Context, q queryer, tlcs []*TopLevelContainer) ([]*tree.Node, error) {
	if len(tlcs) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(tlcs))
	for i, tlc := range tlcs {
		ids[i] = tlc.ID
	}
	forest, err := b.loadContainerForest(ctx, q, "top_level_container_id = ANY($1)", pq.Array(ids))
	if err != nil {
		return nil, err
	}
	byParent := map[int64][]*tree.Node{}
	for _, node := range forest.nodes() {
		byParent[*node.TopLevelContainerID] = append(byParent[*node.TopLevelContainerID], node)
	}
	nodes := make([]*tree.Node, len(tlcs))
	for i, tlc := range tlcs {
		nodes[i] = topLevelContainerNode(tlc)
		nodes[i].Children = byParent[tlc.ID]
	}
	return nodes, nil
}

// loadShipmentTree loads a shipment with its top level containers and everything inside
// them. Containers and samples outside of top level containers are not part of the tree.
func (b *Backend) loadShipmentTree(ctx context.Context, q queryer, shipmentID int64) (*Shipment, *tree.Node, error) {
	shipment, err := b.loadShipment(ctx, q, shipmentID)
	if err != nil {
		return nil, nil, err
	}
	tlcs, err := b.loadTopLevelContainers(ctx, q, "shipment_id = $1", shipmentID)
	if err != nil {
		return nil, nil, err
	}
	children, err := b.topLevelContainerNodes(ctx, q, tlcs)
	if err != nil {
		return nil, nil, err
	}
	root := &tree.Node{
		Kind:       tree.KindShipment,
		ID:         shipment.ID,
		Name:       shipment.Name,
		ExternalID: shipment.ExternalID,
		Data:       toData(shipment),
		Children:   children,
	}
	return shipment, root, nil
}

// items converts nodes into generic items
func items(nodes []*tree.Node) []Item {
	result := make([]Item, 0, len(nodes))
	for _, node := range nodes {
		result = append(result, Item{
			ID:       node.ID,
			Name:     node.Name,
			Data:     node.Data,
			Children: items(node.Children),
		})
	}
	return result
}

// unassignedItems returns the items of a shipment which are not inside a top level container
func (b *Backend) unassignedItems(ctx context.Context, q queryer, shipmentID int64) (*UnassignedItems, error) {
	samples, err := b.loadSamples(ctx, q, "shipment_id = $1 AND container_id IS NULL", shipmentID)
	if err != nil {
		return nil, err
	}
	sampleNodes := make([]*tree.Node, len(samples))
	for i, s := range samples {
		sampleNodes[i] = sampleNode(s)
	}

	gridBoxes, err := b.loadContainerForest(ctx, q, "shipment_id = $1 AND type = 'gridBox' AND parent_id IS NULL", shipmentID)
	if err != nil {
		return nil, err
	}
	containers, err := b.loadContainerForest(ctx, q, "shipment_id = $1 AND type != 'gridBox' AND top_level_container_id IS NULL", shipmentID)
	if err != nil {
		return nil, err
	}
	return &UnassignedItems{
		Samples:    items(sampleNodes),
		GridBoxes:  items(gridBoxes.nodes()),
		Containers: items(containers.nodes()),
	}, nil
}
