package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/scaup/core/expeye"
	"github.com/relabs-tech/scaup/core/kss"
	"github.com/relabs-tech/scaup/core/logger"
	"github.com/relabs-tech/scaup/core/metrics"
	"github.com/relabs-tech/scaup/core/notifier"
	"github.com/relabs-tech/scaup/core/tree"
)

// StatusSubmitted is the status of a shipment once it was pushed to ISPyB
const StatusSubmitted = "Submitted"

// SnapshotURLExpiry is how long the links to push snapshots are valid
const SnapshotURLExpiry = 15 * time.Minute

// PushResult is the notification payload of a push
type PushResult struct {
	ShipmentID int64       `json:"shipmentId"`
	ExternalID int64       `json:"externalId"`
	Links      []tree.Link `json:"links"`
}

// PushSnapshot is the archived state of a shipment tree right after a push
type PushSnapshot struct {
	ShipmentID int64       `json:"shipmentId"`
	PushedAt   time.Time   `json:"pushedAt"`
	Links      []tree.Link `json:"links"`
	Tree       Item        `json:"tree"`
	// Samples are the pushed samples outside of any container
	Samples []Item `json:"samples"`
}

var kindTables = map[tree.Kind]string{
	tree.KindShipment:          "shipment",
	tree.KindTopLevelContainer: "top_level_container",
	tree.KindContainer:         "container",
	tree.KindSample:            "sample",
}

// PushShipment creates or updates the shipment and everything in it in ISPyB, on behalf of
// token. Samples without container are pushed without parent. The external ids are stored
// and the shipment becomes Submitted in a single transaction. If the push fails half way,
// the external ids assigned until then are stored nonetheless, so that the next push
// patches those items instead of creating them again.
func (b *Backend) PushShipment(ctx context.Context, token string, shipmentID int64) (links []tree.Link, err error) {
	start := time.Now()
	defer func() {
		result := "success"
		if err != nil {
			result = "error"
		}
		metrics.PushDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}()
	rlog := logger.FromContext(ctx)

	shipment, root, err := b.loadShipmentTree(ctx, b.db, shipmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(http.StatusNotFound, "Shipment not found")
	}
	if err != nil {
		return nil, err
	}
	session, err := b.expeye.Session(ctx, token, shipment.Proposal(), shipment.VisitNumber)
	if err != nil {
		return nil, err
	}
	upserter := b.expeye.Upserter(token, expeye.Root{
		Proposal:  shipment.Proposal(),
		Visit:     shipment.VisitNumber,
		SessionID: &session.SessionID,
	})

	containerless, err := b.loadSamples(ctx, b.db, "shipment_id = $1 AND container_id IS NULL", shipmentID)
	if err != nil {
		return nil, err
	}
	loose := make([]*tree.Node, len(containerless))
	for i, s := range containerless {
		loose[i] = sampleNode(s)
	}

	pushed := append(tree.Flatten(root), loose...)
	for _, node := range loose {
		link, err := upserter.Upsert(ctx, node, "")
		if err != nil {
			b.persistExternalIDs(ctx, pushed)
			return nil, err
		}
		externalID := link.ExternalID
		node.ExternalID = &externalID
	}

	links, err = tree.Walk(ctx, root, shipment.Proposal(), upserter)
	if err != nil {
		rlog.WithError(err).Warnf("push of shipment %d failed", shipmentID)
		b.persistExternalIDs(ctx, pushed)
		return nil, err
	}

	result := PushResult{ShipmentID: shipmentID, ExternalID: *root.ExternalID, Links: links}
	if err := b.submitPush(ctx, shipmentID, pushed, result); err != nil {
		rlog.WithError(err).Errorf("cannot store push of shipment %d", shipmentID)
		b.persistExternalIDs(ctx, pushed)
		return nil, err
	}
	rlog.Infof("pushed shipment %d with %d items as %d", shipmentID, len(pushed), *root.ExternalID)

	b.archivePush(ctx, shipmentID, root, loose, links)
	if err := b.ScheduleEvent(ctx, Event{Type: eventRefreshStatus, Key: strconv.FormatInt(shipmentID, 10)},
		time.Now().Add(b.statusRefreshPushInterval)); err != nil {
		rlog.WithError(err).Warnln("cannot schedule status refresh for shipment", shipmentID)
	}
	if links == nil {
		links = []tree.Link{}
	}
	return links, nil
}

// submitPush stores the external ids of pushed, marks the shipment Submitted and queues the
// push notification, all in one transaction
func (b *Backend) submitPush(ctx context.Context, shipmentID int64, pushed []*tree.Node, result PushResult) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := b.storeExternalIDs(ctx, tx, pushed); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE "+b.db.Table("shipment")+" SET status = $1 WHERE id = $2;", StatusSubmitted, shipmentID); err != nil {
		tx.Rollback()
		return err
	}
	return b.commitWithNotification(ctx, tx, notifier.ShipmentPushed, strconv.FormatInt(shipmentID, 10), result)
}

// storeExternalIDs stores the external ids of nodes
func (b *Backend) storeExternalIDs(ctx context.Context, tx *sql.Tx, nodes []*tree.Node) error {
	for _, node := range nodes {
		if node.ExternalID == nil {
			continue
		}
		table, ok := kindTables[node.Kind]
		if !ok {
			return fmt.Errorf("unknown node kind %s", node.Kind)
		}
		_, err := tx.ExecContext(ctx, "UPDATE "+b.db.Table(table)+" SET external_id = $1 WHERE id = $2;", *node.ExternalID, node.ID)
		if err != nil {
			return fmt.Errorf("store external id of %s %d: %w", node.Kind, node.ID, err)
		}
	}
	return nil
}

// persistExternalIDs stores the external ids of a failed push. The nodes exist upstream
// whether or not the caller is still waiting, so a cancelled ctx does not stop the update.
// Failures are only logged.
func (b *Backend) persistExternalIDs(ctx context.Context, nodes []*tree.Node) {
	ctx = context.WithoutCancel(ctx)
	err := b.db.WithTx(ctx, func(tx *sql.Tx) error {
		return b.storeExternalIDs(ctx, tx, nodes)
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("cannot store external ids of partial push")
	}
}

func snapshotPrefix(shipmentID int64) string {
	return fmt.Sprintf("shipments/%d/push-", shipmentID)
}

// snapshotKey is the object key of the snapshot of a push at pushedAt. The zero padded
// nanoseconds keep the text order of keys chronological.
func snapshotKey(shipmentID int64, pushedAt time.Time) string {
	return fmt.Sprintf("%s%020d.json", snapshotPrefix(shipmentID), pushedAt.UnixNano())
}

// archivePush stores a snapshot of the pushed tree in the object store, if there is one.
// Failures are only logged.
func (b *Backend) archivePush(ctx context.Context, shipmentID int64, root *tree.Node, loose []*tree.Node, links []tree.Link) {
	if b.kss == nil {
		return
	}
	now := b.now().UTC()
	snapshot := PushSnapshot{
		ShipmentID: shipmentID,
		PushedAt:   now,
		Links:      links,
		Tree:       items([]*tree.Node{root})[0],
		Samples:    items(loose),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("cannot marshal push snapshot")
		return
	}
	key := snapshotKey(shipmentID, now)
	if err := b.kss.Upload(ctx, key, data); err != nil {
		logger.FromContext(ctx).WithError(err).Warnln("cannot archive push snapshot", key)
	}
}

// SnapshotLink points to an archived push snapshot
type SnapshotLink struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// pushSnapshots returns pre-signed links to the push snapshots of a shipment, newest first
func (b *Backend) pushSnapshots(ctx context.Context, shipmentID int64) ([]SnapshotLink, error) {
	links := []SnapshotLink{}
	if b.kss == nil {
		return links, nil
	}
	keys, err := b.kss.ListAllWithPrefix(ctx, snapshotPrefix(shipmentID))
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		url, err := b.kss.GetPreSignedURL(ctx, kss.Get, key, SnapshotURLExpiry)
		if err != nil {
			return nil, err
		}
		links = append(links, SnapshotLink{Key: key, URL: url})
	}
	return links, nil
}
