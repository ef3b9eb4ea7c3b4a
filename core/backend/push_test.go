package backend

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/scaup/core/client"
	"github.com/relabs-tech/scaup/core/notifier"
	"github.com/relabs-tech/scaup/core/tree"
)

// pushTree is a shipment with a dewar holding a puck with two samples, and one sample
// outside of any container
type pushTree struct {
	shipment *Shipment
	dewar    *TopLevelContainer
	puck     *Container
	samples  []*Sample
	loose    *Sample
}

func newPushTree(t *testing.T, name string) pushTree {
	var p pushTree
	p.shipment = newShipment(t, 1, name)
	p.dewar = newDewar(t, p.shipment.ID, "Dewar_"+name)
	p.puck = newContainer(t, p.shipment.ID, map[string]interface{}{
		"type": "puck", "name": "Puck_" + name, "topLevelContainerId": p.dewar.ID, "capacity": 12,
	})
	for location := 1; location <= 2; location++ {
		p.samples = append(p.samples, newSamples(t, p.shipment.ID, map[string]interface{}{
			"containerId": p.puck.ID, "location": location,
		})...)
	}
	p.loose = newSamples(t, p.shipment.ID, map[string]interface{}{})[0]
	return p
}

func TestPushCreatesThenPatches(t *testing.T) {
	p := newPushTree(t, "push_once")
	fake := testService.expeye
	mark := fake.mark()

	var links []tree.Link
	_, err := testService.user.RawPost(fmt.Sprintf("/shipments/%d/push", p.shipment.ID), nil, &links)
	require.NoError(t, err)
	// the puck is listed for each of its samples, the dewar and the shipment once
	assert.Len(t, links, 4)

	shipmentExternal := externalIDOf(t, "shipment", p.shipment.ID)
	dewarExternal := externalIDOf(t, "top_level_container", p.dewar.ID)
	puckExternal := externalIDOf(t, "container", p.puck.ID)
	require.NotNil(t, shipmentExternal)
	require.NotNil(t, dewarExternal)
	require.NotNil(t, puckExternal)
	for _, s := range append(p.samples, p.loose) {
		assert.NotNil(t, externalIDOf(t, "sample", s.ID), "sample %d has no external id", s.ID)
	}

	writes := fake.since(mark)
	require.Len(t, writes, 6)
	for _, w := range writes {
		assert.Equal(t, http.MethodPost, w.Method, w.Path)
	}
	assert.Equal(t, "/samples", writes[0].Path)
	assert.Equal(t, "/proposals/cm12345/shipments", writes[1].Path)
	assert.Equal(t, "push_once", writes[1].Body["shippingName"])
	assert.Equal(t, fmt.Sprintf("/shipments/%d/dewars", *shipmentExternal), writes[2].Path)
	assert.Equal(t, float64(27464088), writes[2].Body["firstExperimentId"])
	assert.Equal(t, "DLS-BI-1001", writes[2].Body["facilityCode"])
	assert.Equal(t, fmt.Sprintf("/dewars/%d/containers", *dewarExternal), writes[3].Path)
	assert.Equal(t, "Puck", writes[3].Body["containerType"])
	assert.Equal(t, fmt.Sprintf("/containers/%d/samples", *puckExternal), writes[4].Path)
	assert.Equal(t, fmt.Sprintf("/containers/%d/samples", *puckExternal), writes[5].Path)

	var shipment Item
	_, err = testService.user.RawGet(fmt.Sprintf("/shipments/%d", p.shipment.ID), &shipment)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, shipment.Data["status"])
	assert.Equal(t, float64(*shipmentExternal), shipment.Data["externalId"])

	// a second push patches every item under its external id
	mark = fake.mark()
	_, err = testService.user.RawPost(fmt.Sprintf("/shipments/%d/push", p.shipment.ID), nil, &links)
	require.NoError(t, err)
	writes = fake.since(mark)
	require.Len(t, writes, 6)
	for _, w := range writes {
		assert.Equal(t, http.MethodPatch, w.Method, w.Path)
	}
	assert.Equal(t, fmt.Sprintf("/shipments/%d", *shipmentExternal), writes[1].Path)
	assert.Equal(t, fmt.Sprintf("/dewars/%d", *dewarExternal), writes[2].Path)
	assert.Equal(t, fmt.Sprintf("/containers/%d", *puckExternal), writes[3].Path)
	assert.Equal(t, shipmentExternal, externalIDOf(t, "shipment", p.shipment.ID))
}

func TestPushPublishesEvent(t *testing.T) {
	p := newPushTree(t, "push_event")
	_, err := testService.user.RawPost(fmt.Sprintf("/shipments/%d/push", p.shipment.ID), nil, nil)
	require.NoError(t, err)

	testService.backend.ProcessJobsSync(0)

	key := strconv.FormatInt(p.shipment.ID, 10)
	messages := testService.publisher.find(notifier.ShipmentPushed, key)
	require.Len(t, messages, 1)
	var result PushResult
	require.NoError(t, json.Unmarshal(messages[0].Payload, &result))
	assert.Equal(t, p.shipment.ID, result.ShipmentID)
	assert.Equal(t, *externalIDOf(t, "shipment", p.shipment.ID), result.ExternalID)
	assert.Len(t, result.Links, 4)

	// the status refresh is scheduled for later
	schedule, err := testService.backend.eventSchedule(context.Background(), Event{Type: eventRefreshStatus, Key: key})
	require.NoError(t, err)
	require.NotNil(t, schedule)
}

func TestPartialPushKeepsExternalIDs(t *testing.T) {
	p := newPushTree(t, "push_partial")
	fake := testService.expeye
	fake.setFail(func(method, path string) bool {
		return method == http.MethodPost && strings.HasPrefix(path, "/dewars/")
	})
	defer fake.setFail(nil)

	res, err := testService.user.Do(http.MethodPost, fmt.Sprintf("/shipments/%d/push", p.shipment.ID), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusFailedDependency, res.Status)

	// everything pushed before the failure keeps its external id
	shipmentExternal := externalIDOf(t, "shipment", p.shipment.ID)
	dewarExternal := externalIDOf(t, "top_level_container", p.dewar.ID)
	require.NotNil(t, shipmentExternal)
	require.NotNil(t, dewarExternal)
	assert.NotNil(t, externalIDOf(t, "sample", p.loose.ID))
	assert.Nil(t, externalIDOf(t, "container", p.puck.ID))
	assert.Nil(t, externalIDOf(t, "sample", p.samples[0].ID))

	var shipment Shipment
	require.NoError(t, testService.backend.db.QueryRow("SELECT status FROM "+testService.backend.db.Table("shipment")+
		" WHERE id = $1;", p.shipment.ID).Scan(&shipment.Status))
	require.NotNil(t, shipment.Status)
	assert.NotEqual(t, StatusSubmitted, *shipment.Status)

	// the retry patches what exists and creates the rest
	fake.setFail(nil)
	mark := fake.mark()
	_, err = testService.user.RawPost(fmt.Sprintf("/shipments/%d/push", p.shipment.ID), nil, nil)
	require.NoError(t, err)
	writes := fake.since(mark)
	require.Len(t, writes, 6)
	assert.Equal(t, http.MethodPatch, writes[0].Method)
	assert.Equal(t, fmt.Sprintf("/shipments/%d", *shipmentExternal), writes[1].Path)
	assert.Equal(t, http.MethodPatch, writes[1].Method)
	assert.Equal(t, fmt.Sprintf("/dewars/%d", *dewarExternal), writes[2].Path)
	assert.Equal(t, http.MethodPatch, writes[2].Method)
	assert.Equal(t, http.MethodPost, writes[3].Method)
	assert.Equal(t, http.MethodPost, writes[4].Method)
	assert.Equal(t, shipmentExternal, externalIDOf(t, "shipment", p.shipment.ID))
}

func TestPushUnknownFacilityCode(t *testing.T) {
	shipment := newShipment(t, 1, "push_unknown_code")
	dewar := newDewar(t, shipment.ID, "Dewar_unknown_code")
	// the code vanished from the registry after the dewar was created
	_, err := testService.backend.db.Exec("UPDATE "+testService.backend.db.Table("top_level_container")+
		" SET code = 'DLS-BI-9999' WHERE id = $1;", dewar.ID)
	require.NoError(t, err)

	res, err := testService.user.Do(http.MethodPost, fmt.Sprintf("/shipments/%d/push", shipment.ID), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusFailedDependency, res.Status)
	assert.NotNil(t, externalIDOf(t, "shipment", shipment.ID))
	assert.Nil(t, externalIDOf(t, "top_level_container", dewar.ID))
}

func TestPushPermissions(t *testing.T) {
	shipment := newShipment(t, 1, "push_denied")
	_, err := testService.denied.RawPost(fmt.Sprintf("/shipments/%d/push", shipment.ID), nil, nil)
	var statusErr *client.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.Status)

	res, err := testService.user.Do(http.MethodPost, "/shipments/999999/push", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Status)
}

func TestPushSnapshots(t *testing.T) {
	p := newPushTree(t, "push_snapshot")
	_, err := testService.user.RawPost(fmt.Sprintf("/shipments/%d/push", p.shipment.ID), nil, nil)
	require.NoError(t, err)

	var snapshots []SnapshotLink
	_, err = testService.user.RawGet(fmt.Sprintf("/shipments/%d/push-snapshots", p.shipment.ID), &snapshots)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.True(t, strings.HasPrefix(snapshots[0].Key, snapshotPrefix(p.shipment.ID)))

	data, err := testService.backend.kss.Download(context.Background(), snapshots[0].Key)
	require.NoError(t, err)
	var snapshot PushSnapshot
	require.NoError(t, json.Unmarshal(data, &snapshot))
	assert.Equal(t, p.shipment.ID, snapshot.ShipmentID)
	assert.Len(t, snapshot.Links, 4)
	require.Len(t, snapshot.Tree.Children, 1)
	assert.Equal(t, "Dewar_push_snapshot", snapshot.Tree.Children[0].Name)
	require.Len(t, snapshot.Samples, 1)
	assert.Equal(t, p.loose.ID, snapshot.Samples[0].ID)
}

func TestCancelledPushKeepsExternalIDs(t *testing.T) {
	shipment := newShipment(t, 1, "push_cancelled")
	newDewar(t, shipment.ID, "Dewar_push_cancelled")
	fake := testService.expeye

	// the caller goes away once the shipment exists upstream
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake.setFail(func(method, path string) bool {
		if method == http.MethodPost && strings.HasPrefix(path, "/shipments/") {
			cancel()
		}
		return false
	})
	defer fake.setFail(nil)

	_, err := testService.backend.PushShipment(ctx, "", shipment.ID)
	require.Error(t, err)
	fake.setFail(nil)

	shipmentExternal := externalIDOf(t, "shipment", shipment.ID)
	require.NotNil(t, shipmentExternal)

	mark := fake.mark()
	_, err = testService.user.RawPost(fmt.Sprintf("/shipments/%d/push", shipment.ID), nil, nil)
	require.NoError(t, err)
	writes := fake.since(mark)
	require.Len(t, writes, 2)
	assert.Equal(t, http.MethodPatch, writes[0].Method)
	assert.Equal(t, fmt.Sprintf("/shipments/%d", *shipmentExternal), writes[0].Path)
	assert.Equal(t, shipmentExternal, externalIDOf(t, "shipment", shipment.ID))
}

func TestPushSnapshotsNewestFirst(t *testing.T) {
	shipment := newShipment(t, 1, "snapshot_order")
	ctx := context.Background()

	second := time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC)
	older := snapshotKey(shipment.ID, second.Add(time.Millisecond))
	newer := snapshotKey(shipment.ID, second.Add(900*time.Millisecond))
	assert.Equal(t, fmt.Sprintf("shipments/%d/push-%020d.json", shipment.ID, second.Add(time.Millisecond).UnixNano()), older)
	require.NoError(t, testService.backend.kss.Upload(ctx, newer, []byte("{}")))
	require.NoError(t, testService.backend.kss.Upload(ctx, older, []byte("{}")))

	var snapshots []SnapshotLink
	_, err := testService.user.RawGet(fmt.Sprintf("/shipments/%d/push-snapshots", shipment.ID), &snapshots)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	assert.Equal(t, newer, snapshots[0].Key)
	assert.Equal(t, older, snapshots[1].Key)
}

func TestPushSnapshotsWithoutStore(t *testing.T) {
	b := &Backend{}
	snapshots, err := b.pushSnapshots(context.Background(), 1)
	require.NoError(t, err)
	assert.NotNil(t, snapshots)
	assert.Empty(t, snapshots)
}
