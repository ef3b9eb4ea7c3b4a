package backend

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleNames(t *testing.T) {
	shipment := newShipment(t, 1, "sample_names")

	samples := newSamples(t, shipment.ID, map[string]interface{}{"copies": 3})
	require.Len(t, samples, 3)
	assert.Equal(t, "Protein_01_1", samples[0].Name)
	assert.Equal(t, "Protein_01_2", samples[1].Name)
	assert.Equal(t, "Protein_01_3", samples[2].Name)

	// the numbering continues after the newest sample of the protein
	named := newSamples(t, shipment.ID, map[string]interface{}{"name": "grid"})
	require.Len(t, named, 1)
	assert.Equal(t, "Protein_01_grid_4", named[0].Name)

	prefixed := newSamples(t, shipment.ID, map[string]interface{}{"name": "Protein_01_mine"})
	require.Len(t, prefixed, 1)
	assert.Equal(t, "Protein_01_mine_5", prefixed[0].Name)
}

func TestSampleCopiesLimit(t *testing.T) {
	shipment := newShipment(t, 1, "sample_copies")
	res, err := testService.user.Do(http.MethodPost, fmt.Sprintf("/shipments/%d/samples", shipment.ID),
		map[string]interface{}{"proteinId": 4407, "copies": MaxSampleCopies + 1})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, res.Status)
	assert.Equal(t, "Too many sample copies requested", res.Detail())

	res, err = testService.user.Do(http.MethodPost, fmt.Sprintf("/shipments/%d/samples", shipment.ID),
		map[string]interface{}{"proteinId": 4408})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.Equal(t, "Invalid sample compound/protein provided", res.Detail())

	samples := newSamples(t, shipment.ID, map[string]interface{}{"copies": MaxSampleCopies})
	assert.Len(t, samples, MaxSampleCopies)
}

func TestSampleParents(t *testing.T) {
	shipment := newShipment(t, 1, "sample_parents")
	parent := newSamples(t, shipment.ID, map[string]interface{}{})[0]
	children := newSamples(t, shipment.ID, map[string]interface{}{"copies": 2, "parents": []int64{parent.ID}})
	require.Len(t, children, 2)
	assert.Equal(t, []int64{parent.ID}, children[0].Parents)

	var child Sample
	_, err := testService.user.RawGet(fmt.Sprintf("/samples/%d", children[1].ID), &child)
	require.NoError(t, err)
	assert.Equal(t, []int64{parent.ID}, child.Parents)

	res, err := testService.user.Do(http.MethodDelete, fmt.Sprintf("/samples/%d", parent.ID), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, res.Status)
	assert.Equal(t, "Sample is linked to a different session and cannot be deleted", res.Detail())

	res, err = testService.user.Do(http.MethodPost, fmt.Sprintf("/shipments/%d/samples", shipment.ID),
		map[string]interface{}{"proteinId": 4407, "parents": []int64{999999}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.Equal(t, "Invalid parentId provided", res.Detail())
}

func TestLocationConflictMovesPreviousItem(t *testing.T) {
	shipment := newShipment(t, 1, "conflicts")
	puck := newContainer(t, shipment.ID, map[string]interface{}{"type": "puck", "name": "Puck_conflicts"})

	first := newSamples(t, shipment.ID, map[string]interface{}{"containerId": puck.ID, "location": 1, "subLocation": 7})[0]
	second := newSamples(t, shipment.ID, map[string]interface{}{"containerId": puck.ID, "location": 1})[0]
	require.NotNil(t, second.Location)
	assert.Equal(t, int64(1), *second.Location)
	assert.Equal(t, puck.ID, *second.ContainerID)

	var moved Sample
	_, err := testService.user.RawGet(fmt.Sprintf("/samples/%d", first.ID), &moved)
	require.NoError(t, err)
	assert.Nil(t, moved.Location)
	assert.Nil(t, moved.ContainerID)
	require.NotNil(t, moved.SubLocation)

	// the cassette slot is cleared on the previous sample as well
	third := newSamples(t, shipment.ID, map[string]interface{}{"subLocation": 7})[0]
	assert.Equal(t, int64(7), *third.SubLocation)
	_, err = testService.user.RawGet(fmt.Sprintf("/samples/%d", first.ID), &moved)
	require.NoError(t, err)
	assert.Nil(t, moved.SubLocation)

	// containers give way in their parent as well
	box1 := newContainer(t, shipment.ID, map[string]interface{}{"type": "gridBox", "name": "Box_1", "parentId": puck.ID, "location": 3})
	box2 := newContainer(t, shipment.ID, map[string]interface{}{"type": "gridBox", "name": "Box_2", "parentId": puck.ID, "location": 3})
	assert.Equal(t, puck.ID, *box2.ParentID)
	var box Container
	_, err = testService.user.RawGet(fmt.Sprintf("/containers/%d", box1.ID), &box)
	require.NoError(t, err)
	assert.Nil(t, box.ParentID)
	assert.Nil(t, box.Location)

	// names are unique inside a shipment
	res, err := testService.user.Do(http.MethodPost, fmt.Sprintf("/shipments/%d/containers", shipment.ID),
		map[string]interface{}{"type": "puck", "name": "Puck_conflicts"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, res.Status)
	assert.Equal(t, "Name already in use inside shipment", res.Detail())
}

func TestPatchItems(t *testing.T) {
	shipment := newShipment(t, 1, "patch_items")
	dewar := newDewar(t, shipment.ID, "Dewar_patch")
	assert.Equal(t, fmt.Sprintf("cm12345-1-%07d", dewar.ID), *dewar.BarCode)

	var patched TopLevelContainer
	_, err := testService.user.RawPatch(fmt.Sprintf("/topLevelContainers/%d", dewar.ID),
		map[string]interface{}{"comments": "fragile", "name": ""}, &patched)
	require.NoError(t, err)
	assert.Equal(t, "fragile", *patched.Comments)
	assert.Equal(t, "Dewar_patch", patched.Name)

	res, err := testService.user.Do(http.MethodPatch, fmt.Sprintf("/topLevelContainers/%d", dewar.ID),
		map[string]interface{}{"code": "DLS-BI-9999"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.Equal(t, "Invalid facility code provided", res.Detail())

	puck := newContainer(t, shipment.ID, map[string]interface{}{"type": "puck", "name": "Puck_patch"})
	var container Container
	_, err = testService.user.RawPatch(fmt.Sprintf("/containers/%d", puck.ID),
		map[string]interface{}{"topLevelContainerId": dewar.ID}, &container)
	require.NoError(t, err)
	assert.Equal(t, dewar.ID, *container.TopLevelContainerID)

	res, err = testService.user.Do(http.MethodPatch, fmt.Sprintf("/containers/%d", puck.ID),
		map[string]interface{}{"parentId": 999999})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.Equal(t, "Invalid parentId provided", res.Detail())

	res, err = testService.user.Do(http.MethodPatch, fmt.Sprintf("/containers/%d", puck.ID),
		map[string]interface{}{"name": "not/allowed"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, res.Status)

	sample := newSamples(t, shipment.ID, map[string]interface{}{})[0]
	var edited Sample
	_, err = testService.user.RawPatch(fmt.Sprintf("/samples/%d", sample.ID),
		map[string]interface{}{"containerId": puck.ID, "location": 2}, &edited)
	require.NoError(t, err)
	assert.Equal(t, puck.ID, *edited.ContainerID)

	res, err = testService.user.Do(http.MethodPatch, fmt.Sprintf("/samples/%d", sample.ID),
		map[string]interface{}{"proteinId": 4408})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Status)
}

func TestPatchPushedItemUpdatesUpstream(t *testing.T) {
	p := newPushTree(t, "patch_pushed")
	_, err := testService.user.RawPost(fmt.Sprintf("/shipments/%d/push", p.shipment.ID), nil, nil)
	require.NoError(t, err)
	puckExternal := externalIDOf(t, "container", p.puck.ID)
	require.NotNil(t, puckExternal)

	fake := testService.expeye
	mark := fake.mark()
	_, err = testService.user.RawPatch(fmt.Sprintf("/containers/%d", p.puck.ID), map[string]interface{}{"comments": "moved"}, nil)
	require.NoError(t, err)
	writes := fake.since(mark)
	require.Len(t, writes, 1)
	assert.Equal(t, http.MethodPatch, writes[0].Method)
	assert.Equal(t, fmt.Sprintf("/containers/%d", *puckExternal), writes[0].Path)
	assert.Equal(t, "moved", writes[0].Body["comments"])

	// ISPyB failures do not undo the local change
	fake.setFail(func(method, _ string) bool { return method == http.MethodPatch })
	defer fake.setFail(nil)
	var container Container
	_, err = testService.user.RawPatch(fmt.Sprintf("/containers/%d", p.puck.ID), map[string]interface{}{"comments": "moved again"}, &container)
	require.NoError(t, err)
	assert.Equal(t, "moved again", *container.Comments)
}

func TestDeleteItems(t *testing.T) {
	shipment := newShipment(t, 1, "delete_items")
	dewar := newDewar(t, shipment.ID, "Dewar_delete")
	puck := newContainer(t, shipment.ID, map[string]interface{}{"type": "puck", "name": "Puck_delete", "topLevelContainerId": dewar.ID})
	sample := newSamples(t, shipment.ID, map[string]interface{}{"containerId": puck.ID, "location": 1})[0]

	_, err := testService.user.RawDelete(fmt.Sprintf("/topLevelContainers/%d", dewar.ID))
	require.NoError(t, err)
	var container Container
	_, err = testService.user.RawGet(fmt.Sprintf("/containers/%d", puck.ID), &container)
	require.NoError(t, err)
	assert.Nil(t, container.TopLevelContainerID)

	_, err = testService.user.RawDelete(fmt.Sprintf("/containers/%d", puck.ID))
	require.NoError(t, err)
	var orphan Sample
	_, err = testService.user.RawGet(fmt.Sprintf("/samples/%d", sample.ID), &orphan)
	require.NoError(t, err)
	assert.Nil(t, orphan.ContainerID)

	res, err := testService.user.Do(http.MethodGet, fmt.Sprintf("/containers/%d", puck.ID), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Status)

	// nothing can be deleted once the courier is booked
	_, err = testService.backend.db.Exec("UPDATE "+testService.backend.db.Table("shipment")+" SET status = $1 WHERE id = $2;",
		StatusBooked, shipment.ID)
	require.NoError(t, err)
	res, err = testService.user.Do(http.MethodDelete, fmt.Sprintf("/samples/%d", sample.ID), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, res.Status)
	assert.Equal(t, "Cannot delete item in booked shipment", res.Detail())

	res, err = testService.user.Do(http.MethodPost, fmt.Sprintf("/shipments/%d/containers", shipment.ID),
		map[string]interface{}{"type": "puck", "name": "Puck_booked"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, res.Status)
	assert.Equal(t, "Items cannot be created inside a booked shipment", res.Detail())
}

func TestContainerTransfer(t *testing.T) {
	from := newShipment(t, 1, "transfer_from")
	to := newShipment(t, 1, "transfer_to")
	puck := newContainer(t, from.ID, map[string]interface{}{"type": "puck", "name": "Puck_transfer"})
	sample := newSamples(t, from.ID, map[string]interface{}{"containerId": puck.ID, "location": 1})[0]

	var container Container
	_, err := testService.user.RawPatch(fmt.Sprintf("/containers/%d", puck.ID), map[string]interface{}{"shipmentId": to.ID}, &container)
	require.NoError(t, err)
	assert.Equal(t, to.ID, *container.ShipmentID)
	var moved Sample
	_, err = testService.user.RawGet(fmt.Sprintf("/samples/%d", sample.ID), &moved)
	require.NoError(t, err)
	assert.Equal(t, to.ID, moved.ShipmentID)

	var other Shipment
	_, err = testService.staff.RawPost("/proposals/cm54321/sessions/1/shipments", map[string]interface{}{"name": "other_proposal"}, &other)
	require.NoError(t, err)
	res, err := testService.user.Do(http.MethodPatch, fmt.Sprintf("/containers/%d", puck.ID), map[string]interface{}{"shipmentId": other.ID})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.Status)
	assert.Equal(t, "Cannot transfer container between proposals", res.Detail())
}

func TestUnassignedItems(t *testing.T) {
	shipment := newShipment(t, 1, "unassigned")
	dewar := newDewar(t, shipment.ID, "Dewar_unassigned")
	newContainer(t, shipment.ID, map[string]interface{}{"type": "puck", "name": "Puck_assigned", "topLevelContainerId": dewar.ID})
	puck := newContainer(t, shipment.ID, map[string]interface{}{"type": "puck", "name": "Puck_unassigned"})
	newContainer(t, shipment.ID, map[string]interface{}{"type": "gridBox", "name": "Box_unassigned"})
	newContainer(t, shipment.ID, map[string]interface{}{"type": "gridBox", "name": "Box_in_puck", "parentId": puck.ID, "location": 1})
	newSamples(t, shipment.ID, map[string]interface{}{})

	var unassigned UnassignedItems
	_, err := testService.user.RawGet(fmt.Sprintf("/shipments/%d/unassigned", shipment.ID), &unassigned)
	require.NoError(t, err)
	require.Len(t, unassigned.Samples, 1)
	require.Len(t, unassigned.GridBoxes, 1)
	assert.Equal(t, "Box_unassigned", unassigned.GridBoxes[0].Name)
	require.Len(t, unassigned.Containers, 1)
	assert.Equal(t, "Puck_unassigned", unassigned.Containers[0].Name)
	require.Len(t, unassigned.Containers[0].Children, 1)
	assert.Equal(t, "Box_in_puck", unassigned.Containers[0].Children[0].Name)

	res, err := testService.user.Do(http.MethodPost, fmt.Sprintf("/shipments/%d/request", shipment.ID), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, res.Status)
	assert.Equal(t, "Cannot proceed with unassigned items in shipment", res.Detail())
}

func TestForeignKeyViolation(t *testing.T) {
	shipment := newShipment(t, 1, "foreign_keys")
	res, err := testService.user.Do(http.MethodPost, fmt.Sprintf("/shipments/%d/samples", shipment.ID),
		map[string]interface{}{"proteinId": 4407, "containerId": 999999})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.Equal(t, "Invalid containerId provided", res.Detail())

	res, err = testService.user.Do(http.MethodPost, fmt.Sprintf("/shipments/%d/containers", shipment.ID),
		map[string]interface{}{"type": "gridBox", "name": "Box_orphan", "parentId": 999999})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.Equal(t, "Invalid parentId provided", res.Detail())
}

// two copies for the same slot conflict with each other, so clearing the slot does not help
func TestLocationConflictPersistsAfterRetry(t *testing.T) {
	shipment := newShipment(t, 1, "conflict_twice")
	puck := newContainer(t, shipment.ID, map[string]interface{}{"type": "puck", "name": "Puck_conflict_twice"})
	previous := newSamples(t, shipment.ID, map[string]interface{}{"containerId": puck.ID, "location": 1})[0]

	res, err := testService.user.Do(http.MethodPost, fmt.Sprintf("/shipments/%d/samples", shipment.ID),
		map[string]interface{}{"proteinId": 4407, "containerId": puck.ID, "location": 1, "copies": 2})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, res.Status)
	assert.Equal(t, "Name already in use inside shipment", res.Detail())

	// the cleared slot was rolled back with the failed retry
	var sample Sample
	_, err = testService.user.RawGet(fmt.Sprintf("/samples/%d", previous.ID), &sample)
	require.NoError(t, err)
	require.NotNil(t, sample.Location)
	assert.Equal(t, int64(1), *sample.Location)
	assert.Equal(t, puck.ID, *sample.ContainerID)
}
