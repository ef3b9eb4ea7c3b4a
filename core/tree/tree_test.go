package tree

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func int64Ptr(i int64) *int64 { return &i }

// recorder hands out external ids 100, 101, ... and records every call
type recorder struct {
	next  int64
	calls []string
	fail  string
}

func (r *recorder) Upsert(_ context.Context, node *Node, parent string) (Link, error) {
	if node.Name == r.fail {
		return Link{}, errors.New("upstream failed")
	}
	id := r.next
	if node.ExternalID != nil {
		id = *node.ExternalID
	} else {
		r.next++
	}
	r.calls = append(r.calls, fmt.Sprintf("%s %s<-%s", node.Kind, node.Name, parent))
	return Link{ExternalID: id, URL: fmt.Sprintf("/%s/%d", node.Kind, id)}, nil
}

func testShipment() *Node {
	return &Node{Kind: KindShipment, ID: 1, Name: "Shipment_1", Children: []*Node{
		{Kind: KindTopLevelContainer, ID: 1, Name: "Dewar_1", Type: "dewar", Children: []*Node{
			{Kind: KindContainer, ID: 1, Name: "Puck_1", Type: "puck", Children: []*Node{
				{Kind: KindContainer, ID: 2, Name: "Gridbox_1", Type: "gridBox", Children: []*Node{
					{Kind: KindSample, ID: 1, Name: "Sample_1", Type: "sample"},
					{Kind: KindSample, ID: 2, Name: "Sample_2", Type: "sample", ExternalID: int64Ptr(7)},
				}},
			}},
		}},
		{Kind: KindTopLevelContainer, ID: 2, Name: "Dewar_2", Type: "dewar"},
	}}
}

func TestWalk(t *testing.T) {
	root := testShipment()
	r := &recorder{next: 100}

	links, err := Walk(context.Background(), root, "cm12345", r)
	require.NoError(t, err)

	wantCalls := []string{
		"shipment Shipment_1<-cm12345",
		"topLevelContainer Dewar_1<-100",
		"container Puck_1<-101",
		"container Gridbox_1<-102",
		"sample Sample_1<-103",
		"sample Sample_2<-103",
		"topLevelContainer Dewar_2<-100",
	}
	if diff := cmp.Diff(wantCalls, r.calls); diff != "" {
		t.Errorf("upsert calls mismatch (-want +got):\n%s", diff)
	}

	wantLinks := []Link{
		{ExternalID: 103, URL: "/container/103"},
		{ExternalID: 103, URL: "/container/103"},
		{ExternalID: 102, URL: "/container/102"},
		{ExternalID: 101, URL: "/topLevelContainer/101"},
		{ExternalID: 100, URL: "/shipment/100"},
		{ExternalID: 100, URL: "/shipment/100"},
	}
	if diff := cmp.Diff(wantLinks, links); diff != "" {
		t.Errorf("links mismatch (-want +got):\n%s", diff)
	}

	var ids []int64
	for _, n := range Flatten(root) {
		require.NotNil(t, n.ExternalID, n.Name)
		ids = append(ids, *n.ExternalID)
	}
	assert.Equal(t, []int64{100, 101, 102, 103, 104, 7, 105}, ids)
}

func TestWalkAgainPatches(t *testing.T) {
	root := testShipment()
	r := &recorder{next: 100}
	first, err := Walk(context.Background(), root, "cm12345", r)
	require.NoError(t, err)

	again, err := Walk(context.Background(), root, "cm12345", r)
	require.NoError(t, err)
	assert.Equal(t, int64(106), r.next, "no new external ids on the second walk")
	if diff := cmp.Diff(first, again); diff != "" {
		t.Errorf("links mismatch (-first +again):\n%s", diff)
	}
}

func TestWalkAborts(t *testing.T) {
	root := testShipment()
	r := &recorder{next: 100, fail: "Gridbox_1"}

	_, err := Walk(context.Background(), root, "cm12345", r)
	require.EqualError(t, err, "upstream failed")
	assert.Len(t, r.calls, 3)

	nodes := Flatten(root)
	assert.NotNil(t, nodes[0].ExternalID)
	assert.NotNil(t, nodes[2].ExternalID)
	assert.Nil(t, nodes[3].ExternalID, "failed node")
	assert.Nil(t, nodes[4].ExternalID, "never reached")
	assert.Nil(t, nodes[6].ExternalID, "never reached")
}

func TestWalkCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &recorder{}
	_, err := Walk(ctx, testShipment(), "cm12345", r)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, r.calls)
}

func TestWalkUpserterFunc(t *testing.T) {
	var parents []string
	u := UpserterFunc(func(_ context.Context, n *Node, parent string) (Link, error) {
		parents = append(parents, parent)
		return Link{ExternalID: n.ID}, nil
	})
	links, err := Walk(context.Background(), &Node{Kind: KindSample, ID: 3}, "", u)
	require.NoError(t, err)
	assert.Empty(t, links)
	assert.Equal(t, []string{""}, parents)
}

func TestCount(t *testing.T) {
	root := testShipment()
	_, err := Count(root.Children[0], nil)
	assert.ErrorIs(t, err, ErrNotPushed)

	_, err = Walk(context.Background(), root, "cm12345", &recorder{next: 100})
	require.NoError(t, err)

	rename := func(itemType string) string {
		if itemType == "gridBox" {
			return "CRYO_EM_GRID_BOX"
		}
		return itemType
	}
	counts, err := Count(root.Children[0], rename)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"puck": 1, "CRYO_EM_GRID_BOX": 1, "sample": 2}, counts)

	counts, err = Count(root.Children[1], rename)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"dewar": 1}, counts)
}
