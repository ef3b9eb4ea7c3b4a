/*
Package tree models a shipment as a tree of typed nodes and walks it

A shipment holds top level containers (dewars), which hold containers. Containers nest
and eventually hold samples. Every node may carry the id the upstream facility database
assigned to it. Walk creates or updates every node upstream, parents before children,
and hands the upstream id of each node down to its children as their parent reference.
*/
package tree

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the kind of a node in a shipment tree
type Kind string

// All kinds of nodes
const (
	KindShipment          Kind = "shipment"
	KindTopLevelContainer Kind = "topLevelContainer"
	KindContainer         Kind = "container"
	KindSample            Kind = "sample"
)

// Node is one item of a shipment tree
type Node struct {
	Kind Kind
	// ID is the local id of the item
	ID   int64
	Name string
	// Type is the item type, for example dewar, puck, gridBox or sample
	Type string
	// ExternalID is the id of the item upstream, nil if it was never pushed
	ExternalID *int64
	// TopLevelContainerID is set for containers placed directly in a top level container
	TopLevelContainerID *int64
	// Data is the stored representation of the item
	Data map[string]interface{}
	// Children are the items inside this one. A container with samples lists its
	// samples, otherwise its child containers.
	Children []*Node
}

// Link points to the upstream representation of a node
type Link struct {
	ExternalID int64  `json:"externalId"`
	URL        string `json:"link"`
}

// Upserter creates a node upstream, or patches it if it already has an external id
type Upserter interface {
	Upsert(ctx context.Context, node *Node, parentExternalID string) (Link, error)
}

// UpserterFunc is an adapter to use ordinary functions as Upserter
type UpserterFunc func(ctx context.Context, node *Node, parentExternalID string) (Link, error)

// Upsert implements Upserter
func (f UpserterFunc) Upsert(ctx context.Context, node *Node, parentExternalID string) (Link, error) {
	return f(ctx, node, parentExternalID)
}

// Walk upserts root with rootParentID as parent reference, then all of its descendants
// depth first. Every node gets the external id returned by the upserter, which becomes the
// parent reference of its children.
//
// The result lists the link of a node once for every child, after the child's subtree.
// Nodes without children are upserted but not listed. The first error aborts the walk and
// is returned as is; nodes upserted up to then keep their new external ids.
func Walk(ctx context.Context, root *Node, rootParentID string, upserter Upserter) ([]Link, error) {
	var links []Link
	err := walk(ctx, root, rootParentID, upserter, &links)
	return links, err
}

func walk(ctx context.Context, node *Node, parentID string, upserter Upserter, links *[]Link) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	link, err := upserter.Upsert(ctx, node, parentID)
	if err != nil {
		return err
	}
	externalID := link.ExternalID
	node.ExternalID = &externalID

	if node.Kind == KindSample {
		return nil
	}
	for _, child := range node.Children {
		if err := walk(ctx, child, fmt.Sprint(externalID), upserter, links); err != nil {
			return err
		}
		*links = append(*links, link)
	}
	return nil
}

// Flatten returns root and all of its descendants, depth first
func Flatten(root *Node) []*Node {
	nodes := []*Node{root}
	for _, child := range root.Children {
		nodes = append(nodes, Flatten(child)...)
	}
	return nodes
}

// ErrNotPushed is returned by Count for items without external id
var ErrNotPushed = errors.New("shipment not pushed to ISPyB")

// Count counts the items below a top level container by type, with types renamed by
// rename. Samples are counted, but not looked into. A top level container without
// children counts itself. Every counted item must have an external id.
func Count(root *Node, rename func(itemType string) string) (map[string]int, error) {
	counts := map[string]int{}
	if err := count(root, rename, counts); err != nil {
		return nil, err
	}
	return counts, nil
}

func count(node *Node, rename func(string) string, counts map[string]int) error {
	if node.Kind == KindSample {
		return nil
	}
	if len(node.Children) == 0 {
		if node.Kind == KindTopLevelContainer {
			return add(node, rename, counts)
		}
		return nil
	}
	for _, child := range node.Children {
		if err := add(child, rename, counts); err != nil {
			return err
		}
		if child.Kind != KindSample {
			if err := count(child, rename, counts); err != nil {
				return err
			}
		}
	}
	return nil
}

func add(node *Node, rename func(string) string, counts map[string]int) error {
	if node.ExternalID == nil {
		return ErrNotPushed
	}
	name := node.Type
	if rename != nil {
		name = rename(node.Type)
	}
	counts[name]++
	return nil
}
