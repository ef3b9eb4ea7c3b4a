/*
Package shipping builds and submits shipment requests to the shipping service

A shipment request lists one package per top level container of a shipment, with line
items counting what is inside. Known item types are sent as shippable item types of the
shipping service, unknown ones as free text descriptions.
*/
package shipping

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/relabs-tech/scaup/core/client"
	"github.com/relabs-tech/scaup/core/logger"
	"github.com/relabs-tech/scaup/core/tree"
)

// TypeToShipping maps item types to shippable item types of the shipping service
var TypeToShipping = map[string]string{
	"sample":     "CRYO_EM_GRID",
	"grid":       "CRYO_EM_GRID",
	"gridBox":    "CRYO_EM_GRID_BOX",
	"puck":       "UNI_PUCK",
	"dewar":      "CRYOGENIC_DRY_SHIPPER_CASE",
	"falconTube": "FALCON_TUBE_50ML",
}

var shippable = func() map[string]bool {
	m := map[string]bool{}
	for _, v := range TypeToShipping {
		m[v] = true
	}
	return m
}()

// ErrNoPackages is returned when a shipment holds nothing to be shipped
var ErrNoPackages = errors.New("no items to be shipped")

// ErrUpstream is returned when the shipping service rejects a request
var ErrUpstream = errors.New("failed to create shipment request in upstream shipping service")

// LineItem is an entry in a package
type LineItem struct {
	ShippableItemType string   `json:"shippable_item_type,omitempty"`
	Description       string   `json:"description,omitempty"`
	GrossWeight       *float64 `json:"gross_weight,omitempty"`
	NetWeight         *float64 `json:"net_weight,omitempty"`
	Quantity          int      `json:"quantity"`
}

// Package is a top level container as seen by the shipping service
type Package struct {
	ShippableItemType string     `json:"shippable_item_type,omitempty"`
	Description       string     `json:"description,omitempty"`
	ExternalID        *int64     `json:"external_id"`
	Length            *float64   `json:"length,omitempty"`
	Width             *float64   `json:"width,omitempty"`
	Height            *float64   `json:"height,omitempty"`
	GrossWeight       *float64   `json:"gross_weight,omitempty"`
	NetWeight         *float64   `json:"net_weight,omitempty"`
	LineItems         []LineItem `json:"line_items"`
}

// Request is a shipment request
type Request struct {
	Proposal            string    `json:"proposal"`
	ExternalID          *int64    `json:"external_id"`
	OriginURL           string    `json:"origin_url"`
	Packages            []Package `json:"packages"`
	DispatchCallbackURL string    `json:"dispatch_callback_url"`
}

func rename(itemType string) string {
	if name, ok := TypeToShipping[itemType]; ok {
		return name
	}
	return itemType
}

func float(f float64) *float64 {
	return &f
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Packages returns the packages of a shipment with topLevelContainers. Every item must
// have been pushed to ISPyB, otherwise tree.ErrNotPushed is returned. Walk-in containers
// are not shipped.
func Packages(topLevelContainers []*tree.Node) ([]Package, error) {
	var packages []Package
	for _, tlc := range topLevelContainers {
		counts, err := tree.Count(tlc, rename)
		if err != nil {
			return nil, err
		}
		lineItems := []LineItem{}
		for _, item := range sortedKeys(counts) {
			if shippable[item] {
				lineItems = append(lineItems, LineItem{ShippableItemType: item, Quantity: counts[item]})
			} else {
				lineItems = append(lineItems, LineItem{
					Description: item,
					GrossWeight: float(0),
					NetWeight:   float(0),
					Quantity:    counts[item],
				})
			}
		}
		// dewar cases do not include the dewar
		if tlc.Type == "dewar" {
			lineItems = append(lineItems, LineItem{ShippableItemType: "CRYOGENIC_DRY_SHIPPER", Quantity: 1})
		}

		if name, ok := TypeToShipping[tlc.Type]; ok {
			packages = append(packages, Package{
				ShippableItemType: name,
				ExternalID:        tlc.ExternalID,
				LineItems:         lineItems,
			})
		} else if tlc.Type != "walk-in" {
			// TODO: send the real dimensions once top level containers record them
			packages = append(packages, Package{
				Description: tlc.Type,
				ExternalID:  tlc.ExternalID,
				Length:      float(2),
				Width:       float(2),
				Height:      float(2),
				GrossWeight: float(2),
				NetWeight:   float(2),
				LineItems:   lineItems,
			})
		}
	}
	if len(packages) == 0 {
		return nil, ErrNoPackages
	}
	return packages, nil
}

// Client talks to the shipping service
type Client struct {
	client client.Client
}

// New returns a client for the shipping service at backendURL
func New(backendURL string) *Client {
	return &Client{client: client.NewWithURL("shipping", backendURL)}
}

// NewWithClient returns a client using c
func NewWithClient(c client.Client) *Client {
	return &Client{client: c}
}

// CreateRequest submits request on behalf of token and returns the id of the new
// shipment request
func (c *Client) CreateRequest(ctx context.Context, token string, request *Request) (int64, error) {
	var created struct {
		ShipmentRequestID int64 `json:"shipmentRequestId"`
	}
	res, err := c.client.WithContext(ctx).WithToken(token).Do(http.MethodPost, "/api/shipment_requests/", request)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("cannot reach shipping service")
		return 0, ErrUpstream
	}
	if res.Status != http.StatusCreated {
		logger.FromContext(ctx).Errorf("Error while pushing shipment to shipping service: %d %s", res.Status, res.Detail())
		return 0, ErrUpstream
	}
	if err := res.Decode(&created); err != nil {
		return 0, ErrUpstream
	}
	return created.ShipmentRequestID, nil
}
