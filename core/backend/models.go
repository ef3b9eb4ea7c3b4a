package backend

import (
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/scaup/core/expeye"
)

// Shipment is a shipment of a session
type Shipment struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	ProposalCode     string    `json:"proposalCode"`
	ProposalNumber   int       `json:"proposalNumber"`
	VisitNumber      int       `json:"visitNumber"`
	ExternalID       *int64    `json:"externalId"`
	Comments         *string   `json:"comments"`
	ShipmentRequest  *int64    `json:"shipmentRequest"`
	Status           *string   `json:"status"`
	CreationDate     time.Time `json:"creationDate"`
	LastStatusUpdate time.Time `json:"lastStatusUpdate"`
}

// Proposal returns the proposal reference, for example cm12345
func (s *Shipment) Proposal() string {
	return s.ProposalCode + strconv.Itoa(s.ProposalNumber)
}

// Session returns the session reference, for example cm12345-1
func (s *Shipment) Session() string {
	return s.Proposal() + "-" + strconv.Itoa(s.VisitNumber)
}

// TopLevelContainer is a dewar, parcel or toolbox
type TopLevelContainer struct {
	ID           int64                     `json:"id"`
	ShipmentID   *int64                    `json:"shipmentId"`
	Name         string                    `json:"name"`
	ExternalID   *int64                    `json:"externalId"`
	Comments     *string                   `json:"comments"`
	Details      json.RawMessage           `json:"details"`
	Code         string                    `json:"code"`
	BarCode      *string                   `json:"barCode"`
	Type         string                    `json:"type"`
	IsInternal   bool                      `json:"isInternal"`
	CreationDate time.Time                 `json:"creationDate"`
	History      []expeye.DewarHistoryItem `json:"history,omitempty"`
}

// Container is a puck, grid box, cassette or any other container
type Container struct {
	ID                  int64           `json:"id"`
	ShipmentID          *int64          `json:"shipmentId"`
	TopLevelContainerID *int64          `json:"topLevelContainerId"`
	ParentID            *int64          `json:"parentId"`
	Name                string          `json:"name"`
	ExternalID          *int64          `json:"externalId"`
	Comments            *string         `json:"comments"`
	Type                string          `json:"type"`
	SubType             *string         `json:"subType"`
	Capacity            *int64          `json:"capacity"`
	Location            *int64          `json:"location"`
	Details             json.RawMessage `json:"details"`
	RequestedReturn     bool            `json:"requestedReturn"`
	IsInternal          bool            `json:"isInternal"`
	IsCurrent           bool            `json:"isCurrent"`
	RegisteredContainer *string         `json:"registeredContainer"`
	CreationDate        time.Time       `json:"creationDate"`
	// InternalStorageContainer is the top level container an internal container is stored in
	InternalStorageContainer *int64 `json:"internalStorageContainer,omitempty"`
}

// Sample is a sample, usually a grid
type Sample struct {
	ID           int64           `json:"id"`
	ShipmentID   int64           `json:"shipmentId"`
	ProteinID    int64           `json:"proteinId"`
	Name         string          `json:"name"`
	ExternalID   *int64          `json:"externalId"`
	Comments     *string         `json:"comments"`
	Type         string          `json:"type"`
	Location     *int64          `json:"location"`
	SubLocation  *int64          `json:"subLocation"`
	Details      json.RawMessage `json:"details"`
	ContainerID  *int64          `json:"containerId"`
	CreationDate time.Time       `json:"creationDate"`

	ContainerName         *string `json:"containerName,omitempty"`
	ParentShipmentName    *string `json:"parentShipmentName,omitempty"`
	DataCollectionGroupID *int64  `json:"dataCollectionGroupId,omitempty"`
	// Parents are the samples this sample was derived from
	Parents []int64 `json:"parents,omitempty"`
}

// PreSession holds the details users provide before their session
type PreSession struct {
	ShipmentID int64           `json:"shipmentId"`
	Details    json.RawMessage `json:"details"`
	IsLocked   bool            `json:"isLocked"`
}

// Item is the generic representation of a node in a shipment tree
type Item struct {
	ID       int64                  `json:"id"`
	Name     string                 `json:"name"`
	Data     map[string]interface{} `json:"data"`
	Children []Item                 `json:"children"`
}

// UnassignedItems lists the items of a shipment which are not in a top level container
type UnassignedItems struct {
	Samples    []Item `json:"samples"`
	GridBoxes  []Item `json:"gridBoxes"`
	Containers []Item `json:"containers"`
}

// Empty returns true if nothing is unassigned
func (u *UnassignedItems) Empty() bool {
	return len(u.Samples) == 0 && len(u.GridBoxes) == 0 && len(u.Containers) == 0
}

// Paged is a page of a list
type Paged[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// toData returns the JSON object representation of v
func toData(v interface{}) map[string]interface{} {
	data := map[string]interface{}{}
	raw, err := json.Marshal(v)
	if err != nil {
		return data
	}
	json.Unmarshal(raw, &data)
	return data
}
