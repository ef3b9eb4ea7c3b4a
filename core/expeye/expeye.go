// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package expeye talks to Expeye, the REST facade of the ISPyB facility database

Reads on behalf of a user are sent with the user's token. Writes of shipment items are sent
with the token of the service, since ISPyB cannot verify the ownership of items which are
not yet attached to a session.
*/
package expeye

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/relabs-tech/scaup/core/client"
	"github.com/relabs-tech/scaup/core/logger"
)

// DewarPrefix is the prefix of dewar facility codes created by the service
const DewarPrefix = "DLS-BI-"

// SessionCacheTTL is how long session lookups are cached
const SessionCacheTTL = 10 * time.Minute

// ErrUpstream is the detail of errors caused by unexpected upstream responses
const ErrUpstream = "Received invalid response from upstream service"

// Error is an error with the HTTP status code the service should answer with
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Detail)
}

func failedDependency() *Error {
	return &Error{Status: http.StatusFailedDependency, Detail: ErrUpstream}
}

// Cache stores lookups. registry.Accessor satisfies it.
type Cache interface {
	ReadFresh(ctx context.Context, key string, maxAge time.Duration, value interface{}) (bool, error)
	Write(ctx context.Context, key string, value interface{}) error
}

// Expeye is a client for Expeye
type Expeye struct {
	client client.Client
	token  string
	cache  Cache
}

// New returns an Expeye client for the service at url. token is the service token used for
// writes. cache may be nil.
func New(url, token string, cache Cache) *Expeye {
	return NewWithClient(client.NewWithURL("expeye", url), token, cache)
}

// NewWithClient returns an Expeye client using c
func NewWithClient(c client.Client, token string, cache Cache) *Expeye {
	return &Expeye{client: c, token: token, cache: cache}
}

// URL is the base url of Expeye
func (e *Expeye) URL() string {
	return e.client.URL()
}

// as returns the client acting on behalf of token, or as the service if token is empty
func (e *Expeye) as(ctx context.Context, token string) client.Client {
	if token == "" {
		token = e.token
	}
	return e.client.WithContext(ctx).WithToken(token)
}

// get fetches path and logs unexpected responses. Any status but 200 is answered with a
// failed dependency error.
func (e *Expeye) get(ctx context.Context, token, path string, result interface{}) error {
	status, err := e.as(ctx, token).RawGet(path, result)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("failed getting %s from ISPyB, service returned %d", path, status)
		return failedDependency()
	}
	return nil
}

// Session is a session (visit) as known by ISPyB
type Session struct {
	SessionID int64  `json:"sessionId"`
	Proposal  string `json:"proposal,omitempty"`
	Visit     int    `json:"visitNumber,omitempty"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate,omitempty"`
	Beamline  string `json:"beamLineName,omitempty"`
}

// sessionTimeLayout is the layout of the session dates returned by Expeye
const sessionTimeLayout = "2006-01-02T15:04:05"

// Start returns the start of the session. Dates are in the time zone of the facility.
func (s *Session) Start(loc *time.Location) (time.Time, error) {
	if len(s.StartDate) > len(sessionTimeLayout) {
		return time.ParseInLocation(sessionTimeLayout, s.StartDate[:len(sessionTimeLayout)], loc)
	}
	return time.ParseInLocation(sessionTimeLayout, s.StartDate, loc)
}

// Session returns session visit of proposal. Results are cached for SessionCacheTTL.
func (e *Expeye) Session(ctx context.Context, token, proposal string, visit int) (*Session, error) {
	key := proposal + "-" + strconv.Itoa(visit)
	var session Session
	if e.cache != nil {
		if ok, err := e.cache.ReadFresh(ctx, key, SessionCacheTTL, &session); err == nil && ok {
			return &session, nil
		}
	}
	if err := e.get(ctx, token, fmt.Sprintf("/proposals/%s/sessions/%d", proposal, visit), &session); err != nil {
		return nil, err
	}
	if e.cache != nil {
		if err := e.cache.Write(ctx, key, &session); err != nil {
			logger.FromContext(ctx).WithError(err).Warnln("cannot cache session", key)
		}
	}
	return &session, nil
}

// DewarRegistryEntry is an entry of the dewar registry
type DewarRegistryEntry struct {
	DewarRegistryID int64  `json:"dewarRegistryId"`
	FacilityCode    string `json:"facilityCode"`
}

// DewarRegistry returns the registry entry code of proposal. An unknown code yields
// status 404 and "Invalid facility code provided".
func (e *Expeye) DewarRegistry(ctx context.Context, token, proposal, code string) (*DewarRegistryEntry, error) {
	var entry DewarRegistryEntry
	res, err := e.as(ctx, token).Do(http.MethodGet, fmt.Sprintf("/proposals/%s/dewar-registry/%s", proposal, code), nil)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("cannot reach ISPyB for dewar registry")
		return nil, failedDependency()
	}
	if res.Status != http.StatusOK {
		logger.FromContext(ctx).Infof("dewar registry lookup of %s returned %d: %s", code, res.Status, res.Detail())
		return nil, &Error{Status: http.StatusNotFound, Detail: "Invalid facility code provided"}
	}
	if err := res.Decode(&entry); err != nil {
		return nil, failedDependency()
	}
	return &entry, nil
}

type paged[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

// NextDewarCode returns the next free dewar code of the service, DLS-BI-1000 at the earliest
func (e *Expeye) NextDewarCode(ctx context.Context) (string, error) {
	var entries paged[DewarRegistryEntry]
	if err := e.get(ctx, e.token, "/dewar-registry?search="+DewarPrefix+"1&limit=1", &entries); err != nil {
		return "", err
	}
	next := 1000
	if len(entries.Items) > 0 {
		parts := strings.Split(entries.Items[0].FacilityCode, "-")
		if len(parts) == 3 {
			if last, err := strconv.Atoi(parts[2]); err == nil && last >= 1000 {
				next = last + 1
			}
		}
	}
	return fmt.Sprintf("%s%04d", DewarPrefix, next), nil
}

// RegisterDewar adds code to the dewar registry of proposal
func (e *Expeye) RegisterDewar(ctx context.Context, proposal, code string) error {
	res, err := e.as(ctx, e.token).Do(http.MethodPost, "/proposals/"+proposal+"/dewar-registry",
		map[string]string{"facilityCode": code})
	if err != nil || res.Status != http.StatusCreated {
		entry := logger.FromContext(ctx).WithError(err)
		if res != nil {
			entry = entry.WithField("status", res.Status).WithField("detail", res.Detail())
		}
		entry.Errorln("failed to register dewar", code)
		return failedDependency()
	}
	return nil
}

// Protein is a macromolecule of a proposal
type Protein struct {
	ProteinID int64  `json:"proteinId"`
	Name      string `json:"name"`
	Acronym   string `json:"acronym"`
}

// Protein returns protein id. Proteins the user cannot access yield status 404.
func (e *Expeye) Protein(ctx context.Context, token string, id int64) (*Protein, error) {
	var protein Protein
	status, err := e.as(ctx, token).RawGet("/proteins/"+strconv.FormatInt(id, 10), &protein)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("error from Expeye with code %d while checking macromolecule %d", status, id)
		return nil, &Error{Status: http.StatusNotFound, Detail: "Invalid sample compound/protein provided"}
	}
	return &protein, nil
}

// Shipment is the upstream state of a shipment
type Shipment struct {
	ShippingID     int64  `json:"shippingId"`
	ShippingStatus string `json:"shippingStatus"`
}

// Shipment returns shipment externalID. The error is returned as is, callers decide
// whether it matters.
func (e *Expeye) Shipment(ctx context.Context, token string, externalID int64) (*Shipment, error) {
	var shipment Shipment
	if _, err := e.as(ctx, token).RawGet("/shipments/"+strconv.FormatInt(externalID, 10), &shipment); err != nil {
		return nil, err
	}
	return &shipment, nil
}

// DewarHistoryItem is a tracking event of a dewar
type DewarHistoryItem struct {
	DewarID         int64  `json:"dewarId"`
	DewarStatus     string `json:"dewarStatus"`
	StorageLocation string `json:"storageLocation"`
	ArrivalDate     string `json:"arrivalDate"`
}

// DewarHistory returns the tracking history of dewar externalID
func (e *Expeye) DewarHistory(ctx context.Context, token string, externalID int64) ([]DewarHistoryItem, error) {
	var history paged[DewarHistoryItem]
	if _, err := e.as(ctx, token).RawGet(fmt.Sprintf("/dewars/%d/history", externalID), &history); err != nil {
		return nil, err
	}
	return history.Items, nil
}

// ShipmentSample is a sample as known by ISPyB
type ShipmentSample struct {
	BLSampleID            int64  `json:"blSampleId"`
	DataCollectionGroupID *int64 `json:"dataCollectionGroupId"`
}

// ShipmentSamples returns the first 100 samples of shipment externalID
func (e *Expeye) ShipmentSamples(ctx context.Context, externalID int64) ([]ShipmentSample, error) {
	var samples paged[ShipmentSample]
	if _, err := e.as(ctx, e.token).RawGet(fmt.Sprintf("/shipments/%d/samples?limit=100", externalID), &samples); err != nil {
		return nil, err
	}
	return samples.Items, nil
}

// AssignDataCollectionGroup links data collection group dcgID to sample externalID
func (e *Expeye) AssignDataCollectionGroup(ctx context.Context, dcgID, sampleExternalID int64) error {
	path := fmt.Sprintf("/data-groups/%d", dcgID)
	body := map[string]int64{"sampleId": sampleExternalID}
	res, err := e.as(ctx, e.token).Do(http.MethodPatch, path, body)
	if err == nil && res.Status == http.StatusOK {
		return nil
	}
	if err == nil && res.Status == http.StatusNotFound {
		return &Error{Status: http.StatusNotFound, Detail: fmt.Sprintf("Data collection group %d does not exist", dcgID)}
	}
	entry := logger.FromContext(ctx).WithError(err)
	if res != nil {
		entry = entry.WithField("status", res.Status).WithField("detail", res.Detail())
	}
	entry.Warnf("Expeye rejected request to %s with body %v", path, body)
	return &Error{Status: http.StatusFailedDependency, Detail: "Failed to push changes upstream"}
}

// ProposalData returns the lab data (contacts, proteins) of proposal as sent by Expeye
func (e *Expeye) ProposalData(ctx context.Context, token, proposal string) ([]byte, error) {
	var raw []byte
	if err := e.get(ctx, token, "/proposals/"+proposal+"/data", &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Sessions returns the raw page of sessions the user can view. query carries the
// pagination and minEndDate.
func (e *Expeye) Sessions(ctx context.Context, token string, query url.Values) ([]byte, error) {
	res, err := e.as(ctx, token).Do(http.MethodGet, "/sessions?"+query.Encode(), nil)
	if err != nil {
		return nil, failedDependency()
	}
	if res.Status != http.StatusOK {
		logger.FromContext(ctx).Warnf("failed to fetch sessions from Expeye: %s", res.Detail())
		return nil, &Error{Status: res.Status, Detail: "Failed to fetch proposals"}
	}
	return res.Body, nil
}
