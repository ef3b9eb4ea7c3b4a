package expeye

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/scaup/core/client"
	"github.com/relabs-tech/scaup/core/tree"
)

type request struct {
	Method string
	Path   string
	Token  string
	Body   map[string]interface{}
}

// fakeExpeye answers like Expeye and records every request
type fakeExpeye struct {
	mu       sync.Mutex
	requests []request
	nextID   int64
	failPath string
}

var upstreamKeys = map[string]string{
	"shipments":  "shippingId",
	"dewars":     "dewarId",
	"containers": "containerId",
	"samples":    "blSampleId",
}

func (f *fakeExpeye) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req := request{Method: r.Method, Path: r.URL.Path, Token: r.Header.Get("Authorization")}
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		json.Unmarshal(data, &req.Body)
	}
	f.requests = append(f.requests, req)

	if r.URL.Path == f.failPath {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"detail":"database on fire"}`))
		return
	}
	write := func(status int, body interface{}) {
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}
	switch {
	case r.URL.Path == "/proposals/cm12345/sessions/1":
		write(http.StatusOK, map[string]interface{}{"sessionId": 27464088, "startDate": "2030-01-01T09:00:00"})
	case r.URL.Path == "/proposals/cm12345/dewar-registry/DLS-BI-1001":
		write(http.StatusOK, map[string]interface{}{"dewarRegistryId": 77, "facilityCode": "DLS-BI-1001"})
	case r.URL.Path == "/dewar-registry":
		write(http.StatusOK, map[string]interface{}{"items": []map[string]interface{}{{"facilityCode": "DLS-BI-1041"}}})
	case r.URL.Path == "/proposals/cm12345/dewar-registry" && r.Method == http.MethodPost:
		write(http.StatusCreated, map[string]interface{}{"dewarRegistryId": 78})
	case r.URL.Path == "/proteins/4407":
		write(http.StatusOK, map[string]interface{}{"proteinId": 4407, "name": "Protein_01"})
	case r.URL.Path == "/data-groups/5":
		write(http.StatusOK, map[string]interface{}{})
	case strings.HasPrefix(r.URL.Path, "/data-groups/"):
		write(http.StatusNotFound, map[string]interface{}{"detail": "No such data collection group"})
	case r.Method == http.MethodPost:
		f.nextID++
		segments := splitPath(r.URL.Path)
		write(http.StatusCreated, map[string]interface{}{upstreamKeys[segments[len(segments)-1]]: f.nextID})
	case r.Method == http.MethodPatch:
		segments := splitPath(r.URL.Path)
		id, _ := strconv.ParseInt(segments[1], 10, 64)
		write(http.StatusOK, map[string]interface{}{upstreamKeys[segments[0]]: id})
	default:
		write(http.StatusNotFound, map[string]interface{}{"detail": "not found"})
	}
}

func splitPath(p string) []string {
	return strings.Split(strings.Trim(p, "/"), "/")
}

// memoryCache is a Cache in memory
type memoryCache struct {
	mu     sync.Mutex
	values map[string][]byte
}

func (c *memoryCache) ReadFresh(_ context.Context, key string, _ time.Duration, value interface{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.values[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, value)
}

func (c *memoryCache) Write(_ context.Context, key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := json.Marshal(value)
	c.values[key] = data
	return err
}

func newTestExpeye(t *testing.T) (*Expeye, *fakeExpeye) {
	fake := &fakeExpeye{nextID: 100}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return NewWithClient(client.NewWithURL("expeye", srv.URL).WithRetry(0), "service-token", &memoryCache{values: map[string][]byte{}}), fake
}

func TestPascalToTitle(t *testing.T) {
	assert.Equal(t, "GridBox", PascalToTitle("gridBox", ""))
	assert.Equal(t, "Grid Box", PascalToTitle("gridBox", " "))
	assert.Equal(t, "Puck", PascalToTitle("puck", ""))
	assert.Equal(t, "FalconTube", PascalToTitle("falconTube", ""))
	assert.Equal(t, "", PascalToTitle("", ""))
}

func TestSessionIsCached(t *testing.T) {
	e, fake := newTestExpeye(t)
	ctx := context.Background()
	session, err := e.Session(ctx, "user-token", "cm12345", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(27464088), session.SessionID)
	start, err := session.Start(time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 2030, start.Year())

	_, err = e.Session(ctx, "user-token", "cm12345", 1)
	require.NoError(t, err)
	assert.Len(t, fake.requests, 1)
	assert.Equal(t, "Bearer user-token", fake.requests[0].Token)

	_, err = e.Session(ctx, "user-token", "cm12345", 2)
	var eerr *Error
	require.ErrorAs(t, err, &eerr)
	assert.Equal(t, http.StatusFailedDependency, eerr.Status)
}

func TestUpsertTree(t *testing.T) {
	e, fake := newTestExpeye(t)
	sessionID := int64(27464088)
	root := Root{Proposal: "cm12345", Visit: 1, SessionID: &sessionID}
	dewarID := int64(1)

	shipment := &tree.Node{Kind: tree.KindShipment, ID: 1, Name: "Shipment_1", Data: map[string]interface{}{}, Children: []*tree.Node{
		{Kind: tree.KindTopLevelContainer, ID: 1, Name: "Dewar_1", Type: "dewar", Data: map[string]interface{}{"code": "DLS-BI-1001", "comments": "fragile"}, Children: []*tree.Node{
			{Kind: tree.KindContainer, ID: 1, Name: "Puck_1", Type: "puck", TopLevelContainerID: &dewarID, Data: map[string]interface{}{"capacity": float64(12)}, Children: []*tree.Node{
				{Kind: tree.KindContainer, ID: 2, Name: "Gridbox_1", Type: "gridBox", Data: map[string]interface{}{"requestedReturn": true}, Children: []*tree.Node{
					{Kind: tree.KindSample, ID: 1, Name: "Sample_1", Data: map[string]interface{}{"location": float64(1)}},
				}},
			}},
		}},
	}}

	links, err := tree.Walk(context.Background(), shipment, "cm12345", e.Upserter("user-token", root))
	require.NoError(t, err)
	require.Len(t, links, 4)
	assert.Equal(t, int64(101), links[3].ExternalID)
	assert.Equal(t, e.URL()+"/shipments/101", links[3].URL)

	var writes []request
	for _, r := range fake.requests {
		if r.Method != http.MethodGet {
			writes = append(writes, r)
		}
	}
	require.Len(t, writes, 5)
	assert.Equal(t, "/proposals/cm12345/shipments", writes[0].Path)
	assert.Equal(t, "Bearer service-token", writes[0].Token)
	assert.Equal(t, "Shipment_1", writes[0].Body["shippingName"])
	assert.Equal(t, "eBIC-SH", writes[0].Body["source"])

	assert.Equal(t, "/shipments/101/dewars", writes[1].Path)
	assert.Equal(t, "DLS-BI-1001", writes[1].Body["facilityCode"])
	assert.Equal(t, float64(77), writes[1].Body["dewarRegistryId"])
	assert.Equal(t, float64(27464088), writes[1].Body["firstExperimentId"])
	assert.Equal(t, `{"comments":"fragile"}`, writes[1].Body["comments"])
	assert.Equal(t, float64(18), writes[1].Body["weight"])

	assert.Equal(t, "/dewars/102/containers", writes[2].Path)
	assert.Equal(t, "Puck", writes[2].Body["containerType"])
	assert.Nil(t, writes[2].Body["parentContainerId"])
	assert.Equal(t, float64(27464088), writes[2].Body["sessionId"])

	assert.Equal(t, "/containers/103/containers", writes[3].Path)
	assert.Equal(t, "GridBox", writes[3].Body["containerType"])
	assert.Equal(t, float64(103), writes[3].Body["parentContainerId"])
	assert.Equal(t, true, writes[3].Body["requestedReturn"])

	assert.Equal(t, "/containers/104/samples", writes[4].Path)
	assert.Equal(t, "Sample_1", writes[4].Body["name"])
	assert.Equal(t, float64(1), writes[4].Body["location"])

	// a second push patches every node and skips the session lookup of the dewar
	fake.requests = nil
	_, err = tree.Walk(context.Background(), shipment, "cm12345", e.Upserter("user-token", root))
	require.NoError(t, err)
	var patched []string
	for _, r := range fake.requests {
		switch r.Method {
		case http.MethodPatch:
			patched = append(patched, r.Path)
		case http.MethodPost:
			t.Errorf("unexpected POST %s", r.Path)
		}
	}
	assert.Equal(t, []string{"/shipments/101", "/dewars/102", "/containers/103", "/containers/104", "/samples/105"}, patched)
}

func TestUpsertFailure(t *testing.T) {
	e, fake := newTestExpeye(t)
	fake.failPath = "/samples"

	_, err := e.Upsert(context.Background(), "user-token", &tree.Node{Kind: tree.KindSample, Name: "Sample_1"}, "", Root{})
	var eerr *Error
	require.ErrorAs(t, err, &eerr)
	assert.Equal(t, http.StatusFailedDependency, eerr.Status)
	assert.Equal(t, ErrUpstream, eerr.Detail)
}

func TestDewarCodes(t *testing.T) {
	e, fake := newTestExpeye(t)
	ctx := context.Background()

	code, err := e.NextDewarCode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "DLS-BI-1042", code)
	require.NoError(t, e.RegisterDewar(ctx, "cm12345", code))
	assert.Equal(t, "DLS-BI-1042", fake.requests[1].Body["facilityCode"])

	_, err = e.DewarRegistry(ctx, "user-token", "cm12345", "DLS-BI-1001")
	require.NoError(t, err)
	_, err = e.DewarRegistry(ctx, "user-token", "cm12345", "DLS-BI-0000")
	var eerr *Error
	require.ErrorAs(t, err, &eerr)
	assert.Equal(t, http.StatusNotFound, eerr.Status)
	assert.Equal(t, "Invalid facility code provided", eerr.Detail)
}

func TestProteinAndDataCollectionGroups(t *testing.T) {
	e, _ := newTestExpeye(t)
	ctx := context.Background()

	protein, err := e.Protein(ctx, "user-token", 4407)
	require.NoError(t, err)
	assert.Equal(t, "Protein_01", protein.Name)

	_, err = e.Protein(ctx, "user-token", 1)
	var eerr *Error
	require.ErrorAs(t, err, &eerr)
	assert.Equal(t, http.StatusNotFound, eerr.Status)

	assert.NoError(t, e.AssignDataCollectionGroup(ctx, 5, 105))
	err = e.AssignDataCollectionGroup(ctx, 6, 105)
	require.ErrorAs(t, err, &eerr)
	assert.Equal(t, "Data collection group 6 does not exist", eerr.Detail)
}

func TestSessions(t *testing.T) {
	e, _ := newTestExpeye(t)
	_, err := e.Sessions(context.Background(), "user-token", url.Values{"limit": {"10"}})
	var eerr *Error
	require.ErrorAs(t, err, &eerr)
	assert.Equal(t, http.StatusNotFound, eerr.Status)
}
