package expeye

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/scaup/core/logger"
	"github.com/relabs-tech/scaup/core/metrics"
	"github.com/relabs-tech/scaup/core/tree"
)

// source tags every item the service writes to ISPyB
const source = "eBIC-SH"

// dewarWeight is the default weight of a dewar in kg
const dewarWeight = 18

// Root is the session a shipment tree belongs to
type Root struct {
	// Proposal is the proposal reference, for example cm12345
	Proposal string
	Visit    int
	// SessionID is the upstream session id, set when pushing a whole shipment
	SessionID *int64
}

type shipmentBody struct {
	ShippingName string  `json:"shippingName"`
	Comments     *string `json:"comments"`
	Source       string  `json:"source"`
}

type topLevelContainerBody struct {
	Code              string  `json:"code"`
	BarCode           *string `json:"barCode"`
	FacilityCode      string  `json:"facilityCode"`
	Weight            float64 `json:"weight"`
	Comments          string  `json:"comments"`
	DewarRegistryID   *int64  `json:"dewarRegistryId"`
	FirstExperimentID *int64  `json:"firstExperimentId,omitempty"`
	Source            string  `json:"source"`
}

type containerBody struct {
	Capacity          *int64  `json:"capacity"`
	ParentContainerID *int64  `json:"parentContainerId"`
	RequestedReturn   bool    `json:"requestedReturn"`
	Code              *string `json:"code"`
	ContainerType     string  `json:"containerType"`
	SessionID         *int64  `json:"sessionId"`
	Comments          *string `json:"comments"`
	Source            string  `json:"source"`
}

type sampleBody struct {
	Name        string  `json:"name"`
	Location    *int64  `json:"location"`
	SubLocation *int64  `json:"subLocation"`
	Comments    *string `json:"comments"`
	Source      string  `json:"source"`
}

// target is where a node lives upstream
type target struct {
	url    string
	prefix string
	key    string
	body   interface{}
}

// PascalToTitle capitalises the words of a pascal cased string and joins them with sep
func PascalToTitle(s, sep string) string {
	var words []string
	var word []rune
	flush := func() {
		if len(word) > 0 {
			w := strings.ToLower(string(word))
			r := []rune(w)
			r[0] = unicode.ToUpper(r[0])
			words = append(words, string(r))
		} else {
			words = append(words, "")
		}
		word = word[:0]
	}
	for _, c := range s {
		if unicode.IsUpper(c) {
			flush()
		}
		word = append(word, c)
	}
	flush()
	if len(words) > 0 && words[0] == "" {
		words = words[1:]
	}
	return strings.Join(words, sep)
}

func stringField(data map[string]interface{}, key string) *string {
	if s, ok := data[key].(string); ok {
		return &s
	}
	return nil
}

func intField(data map[string]interface{}, key string) *int64 {
	switch v := data[key].(type) {
	case float64:
		i := int64(v)
		return &i
	case int64:
		return &v
	case int:
		i := int64(v)
		return &i
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return &i
		}
	}
	return nil
}

func boolField(data map[string]interface{}, key string) bool {
	b, _ := data[key].(bool)
	return b
}

func parentID(parent string) *int64 {
	if parent == "" {
		return nil
	}
	id, err := strconv.ParseInt(parent, 10, 64)
	if err != nil {
		return nil
	}
	return &id
}

// target returns location and body of node. parent is the external id of the node's
// parent, or the proposal reference for shipments.
func (e *Expeye) target(ctx context.Context, token string, node *tree.Node, parent string, root Root) (*target, error) {
	data := node.Data
	comments := stringField(data, "comments")
	switch node.Kind {
	case tree.KindShipment:
		return &target{
			url:    "/proposals/" + parent + "/shipments",
			prefix: "/shipments/",
			key:    "shippingId",
			body:   shipmentBody{ShippingName: node.Name, Comments: comments, Source: source},
		}, nil

	case tree.KindTopLevelContainer:
		code := ""
		if c := stringField(data, "code"); c != nil {
			code = *c
		}
		encoded := []byte("{}")
		if comments != nil && *comments != "" {
			encoded, _ = json.Marshal(map[string]string{"comments": *comments})
		}
		body := topLevelContainerBody{
			Code:         code,
			BarCode:      stringField(data, "barCode"),
			FacilityCode: code,
			Weight:       dewarWeight,
			Comments:     string(encoded),
			Source:       source,
		}
		// ISPyB assigns dewars to sessions through firstExperimentId
		if node.ExternalID == nil {
			session, err := e.Session(ctx, token, root.Proposal, root.Visit)
			if err != nil {
				return nil, err
			}
			body.FirstExperimentID = &session.SessionID
		}
		// the facility code may change after a push, the registry id follows it
		entry, err := e.DewarRegistry(ctx, token, root.Proposal, code)
		if err != nil {
			if ee, ok := err.(*Error); ok && ee.Status == http.StatusNotFound {
				return nil, failedDependency()
			}
			return nil, err
		}
		body.DewarRegistryID = &entry.DewarRegistryID
		return &target{
			url:    "/shipments/" + parent + "/dewars",
			prefix: "/dewars/",
			key:    "dewarId",
			body:   body,
		}, nil

	case tree.KindContainer:
		t := &target{
			prefix: "/containers/",
			key:    "containerId",
		}
		body := containerBody{
			Capacity:        intField(data, "capacity"),
			RequestedReturn: boolField(data, "requestedReturn"),
			Code:            stringField(data, "registeredContainer"),
			ContainerType:   PascalToTitle(node.Type, ""),
			SessionID:       root.SessionID,
			Comments:        comments,
			Source:          source,
		}
		if node.TopLevelContainerID != nil {
			t.url = "/dewars/" + parent + "/containers"
		} else {
			t.url = "/containers/" + parent + "/containers"
			body.ParentContainerID = parentID(parent)
		}
		t.body = body
		return t, nil

	case tree.KindSample:
		t := &target{
			url:    "/samples",
			prefix: "/samples/",
			key:    "blSampleId",
			body: sampleBody{
				Name:        node.Name,
				Location:    intField(data, "location"),
				SubLocation: intField(data, "subLocation"),
				Comments:    comments,
				Source:      source,
			},
		}
		if parent != "" {
			t.url = "/containers/" + parent + "/samples"
		}
		return t, nil
	}
	return nil, fmt.Errorf("unknown node kind %s", node.Kind)
}

// Upsert creates node in ISPyB, or patches it if it has an external id. token is the
// user's token, used to look up the session and the dewar registry. The write itself
// uses the service token.
func (e *Expeye) Upsert(ctx context.Context, token string, node *tree.Node, parent string, root Root) (tree.Link, error) {
	t, err := e.target(ctx, token, node, parent, root)
	if err != nil {
		return tree.Link{}, err
	}
	method, path := http.MethodPost, t.url
	if node.ExternalID != nil {
		method, path = http.MethodPatch, t.prefix+strconv.FormatInt(*node.ExternalID, 10)
	}

	res, err := e.as(ctx, e.token).Do(method, path, t.body)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("failed pushing to ISPyB at URL %s", path)
		return tree.Link{}, failedDependency()
	}
	if res.Status != http.StatusOK && res.Status != http.StatusCreated {
		logger.FromContext(ctx).Errorf("failed pushing to ISPyB at URL %s, service returned %d: %s", path, res.Status, res.Detail())
		return tree.Link{}, failedDependency()
	}
	var created map[string]interface{}
	if err := res.Decode(&created); err != nil {
		return tree.Link{}, failedDependency()
	}
	externalID := intField(created, t.key)
	if externalID == nil {
		logger.FromContext(ctx).Errorf("ISPyB response to %s %s has no %s", method, path, t.key)
		return tree.Link{}, failedDependency()
	}
	metrics.PushedNodes.WithLabelValues(string(node.Kind), method).Inc()
	return tree.Link{
		ExternalID: *externalID,
		URL:        e.URL() + t.prefix + strconv.FormatInt(*externalID, 10),
	}, nil
}

// Upserter returns an Upserter for the shipment tree of root on behalf of token
func (e *Expeye) Upserter(token string, root Root) tree.Upserter {
	return tree.UpserterFunc(func(ctx context.Context, node *tree.Node, parent string) (tree.Link, error) {
		return e.Upsert(ctx, token, node, parent, root)
	})
}

// Patch sends the current representation of an item which is already known to ISPyB,
// with the user's token. parent is the external id of the item's parent container, if
// any. Failures are logged, the local state stays authoritative.
func (e *Expeye) Patch(ctx context.Context, token string, node *tree.Node, parent string, root Root) error {
	if node.ExternalID == nil {
		return nil
	}
	t, err := e.target(ctx, token, node, parent, root)
	if err != nil {
		return err
	}
	path := t.prefix + strconv.FormatInt(*node.ExternalID, 10)
	if _, err := e.as(ctx, token).RawPatch(path, t.body, nil); err != nil {
		logger.FromContext(ctx).WithError(err).Warnf("cannot update %s in ISPyB", path)
		return err
	}
	return nil
}
