package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/scaup/core/schema"
)

const (
	ref1 = `{ "type" : "string" ,
		      "$id" : "http://some_host.com/string.json"}`
	ref2 = `{ "$id" : "http://some_host.com/maxlength.json",
	 		  "maxLength" : 5 }`

	topLevel1 = `
	{ "$id" : "http://some_host.com/top1.json",
	  "allOf" : [
		{ "$ref" : "http://some_host.com/string.json" },
		{ "$ref" : "http://some_host.com/maxlength.json" }
		]
	}`
	topLevel2 = `
	{ "$id" : "http://some_host.com/top2.json",
	  "allOf" : [
 		{ "$ref" : "http://some_host.com/string.json" },
 		{ "type": "string", "minLength": 3 }
	  ]
	}`
)

func TestValidate(t *testing.T) {
	v, err := schema.NewValidator([]string{topLevel1, topLevel2}, []string{ref1, ref2})
	require.NoError(t, err)

	assert.True(t, v.HasSchema("http://some_host.com/top1.json"))
	assert.False(t, v.HasSchema("http://some_host.com/top3.json"))

	assert.NoError(t, v.Validate([]byte(`"short"`), "http://some_host.com/top1.json"))
	err = v.Validate([]byte(`"a very long string"`), "http://some_host.com/top1.json")
	var verr *schema.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.NotEmpty(t, verr.Details)

	assert.NoError(t, v.Validate([]byte(`"a very long string"`), "http://some_host.com/top2.json"))
	assert.Error(t, v.Validate([]byte(`"ab"`), "http://some_host.com/top2.json"))
	assert.Error(t, v.Validate([]byte(`"short"`), "http://some_host.com/top3.json"))
}

func TestNewValidatorWithoutID(t *testing.T) {
	_, err := schema.NewValidator([]string{`{"type": "string"}`}, nil)
	assert.Error(t, err)
}

func TestRequests(t *testing.T) {
	v := schema.Requests()

	for _, id := range []string{
		schema.ShipmentIn, schema.TopLevelContainerIn, schema.TopLevelContainerPatch,
		schema.ContainerIn, schema.ContainerPatch, schema.SampleIn, schema.SamplePatch,
		schema.PreSessionIn, schema.StatusUpdate, schema.SublocationAssignments, schema.PreloadedDewar,
	} {
		assert.True(t, v.HasSchema(id), id)
	}

	tests := []struct {
		name   string
		schema string
		body   string
		valid  bool
	}{
		{"shipment", schema.ShipmentIn, `{"name": "Shipment_1"}`, true},
		{"shipment without name", schema.ShipmentIn, `{"comments": "x"}`, false},
		{"shipment with empty name", schema.ShipmentIn, `{"name": ""}`, false},
		{"container", schema.ContainerIn, `{"type": "puck", "name": "Puck_1"}`, true},
		{"registered container", schema.ContainerIn, `{"type": "puck", "registeredContainer": "DLS-0001"}`, true},
		{"container without name", schema.ContainerIn, `{"type": "puck"}`, false},
		{"container with empty registration", schema.ContainerIn, `{"type": "puck", "registeredContainer": ""}`, false},
		{"container with two parents", schema.ContainerIn, `{"type": "puck", "name": "a", "parentId": 1, "topLevelContainerId": 2}`, false},
		{"container with null parent", schema.ContainerIn, `{"type": "puck", "name": "a", "parentId": null, "topLevelContainerId": 2}`, true},
		{"container patch with two parents", schema.ContainerPatch, `{"parentId": 1, "topLevelContainerId": 2}`, false},
		{"sample", schema.SampleIn, `{"proteinId": 4407, "name": "Sample_1", "copies": 3}`, true},
		{"sample without protein", schema.SampleIn, `{"name": "Sample_1"}`, false},
		{"sample with invalid name", schema.SampleIn, `{"proteinId": 1, "name": "Sample 1"}`, false},
		{"sample with zero copies", schema.SampleIn, `{"proteinId": 1, "copies": 0}`, false},
		{"top level container", schema.TopLevelContainerIn, `{"type": "dewar", "code": "DLS-BI-1000"}`, true},
		{"status", schema.StatusUpdate, `{"status": "Booked"}`, true},
		{"assignments", schema.SublocationAssignments, `[{"subLocation": 1, "dataCollectionGroupId": 5}]`, true},
		{"assignments without group", schema.SublocationAssignments, `[{"subLocation": 1}]`, false},
		{"preloaded dewar", schema.PreloadedDewar, `{"name": "DLS-EM-0001"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate([]byte(tt.body), tt.schema)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	var body struct {
		Name string `json:"name"`
	}
	v := schema.Requests()
	require.NoError(t, v.Decode([]byte(`{"name": "Shipment_1"}`), schema.ShipmentIn, &body))
	assert.Equal(t, "Shipment_1", body.Name)
	assert.Error(t, v.Decode([]byte(`{"name": 5}`), schema.ShipmentIn, &body))
}
