// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"testing"
)

// TestVersion verifies that the /version endpoint works without token
func TestVersion(t *testing.T) {
	var version struct {
		Version string `json:"version"`
	}
	_, err := testService.anonymous.RawGet("/version", &version)
	if err != nil {
		t.Fatal(err)
	}
	if version.Version != "unset" {
		t.Fatalf("Expecting 'unset' version by default, got %s", version.Version)
	}

	Version = "another version"
	defer func() { Version = "unset" }()

	_, err = testService.anonymous.RawGet("/version", &version)
	if err != nil {
		t.Fatal(err)
	}
	if version.Version != "another version" {
		t.Fatalf("Expecting 'another version', got %s", version.Version)
	}
}
