// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/scaup/core/logger"
)

// TableStatistics represents information about a table
type TableStatistics struct {
	Table        string  `json:"table"`
	Count        int64   `json:"count"`
	SizeMB       float64 `json:"sizeMb"`
	AverageSizeB float64 `json:"averageSizeB"`
}

// statisticsTables are reported in this order
var statisticsTables = []string{"shipment", "top_level_container", "container", "sample", "sample_parent_child", "pre_session"}

func (b *Backend) handleStatistics(router *mux.Router) {
	logger.Default().Debugln("statistics")
	logger.Default().Debugln("  handle statistics route: /statistics GET")
	router.HandleFunc("/statistics", func(w http.ResponseWriter, r *http.Request) {
		calledRoute(r)
		if err := requireStaff(r.Context()); err != nil {
			writeError(w, r, err, "4770")
			return
		}
		b.statistics(w, r)
	}).Methods(http.MethodOptions, http.MethodGet)
}

// Statistics returns row count and disk usage of the tables of the service
func (b *Backend) Statistics() ([]TableStatistics, error) {
	stats := []TableStatistics{}
	for _, table := range statisticsTables {
		row := b.db.QueryRow(fmt.Sprintf(`SELECT pg_total_relation_size('%s'), count(*) FROM %s`, b.db.Table(table), b.db.Table(table)))
		var size, count int64
		if err := row.Scan(&size, &count); err != nil {
			return nil, fmt.Errorf("statistics of %s: %w", table, err)
		}
		var averageSize float64
		if count != 0 {
			averageSize = float64(size / count)
		}
		stats = append(stats, TableStatistics{
			Table:        table,
			Count:        count,
			SizeMB:       float64(size) / 1024. / 1024.,
			AverageSizeB: averageSize,
		})
	}
	return stats, nil
}

func (b *Backend) statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := b.Statistics()
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 4771: Scan")
		http.Error(w, "Error 4771", http.StatusInternalServerError)
		return
	}
	jsonData, _ := json.Marshal(stats)
	etag := bytesToEtag(jsonData)
	w.Header().Set("Etag", etag)
	if ifNoneMatchFound(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(jsonData)
}

func bytesToEtag(data []byte) string {
	sum := sha256.Sum256(data)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

func ifNoneMatchFound(ifNoneMatch, etag string) bool {
	ifNoneMatch = strings.Trim(ifNoneMatch, " ")
	if len(ifNoneMatch) == 0 {
		return false
	}
	if ifNoneMatch == "*" {
		return true
	}
	for _, s := range strings.Split(ifNoneMatch, ",") {
		s = strings.Trim(s, " \"")
		t := strings.Trim(etag, " \"")
		if s == t {
			return true
		}
	}
	return false
}
