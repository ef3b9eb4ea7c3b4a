package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/relabs-tech/scaup/core/csql"
	"github.com/relabs-tech/scaup/core/logger"
	"github.com/relabs-tech/scaup/core/tree"
)

// MaxSampleCopies is the largest number of samples created by one request
const MaxSampleCopies = 12

var unsafeNameCharacters = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// cleanName turns a protein name into a sample name prefix
func cleanName(name string) string {
	return unsafeNameCharacters.ReplaceAllString(strings.ReplaceAll(name, " ", "_"), "")
}

// nextSampleNumber returns the suffix following last, the name of the newest sample with
// the same prefix. Names without numeric suffix start over at 1.
func nextSampleNumber(last string) int {
	if last == "" {
		return 1
	}
	suffix := last[strings.LastIndex(last, "_")+1:]
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 0 || strings.ContainsAny(suffix, "+-") {
		return 1
	}
	return n + 1
}

// createSamples creates the requested copies of a sample in shipmentID. Sample names are
// prefixed with the name of their protein and numbered after the newest sample of the
// shipment with the same prefix.
func (b *Backend) createSamples(ctx context.Context, userToken string, shipmentID int64, f fields) (*Paged[*Sample], error) {
	if err := b.assertNotBooked(ctx, b.db, shipmentID); err != nil {
		return nil, err
	}
	proteinID := f.integer("proteinId")
	if proteinID == nil {
		return nil, newError(http.StatusUnprocessableEntity, "parameter 'proteinId': required")
	}
	protein, err := b.expeye.Protein(ctx, userToken, *proteinID)
	if err != nil {
		return nil, err
	}

	copies := 1
	if c := f.integer("copies"); c != nil {
		copies = int(*c)
	}
	if copies > MaxSampleCopies {
		return nil, newError(http.StatusTooManyRequests, "Too many sample copies requested")
	}
	var parents []int64
	if f.has("parents") {
		if err := json.Unmarshal(f["parents"], &parents); err != nil {
			return nil, newError(http.StatusBadRequest, "invalid value for parents")
		}
	}

	prefix := cleanName(protein.Name)
	name := f.text("name")
	if name == "" {
		name = prefix
	} else if !strings.HasPrefix(name, prefix) {
		name = prefix + "_" + name
	}

	a, err := assign(f, sampleProperties, "name")
	if err != nil {
		return nil, err
	}
	a.set("shipment_id", shipmentID)

	table := b.db.Table("sample")
	var samples []*Sample
	err = b.retryIfExists(ctx, func(tx *sql.Tx) error {
		samples = nil
		var last string
		err := tx.QueryRowContext(ctx, "SELECT name FROM "+table+" WHERE shipment_id = $1 AND name LIKE $2 ORDER BY id DESC LIMIT 1;",
			shipmentID, prefix+"%").Scan(&last)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		first := nextSampleNumber(last)

		for i := 0; i < copies; i++ {
			a.set("name", fmt.Sprintf("%s_%d", name, first+i))
			sample, err := scanSample(tx.QueryRowContext(ctx, a.insert(table, columns("", sampleColumns)), a.args...))
			if err != nil {
				return err
			}
			samples = append(samples, sample)
		}

		for _, child := range samples {
			for _, parent := range parents {
				_, err := tx.ExecContext(ctx, "INSERT INTO "+b.db.Table("sample_parent_child")+" (parent_id, child_id) VALUES ($1, $2);", parent, child.ID)
				if err != nil {
					return err
				}
			}
			child.Parents = parents
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Paged[*Sample]{Items: samples, Total: copies, Page: 0, Limit: copies}, nil
}

// loadSample returns sample id with the samples it was derived from
func (b *Backend) loadSample(ctx context.Context, id int64) (*Sample, error) {
	sample, err := scanSample(b.db.QueryRowContext(ctx, "SELECT "+columns("", sampleColumns)+" FROM "+b.db.Table("sample")+" WHERE id = $1;", id))
	if err != nil {
		return nil, err
	}
	var parents pq.Int64Array
	err = b.db.QueryRowContext(ctx, "SELECT COALESCE(array_agg(parent_id ORDER BY parent_id), '{}') FROM "+
		b.db.Table("sample_parent_child")+" WHERE child_id = $1;", id).Scan(&parents)
	if err != nil {
		return nil, err
	}
	if len(parents) > 0 {
		sample.Parents = parents
	}
	return sample, nil
}

// editSample checks a new protein against ISPyB, then edits the sample
func (b *Backend) editSample(ctx context.Context, userToken string, id int64, f fields) (*Sample, error) {
	if proteinID := f.integer("proteinId"); proteinID != nil {
		if _, err := b.expeye.Protein(ctx, userToken, *proteinID); err != nil {
			return nil, err
		}
	}
	item, err := b.editItem(ctx, userToken, tree.KindSample, id, f, nil)
	if err != nil {
		return nil, err
	}
	return item.(*Sample), nil
}

// removeSample deletes sample id. Samples other samples were derived from stay.
func (b *Backend) removeSample(ctx context.Context, id int64) error {
	err := b.deleteItem(ctx, tree.KindSample, id)
	if violation, ok := csql.AsViolation(err); ok && violation.Kind == csql.ForeignKeyViolation {
		return newError(http.StatusConflict, "Sample is linked to a different session and cannot be deleted")
	}
	return err
}

// sampleFilter selects the samples listed by listSamples. Either shipmentID or session
// must be set.
type sampleFilter struct {
	shipmentID *int64
	session    *sessionReference
	// internalOnly keeps samples in internal containers
	internalOnly bool
	// ignoreInternal drops samples in internal containers
	ignoreInternal bool
	// withDataCollectionGroups adds the data collection groups known to ISPyB
	withDataCollectionGroups bool
}

// listSamples returns a page of samples with the names of their container and shipment,
// ordered by container and location
func (b *Backend) listSamples(ctx context.Context, p pagination, filter sampleFilter) (*Paged[*Sample], error) {
	from := "FROM " + b.db.Table("shipment") + " sh JOIN " + b.db.Table("sample") + " s ON s.shipment_id = sh.id LEFT JOIN " +
		b.db.Table("container") + " c ON c.id = s.container_id WHERE "
	var args []interface{}
	switch {
	case filter.shipmentID != nil:
		from += "s.shipment_id = $1"
		args = append(args, *filter.shipmentID)
	case filter.session != nil:
		from += "sh.proposal_code = $1 AND sh.proposal_number = $2 AND sh.visit_number = $3"
		args = append(args, filter.session.Code, filter.session.Number, filter.session.Visit)
	default:
		return nil, errors.New("list samples: either shipment or session must be set")
	}
	if filter.internalOnly {
		from += " AND c.is_internal IS TRUE"
	}
	if filter.ignoreInternal {
		from += " AND c.is_internal IS NOT TRUE"
	}

	page, err := paginate(ctx, b.db, p, columns("s", sampleColumns)+", c.name, sh.name", from,
		"ORDER BY c.name, c.location, s.location, s.id", args,
		func(row scanner) (*Sample, error) {
			var (
				containerName *string
				shipmentName  string
			)
			s, err := scanSample(row, &containerName, &shipmentName)
			s.ContainerName = containerName
			s.ParentShipmentName = &shipmentName
			return s, err
		})
	if err != nil {
		return nil, err
	}
	if filter.withDataCollectionGroups && filter.shipmentID != nil {
		b.addDataCollectionGroups(ctx, *filter.shipmentID, page.Items)
	}
	return page, nil
}

// addDataCollectionGroups sets the data collection group of the samples ISPyB has one for
func (b *Backend) addDataCollectionGroups(ctx context.Context, shipmentID int64, samples []*Sample) {
	var externalID sql.NullInt64
	err := b.db.QueryRowContext(ctx, "SELECT external_id FROM "+b.db.Table("shipment")+" WHERE id = $1;", shipmentID).Scan(&externalID)
	if err != nil || !externalID.Valid {
		return
	}
	upstream, err := b.expeye.ShipmentSamples(ctx, externalID.Int64)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warnln("cannot fetch samples of shipment", shipmentID, "from ISPyB")
		return
	}
	groups := map[int64]int64{}
	for _, u := range upstream {
		if u.DataCollectionGroupID != nil {
			groups[u.BLSampleID] = *u.DataCollectionGroupID
		}
	}
	for _, s := range samples {
		if s.ExternalID == nil {
			continue
		}
		if group, ok := groups[*s.ExternalID]; ok {
			s.DataCollectionGroupID = &group
		}
	}
}
