package backend

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/scaup/core/access"
	"github.com/relabs-tech/scaup/core/logger"
)

var proposalPattern = regexp.MustCompile(`^([a-zA-Z]{2})(\d+)$`)

// sessionReference identifies a session, for example cm12345-1. A visit number of zero
// means all sessions of the proposal.
type sessionReference struct {
	Code   string
	Number int
	Visit  int
}

func (s sessionReference) proposal() string {
	return s.Code + strconv.Itoa(s.Number)
}

func (s sessionReference) String() string {
	return s.proposal() + "-" + strconv.Itoa(s.Visit)
}

// parseProposal splits a proposal reference like cm12345 into code and number
func parseProposal(reference string) (code string, number int, err error) {
	m := proposalPattern.FindStringSubmatch(reference)
	if m == nil {
		return "", 0, newError(http.StatusBadRequest, "Invalid proposal reference provided")
	}
	number, err = strconv.Atoi(m[2])
	if err != nil {
		return "", 0, newError(http.StatusBadRequest, "Invalid proposal reference provided")
	}
	return m[1], number, nil
}

// pathID returns the path variable name of r as id
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id < 1 {
		return 0, errorf(http.StatusUnprocessableEntity, "parameter '%s': must be a positive integer", name)
	}
	return id, nil
}

// requireStaff fails for users who are not facility staff
func requireStaff(ctx context.Context) error {
	if !access.AuthorizationFromContext(ctx).IsStaff() {
		return newError(http.StatusForbidden, "User not allowed to view content")
	}
	return nil
}

// checkProposal returns the proposal reference of the path, if the user may access it
func (b *Backend) checkProposal(r *http.Request) (string, error) {
	reference := mux.Vars(r)["proposalReference"]
	if _, _, err := parseProposal(reference); err != nil {
		return "", err
	}
	if err := b.authorizer.Check(r.Context(), token(r), "proposal", reference); err != nil {
		return "", err
	}
	return reference, nil
}

// checkSession returns the session of the path, if the user may access it
func (b *Backend) checkSession(r *http.Request) (sessionReference, error) {
	var s sessionReference
	code, number, err := parseProposal(mux.Vars(r)["proposalReference"])
	if err != nil {
		return s, err
	}
	visit, err := strconv.Atoi(mux.Vars(r)["visitNumber"])
	if err != nil || visit < 0 {
		return s, newError(http.StatusUnprocessableEntity, "parameter 'visitNumber': must be an integer")
	}
	s = sessionReference{Code: code, Number: number, Visit: visit}
	if err := b.authorizer.Check(r.Context(), token(r), "session", s.String()); err != nil {
		return s, err
	}
	return s, nil
}

// checkShipment returns the shipment id of the path, if the user may access the session
// of the shipment
func (b *Backend) checkShipment(r *http.Request) (int64, error) {
	shipmentID, err := pathID(r, "shipmentId")
	if err != nil {
		return 0, err
	}
	var s sessionReference
	err = b.db.QueryRowContext(r.Context(), "SELECT proposal_code, proposal_number, visit_number FROM "+
		b.db.Table("shipment")+" WHERE id = $1;", shipmentID).Scan(&s.Code, &s.Number, &s.Visit)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, newError(http.StatusNotFound, "Shipment does not exist")
	}
	if err != nil {
		return 0, err
	}
	if err := b.authorizer.Check(r.Context(), token(r), "session", s.String()); err != nil {
		return 0, err
	}
	return shipmentID, nil
}

// checkItem returns the id in path variable param of an item of table, if the user may
// access the session of its shipment. Items without shipment are only accessible to staff,
// and only if allowOrphan is set.
func (b *Backend) checkItem(r *http.Request, table, param string, allowOrphan bool) (int64, error) {
	id, err := pathID(r, param)
	if err != nil {
		return 0, err
	}
	var (
		code          sql.NullString
		number, visit sql.NullInt64
	)
	err = b.db.QueryRowContext(r.Context(), "SELECT s.proposal_code, s.proposal_number, s.visit_number FROM "+
		b.db.Table(table)+" i LEFT JOIN "+b.db.Table("shipment")+" s ON s.id = i.shipment_id WHERE i.id = $1;", id).
		Scan(&code, &number, &visit)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errNotFound
	}
	if err != nil {
		return 0, err
	}
	if !code.Valid {
		if !allowOrphan {
			return 0, errNotFound
		}
		if err := requireStaff(r.Context()); err != nil {
			return 0, err
		}
		return id, nil
	}
	s := sessionReference{Code: code.String, Number: int(number.Int64), Visit: int(visit.Int64)}
	if err := b.authorizer.Check(r.Context(), token(r), "session", s.String()); err != nil {
		return 0, err
	}
	return id, nil
}

// sessionLocked reports whether the session of shipmentID starts within 24 hours. Staff
// are never locked out.
func (b *Backend) sessionLocked(ctx context.Context, shipmentID int64) (bool, error) {
	if access.AuthorizationFromContext(ctx).IsStaff() {
		return false, nil
	}
	shipment, err := b.loadShipment(ctx, b.db, shipmentID)
	if err != nil {
		return false, err
	}
	session, err := b.expeye.Session(ctx, access.TokenFromContext(ctx), shipment.Proposal(), shipment.VisitNumber)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warnln("failed to retrieve session of shipment", shipmentID)
		return false, newError(http.StatusFailedDependency, "Resource can't be verified upstream")
	}
	start, err := session.Start(b.location)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Warnln("invalid session start date", session.StartDate)
		return false, newError(http.StatusFailedDependency, "Resource can't be verified upstream")
	}
	return start.Sub(b.now()) < LockPeriod, nil
}

// checkUnlocked fails if the session of shipmentID is locked
func (b *Backend) checkUnlocked(ctx context.Context, shipmentID int64) error {
	locked, err := b.sessionLocked(ctx, shipmentID)
	if err != nil {
		return err
	}
	if locked {
		return newError(http.StatusBadRequest, "Resource can't be modified 24 hours before session")
	}
	return nil
}
