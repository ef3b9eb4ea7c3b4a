package backend

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/scaup/core/access"
	"github.com/relabs-tech/scaup/core/csql"
	"github.com/relabs-tech/scaup/core/expeye"
	"github.com/relabs-tech/scaup/core/kss"
	"github.com/relabs-tech/scaup/core/logger"
	"github.com/relabs-tech/scaup/core/metrics"
	"github.com/relabs-tech/scaup/core/notifier"
	"github.com/relabs-tech/scaup/core/registry"
	"github.com/relabs-tech/scaup/core/schema"
	"github.com/relabs-tech/scaup/core/shipping"
)

// LockPeriod is the time before the start of a session in which users cannot modify its
// shipments anymore
const LockPeriod = 24 * time.Hour

// Backend is the REST backend of the shipment service
type Backend struct {
	db         *csql.DB
	router     *mux.Router
	expeye     *expeye.Expeye
	shipping   *shipping.Client
	authorizer access.Authorizer
	callbacks  *access.CallbackSigner
	kss        kss.Driver
	publisher  notifier.Publisher
	validator  *schema.Validator
	location   *time.Location
	now        func() time.Time

	frontendURL         string
	shippingFrontendURL string
	callbackURL         string
	updateSchema        bool
	corsOrigins         []string

	// Registry is the JSON object registry for this backend's schema
	Registry *registry.Registry

	jobHandlers               map[string]jobHandler
	jobsInsertQuery           string
	jobsUpdateQuery           string
	jobsDeleteQuery           string
	pipelineConcurrency       int
	processJobsAsyncRuns      bool
	processJobsAsyncTrigger   chan struct{}
	hasJobsToProcess          bool
	hasJobsToProcessLock      sync.Mutex
	statusRefreshPushInterval time.Duration
}

// Builder is a builder helper for the Backend
type Builder struct {
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Router is a mux router, usually a subrouter at the mount point. This is mandatory.
	Router *mux.Router
	// Expeye is the client for ISPyB. This is mandatory.
	Expeye *expeye.Expeye
	// Authorizer resolves tokens and checks permissions. This is mandatory.
	Authorizer access.Authorizer
	// Shipping is the client for the shipping service. Without it, shipment requests
	// cannot be created.
	Shipping *shipping.Client
	// CallbackSigner signs and verifies the tokens of the shipping service callback
	CallbackSigner *access.CallbackSigner
	// KSS stores push snapshots. This is optional.
	KSS kss.Driver
	// Publisher receives shipment events. Events are only logged if it is nil.
	Publisher notifier.Publisher
	// Registry is used if set, otherwise the backend creates one
	Registry *registry.Registry
	// FrontendURL is the base URL of the web frontend
	FrontendURL string
	// ShippingFrontendURL is the base URL of the shipping service frontend
	ShippingFrontendURL string
	// CallbackURL is the public base URL of this API, as seen by the shipping service
	CallbackURL string
	// Location is the time zone of the facility. Defaults to the local time zone.
	Location *time.Location
	// CORSOrigins are the origins allowed to send credentials. All origins are allowed
	// without credentials if empty.
	CORSOrigins []string
	// UpdateSchema creates or updates the database tables
	UpdateSchema bool
	// PipelineConcurrency is the number of job workers, defaults to 5
	PipelineConcurrency int
}

// New realizes the actual backend. It creates the sql relations (if requested) and adds
// the routes to router
func New(bb *Builder) *Backend {
	if bb.DB == nil {
		panic("DB is missing")
	}
	if bb.Router == nil {
		panic("Router is missing")
	}
	if bb.Expeye == nil {
		panic("Expeye is missing")
	}
	if bb.Authorizer == nil {
		panic("Authorizer is missing")
	}

	b := &Backend{
		db:                        bb.DB,
		router:                    bb.Router,
		expeye:                    bb.Expeye,
		shipping:                  bb.Shipping,
		authorizer:                bb.Authorizer,
		callbacks:                 bb.CallbackSigner,
		kss:                       bb.KSS,
		publisher:                 bb.Publisher,
		validator:                 schema.Requests(),
		location:                  bb.Location,
		frontendURL:               strings.TrimSuffix(bb.FrontendURL, "/"),
		shippingFrontendURL:       strings.TrimSuffix(bb.ShippingFrontendURL, "/"),
		callbackURL:               strings.TrimSuffix(bb.CallbackURL, "/"),
		updateSchema:              bb.UpdateSchema,
		corsOrigins:               bb.CORSOrigins,
		now:                       time.Now,
		Registry:                  bb.Registry,
		jobHandlers:               make(map[string]jobHandler),
		pipelineConcurrency:       bb.PipelineConcurrency,
		statusRefreshPushInterval: StatusRefreshInterval,
	}
	if b.publisher == nil {
		b.publisher = notifier.Log{}
	}
	if b.location == nil {
		b.location = time.Local
	}
	if b.pipelineConcurrency <= 0 {
		b.pipelineConcurrency = 5
	}
	if b.Registry == nil {
		b.Registry = registry.New(b.db)
	}

	if b.updateSchema {
		b.createTables()
	}

	b.handleCORS()
	b.handleCompression()
	b.router.Use(access.NewMiddleware(b.authorizer, isPublicRoute))

	b.handleVersion(b.router)
	b.handleMetrics(b.router)
	b.handleJobs(b.router)
	b.handleShipments(b.router)
	b.handleProposals(b.router)
	b.handleItems(b.router)
	b.handleInternalContainers(b.router)
	b.handleSessions(b.router)
	b.handleStatistics(b.router)
	return b
}

// isPublicRoute reports routes which do not need a bearer token. The status callback of
// the shipping service and the pre-signed object URLs carry their own tokens.
func isPublicRoute(r *http.Request) bool {
	path := r.URL.Path
	return strings.HasSuffix(path, "/version") ||
		strings.HasSuffix(path, "/metrics") ||
		strings.HasSuffix(path, "/update-status") ||
		strings.HasSuffix(path, "/kss/filesystem")
}

func (b *Backend) handleMetrics(router *mux.Router) {
	logger.Default().Debugln("  handle metrics route: /metrics GET")
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodOptions, http.MethodGet)
}

// queryer is satisfied by the database and by transactions
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// writeJSON answers with status and v as JSON body
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	jsonData, err := json.MarshalWithOption(v, json.DisableHTMLEscape())
	if err != nil {
		logger.Default().WithError(err).Errorln("Error 4701: cannot marshal response")
		http.Error(w, "Error 4701", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(jsonData)
}

// token returns the bearer token of the request
func token(r *http.Request) string {
	return access.TokenFromContext(r.Context())
}

// handle adds handler for path and methods to router. Errors returned by handler are
// answered with writeError and code.
func handle(router *mux.Router, path, code string, handler func(w http.ResponseWriter, r *http.Request) error, methods ...string) {
	logger.Default().Debugln("  handle route:", path, strings.Join(methods, " "))
	router.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		calledRoute(r)
		if err := handler(w, r); err != nil {
			writeError(w, r, err, code)
		}
	}).Methods(append([]string{http.MethodOptions}, methods...)...)
}

// calledRoute logs the route being called
func calledRoute(r *http.Request) {
	logger.FromContext(r.Context()).Infoln("called route for", r.URL.Path, r.Method)
}
