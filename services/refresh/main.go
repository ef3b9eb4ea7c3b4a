// Command refresh is a lambda refreshing the status of pushed shipments, usually triggered
// by a scheduled CloudWatch event
package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/scaup/core/backend"
	"github.com/relabs-tech/scaup/core/logger"
	"github.com/relabs-tech/scaup/core/service"
)

// Result is the answer of an invocation
type Result struct {
	Refreshed int `json:"refreshed"`
}

type refresher struct {
	backend *backend.Backend
}

func (r *refresher) handle(ctx context.Context, event events.CloudWatchEvent) (Result, error) {
	ctx, rlog := logger.ContextWithRequestID(ctx, event.ID)
	n, err := r.backend.RefreshStatuses(ctx)
	if err != nil {
		rlog.WithError(err).Errorln("status refresh failed")
		return Result{}, err
	}
	// the lambda may be frozen after returning, publish the status changes now
	r.backend.ProcessJobsSync(0)
	rlog.Infof("refreshed status of %d shipments", n)
	return Result{Refreshed: n}, nil
}

func main() {
	config, err := service.Load()
	if err != nil {
		logger.Default().WithError(err).Fatalln("invalid configuration")
	}
	s, err := config.Open(context.Background(), mux.NewRouter(), false)
	if err != nil {
		logger.Default().WithError(err).Fatalln("cannot open service")
	}
	defer s.Close()

	r := &refresher{backend: s.Backend}
	lambda.Start(r.handle)
}
