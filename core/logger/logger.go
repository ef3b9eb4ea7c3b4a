/*Package logger carries a logrus entry through request and job contexts

Every HTTP request gets a request id, either taken from the X-Request-Id header
or freshly generated. Once the caller is authorized, the user identity (the
federal id reported by the auth service) is attached as well. Background jobs
serialize the logger values with the job so that log lines of the job can be
correlated with the request that scheduled it.
*/
package logger

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// RequestIDHeader is the header used to propagate request ids
const RequestIDHeader = "X-Request-Id"

const (
	requestIDLoggerKey = "requestID"
	identityLoggerKey  = "identity"
)

type contextKeyLoggerType struct{}

var contextKeyLogger = &contextKeyLoggerType{}

type loggerValues struct {
	RequestID string `json:"requestID"`
	Identity  string `json:"identity,omitempty"`
}

// InitLogger sets up the formatter and level for all log statements. With asJSON the
// output is one JSON object per line, otherwise a text format with full timestamps.
func InitLogger(level logrus.Level, asJSON bool) {
	if asJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
		})
	}
	logrus.SetLevel(level)
}

// ParseLevel parses a level name and falls back to info for unknown names
func ParseLevel(name string) logrus.Level {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// AddRequestID installs a middleware on router which puts a logger with a request id
// into the request context and echoes the id in the response.
func AddRequestID(router *mux.Router) {
	router.Use(func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, rlog := ContextWithRequestID(r.Context(), r.Header.Get(RequestIDHeader))
			w.Header().Set(RequestIDHeader, rlog.Data[requestIDLoggerKey].(string))
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	})
}

// Default returns a logger without a request id
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// ContextWithRequestID returns a context with a logger for requestID. An empty requestID
// gets replaced with a new one. If the context already has a logger, it is kept.
func ContextWithRequestID(ctx context.Context, requestID string) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	}
	if rlog := fromContext(ctx); rlog != nil {
		return ctx, rlog
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	rlog := logrus.WithField(requestIDLoggerKey, requestID)
	return context.WithValue(ctx, contextKeyLogger, rlog), rlog
}

// ContextWithLogger returns a context with a logger, creating a new request id if needed
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	return ContextWithRequestID(ctx, "")
}

// ContextWithIdentity adds the user identity to the context's logger
func ContextWithIdentity(ctx context.Context, identity string) (context.Context, *logrus.Entry) {
	ctx, rlog := ContextWithLogger(ctx)
	rlog = rlog.WithField(identityLoggerKey, identity)
	return context.WithValue(ctx, contextKeyLogger, rlog), rlog
}

func fromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return nil
	}
	rlog, _ := ctx.Value(contextKeyLogger).(*logrus.Entry)
	return rlog
}

// FromContext returns the logger of the context, or the default logger if the context
// has none.
func FromContext(ctx context.Context) *logrus.Entry {
	if rlog := fromContext(ctx); rlog != nil {
		return rlog
	}
	return Default()
}

// RequestIDFromContext returns the request id of the context's logger, or an empty string
func RequestIDFromContext(ctx context.Context) string {
	return values(ctx).RequestID
}

// SerializeContext returns the logger values of the context as JSON, suitable for
// storing with a job.
func SerializeContext(ctx context.Context) []byte {
	v := values(ctx)
	if v.RequestID == "" {
		return []byte("{}")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// ContextFromData restores a logger from data created by SerializeContext. Invalid or
// empty data results in a logger with a fresh request id.
func ContextFromData(ctx context.Context, data []byte) context.Context {
	var v loggerValues
	if err := json.Unmarshal(data, &v); err != nil || v.RequestID == "" {
		ctx, _ = ContextWithLogger(ctx)
		return ctx
	}
	ctx, _ = ContextWithRequestID(ctx, v.RequestID)
	if v.Identity != "" {
		ctx, _ = ContextWithIdentity(ctx, v.Identity)
	}
	return ctx
}

func values(ctx context.Context) loggerValues {
	var v loggerValues
	rlog := fromContext(ctx)
	if rlog == nil {
		return v
	}
	v.RequestID, _ = rlog.Data[requestIDLoggerKey].(string)
	v.Identity, _ = rlog.Data[identityLoggerKey].(string)
	return v
}
