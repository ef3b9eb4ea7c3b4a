package backend

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/scaup/core/access"
	"github.com/relabs-tech/scaup/core/csql"
	"github.com/relabs-tech/scaup/core/logger"
	"github.com/relabs-tech/scaup/core/metrics"
	"github.com/relabs-tech/scaup/core/notifier"
)

// StatusRefreshInterval is the delay between two background refreshes of the status of a
// pushed shipment
const StatusRefreshInterval = time.Hour

// Event is a background event. Receive them with HandleEvent(), raise them with RaiseEvent(),
// schedule them with ScheduleEvent()
type Event struct {
	Type    string
	Key     string
	Payload []byte
}

// WithPayload adds a payload to an event. Payload can be an object or a []byte
func (e Event) WithPayload(payload interface{}) Event {
	data, ok := payload.([]byte)
	if !ok {
		data, _ = json.Marshal(payload)
	}
	e.Payload = data
	return e
}

// job is either a notification to publish or an event to handle
type job struct {
	Serial       int
	Job          string
	Type         string
	Key          string
	Payload      []byte
	Timestamp    time.Time
	AttemptsLeft int
	ContextData  []byte
}

func (j *job) event() (Event, context.Context) {
	ctx := logger.ContextFromData(context.Background(), j.ContextData)
	return Event{Type: j.Type, Key: j.Key, Payload: j.Payload}, ctx
}

func (j *job) message() (notifier.Message, context.Context) {
	ctx := logger.ContextFromData(context.Background(), j.ContextData)
	return notifier.Message{Type: j.Type, Key: j.Key, Payload: j.Payload, Time: j.Timestamp}, ctx
}

type txJob struct {
	job
	tx *sql.Tx
}

type jobHandler func(context.Context, Event) error

func (b *Backend) handleJobs(router *mux.Router) {
	if b.updateSchema {
		_, err := b.db.Exec(`CREATE table IF NOT EXISTS ` + b.db.Schema + `."_job_"
(serial SERIAL,
job VARCHAR NOT NULL,
type VARCHAR NOT NULL DEFAULT '',
key VARCHAR NOT NULL DEFAULT '',
payload JSON NOT NULL DEFAULT'{}'::jsonb,
timestamp TIMESTAMP NOT NULL DEFAULT now(),
attempts_left INTEGER NOT NULL,
context JSON NOT NULL DEFAULT'{}'::jsonb,
scheduled_at TIMESTAMP,
PRIMARY KEY(serial)
);
CREATE UNIQUE INDEX IF NOT EXISTS jobs_event_compression ON ` + b.db.Schema + `._job_(type,key) WHERE job = 'event' AND attempts_left>0;
CREATE index IF NOT EXISTS jobs_scheduled_at_index ON ` + b.db.Schema + `._job_(scheduled_at);
`)
		if err != nil {
			panic(err)
		}
	}

	b.jobsInsertQuery = `INSERT INTO ` + b.db.Schema + `."_job_"
	(job,type,key,payload,timestamp,attempts_left,context,scheduled_at)
	VALUES('event',$1,$2,$3,$4,4,$5,$6) ON CONFLICT (type,key) WHERE job = 'event' AND attempts_left>0
	DO UPDATE SET payload=$3,timestamp=$4,attempts_left=4,context=$5,
	scheduled_at=CASE WHEN $6=null THEN _job_.scheduled_at ELSE $6 END::TIMESTAMP
	RETURNING serial;`

	b.jobsUpdateQuery = `UPDATE ` + b.db.Schema + `."_job_"
SET attempts_left = attempts_left - 1,
scheduled_at = CASE WHEN attempts_left>3 then $2 WHEN attempts_left=3 THEN $3 ELSE $4 END::TIMESTAMP
WHERE serial = (
SELECT serial
 FROM ` + b.db.Schema + `."_job_"
 WHERE attempts_left > 0 AND (scheduled_at IS NULL OR $1 > scheduled_at)
 ORDER BY serial
 FOR UPDATE SKIP LOCKED
 LIMIT 1
)
RETURNING serial, job, type, key, payload, timestamp, attempts_left, context;
`
	b.jobsDeleteQuery = `DELETE FROM ` + b.db.Schema + `."_job_"
WHERE serial = $1 AND attempts_left < 4 RETURNING serial;`

	b.HandleEvent(eventRefreshStatus, b.refreshStatusEvent)

	logger.Default().Debugln("job processing pipelines")
	logger.Default().Debugln("  handle route: /health GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		calledRoute(r)
		if !access.AuthorizationFromContext(r.Context()).IsStaff() {
			http.Error(w, "User not allowed to view content", http.StatusForbidden)
			return
		}
		b.health(w, r)
	}).Methods(http.MethodOptions, http.MethodGet)

	logger.Default().Debugln("  handle route: /health/purge PUT")
	router.HandleFunc("/health/purge", func(w http.ResponseWriter, r *http.Request) {
		calledRoute(r)
		if !access.AuthorizationFromContext(r.Context()).IsStaff() {
			http.Error(w, "User not allowed to view content", http.StatusForbidden)
			return
		}
		b.purgeHealth(w, r)
	}).Methods(http.MethodOptions, http.MethodPut)

	logger.Default().Debugln("  handle route: /events/{event} PUT")
	router.HandleFunc("/events/{event}", func(w http.ResponseWriter, r *http.Request) {
		calledRoute(r)
		if !access.AuthorizationFromContext(r.Context()).IsStaff() {
			http.Error(w, "User not allowed to view content", http.StatusForbidden)
			return
		}
		b.raiseEventRoute(w, r)
	}).Methods(http.MethodOptions, http.MethodPut)
}

// Health contains the backend's health status
type Health struct {
	Jobs struct {
		Failed  int64 `json:"failed"`
		Failing int64 `json:"failing"`
		Overdue int64 `json:"overdue"`
		// Outbox is the number of notifications not yet published
		Outbox int64 `json:"outbox"`
	} `json:"jobs"`
}

// Health returns the backend's health status
func (b *Backend) Health() (Health, error) {
	health := Health{}
	jobs := &health.Jobs

	// jobs which ran out of attempts
	failedJobsQuery := `SELECT count(*) FROM ` + b.db.Schema + `._job_ WHERE attempts_left = 0;`
	if err := b.db.QueryRow(failedJobsQuery).Scan(&jobs.Failed); err != nil && err != csql.ErrNoRows {
		return health, err
	}

	// jobs which failed at least once but are still scheduled for a retry
	failingJobsQuery := `SELECT count(*) FROM ` + b.db.Schema + `._job_ WHERE attempts_left > 0 AND attempts_left < 3;`
	if err := b.db.QueryRow(failingJobsQuery).Scan(&jobs.Failing); err != nil && err != csql.ErrNoRows {
		return health, err
	}

	tenMinutesAgo := time.Now().UTC().Add(-10 * time.Minute)
	overdueJobsQuery := `SELECT count(*) FROM ` + b.db.Schema + `._job_ WHERE attempts_left > 0 AND
	((scheduled_at IS NULL AND $1 > timestamp) OR (scheduled_at IS NOT NULL AND $1 > scheduled_at));`
	if err := b.db.QueryRow(overdueJobsQuery, tenMinutesAgo).Scan(&jobs.Overdue); err != nil && err != csql.ErrNoRows {
		return health, err
	}

	outboxQuery := `SELECT count(*) FROM ` + b.db.Schema + `._job_ WHERE job = 'notification' AND attempts_left > 0;`
	if err := b.db.QueryRow(outboxQuery).Scan(&jobs.Outbox); err != nil && err != csql.ErrNoRows {
		return health, err
	}
	metrics.OutboxBacklog.Set(float64(jobs.Outbox))
	return health, nil
}

// HealthPurge deletes failed jobs
func (b *Backend) HealthPurge() error {
	_, err := b.db.Exec(`DELETE FROM ` + b.db.Schema + `._job_ WHERE attempts_left = 0;`)
	return err
}

func (b *Backend) health(w http.ResponseWriter, r *http.Request) {
	health, err := b.Health()
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 4722: cannot query database")
		http.Error(w, "Error 4722", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func (b *Backend) purgeHealth(w http.ResponseWriter, r *http.Request) {
	if err := b.HealthPurge(); err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 4723: cannot query database")
		http.Error(w, "Error 4723", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) raiseEventRoute(w http.ResponseWriter, r *http.Request) {
	eventType := mux.Vars(r)["event"]
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	event := Event{Type: eventType, Key: r.URL.Query().Get("key")}.WithPayload(body)
	status, err := b.raiseEventInternal(r.Context(), event, nil)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(status)
	logger.FromContext(r.Context()).Infof("raised event %s [%s]", event.Type, event.Key)
}

func (b *Backend) pipelineWorker(jobs <-chan txJob, ready chan<- bool) {
	for job := range jobs {
		var key string
		rlog := logger.Default()

		if err := job.tx.Commit(); err != nil {
			rlog.Errorf("error committing job #%d: %s", job.Serial, err.Error())
		}

		// call the handler in a panic/recover envelope
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("recovered from panic: %s", r)
					debug.PrintStack()
				}
			}()
			errorMessage := ""
			timeout := time.AfterFunc(20*time.Second, func() {
				logger.Default().Errorf("This (%s) is taking a long time...", errorMessage)
			})
			defer timeout.Stop()
			switch job.Job {
			case "notification":
				message, ctx := job.message()
				rlog = logger.FromContext(ctx)
				key = "notification: " + message.Type
				errorMessage = fmt.Sprintf("Notification %s %s", message.Type, message.Key)
				err = b.publisher.Publish(ctx, message)
			case "event":
				event, ctx := job.event()
				rlog = logger.FromContext(ctx)
				key = eventJobKey(event.Type)
				errorMessage = fmt.Sprintf("Event %s %s", event.Type, event.Key)
				if handler, ok := b.jobHandlers[key]; ok {
					err = handler(ctx, event)
				} else {
					err = fmt.Errorf("no handler for key %s", key)
				}
			default:
				err = fmt.Errorf("unknown job type %s", job.Job)
			}
			return
		}()

		if err != nil {
			metrics.Jobs.WithLabelValues(job.Type, "error").Inc()
			rlog.WithError(err).Error("error processing " + key + "[" + job.Key + "] #" + strconv.Itoa(job.Serial))
		} else {
			metrics.Jobs.WithLabelValues(job.Type, "success").Inc()
			rlog.Info("successfully processed " + key + "[" + job.Key + "] #" + strconv.Itoa(job.Serial))
			// unless the job has been rescheduled and attempts_left is back at 4
			var serial int
			err = b.db.QueryRow(b.jobsDeleteQuery, job.Serial).Scan(&serial)
			if err != nil && err != sql.ErrNoRows {
				rlog.WithError(err).Error("could not delete processed job " + key + "[" + job.Key + "] #" + strconv.Itoa(job.Serial))
			}
		}
		ready <- true
	}
}

// TriggerJobs triggers pipeline processing.
func (b *Backend) TriggerJobs() {
	b.hasJobsToProcessLock.Lock()
	b.hasJobsToProcess = true
	b.hasJobsToProcessLock.Unlock()
	if b.processJobsAsyncRuns {
		select {
		case b.processJobsAsyncTrigger <- struct{}{}:
		default:
		}
	}
}

// HasJobsToProcess returns true, if there are jobs to process.
// It then resets the process flag.
func (b *Backend) HasJobsToProcess() bool {
	b.hasJobsToProcessLock.Lock()
	defer b.hasJobsToProcessLock.Unlock()
	result := b.hasJobsToProcess
	b.hasJobsToProcess = false
	return result
}

// ProcessJobsAsync starts a job processing loop which stops when ctx is done. It returns
// immediately. This function must only be called once.
//
// If heartbeat is larger than 0, the function also starts a heartbeat timer for
// processing of scheduled events and failed notifications.
//
// Left-over jobs in the database are processed right away.
func (b *Backend) ProcessJobsAsync(ctx context.Context, heartbeat time.Duration) {
	if b.processJobsAsyncRuns {
		panic("already processing jobs")
	}
	b.processJobsAsyncRuns = true
	b.processJobsAsyncTrigger = make(chan struct{}, 10)

	if heartbeat > 0 {
		go func() {
			ticker := time.NewTicker(heartbeat)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					b.TriggerJobs()
				}
			}
		}()
	}

	go func() {
		b.ProcessJobsSync(5 * time.Minute)
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.processJobsAsyncTrigger:
				b.ProcessJobsSync(5 * time.Minute)
			}
		}
	}()
}

// ProcessJobsSync commissions all pending jobs up to the specified maximum duration and then
// returns after the last commissioned job was fully processed. It returns true if it has
// maxed out and there are more jobs to process, otherwise it returns false.
// If you pass 0, it will process all pending jobs.
func (b *Backend) ProcessJobsSync(max time.Duration) bool {
	rlog := logger.Default()
	startTime := time.Now()

	getJob := func() (txj txJob, err error) {
		txj.tx, err = b.db.BeginTx(context.Background(), nil)
		if err != nil {
			rlog.WithError(err).Error("failed to begin transaction")
			return
		}
		now := time.Now().UTC()
		err = txj.tx.QueryRow(b.jobsUpdateQuery,
			now,
			now.Add(5*time.Minute),  // first retry timeout
			now.Add(15*time.Minute), // second retry timeout
			now.Add(45*time.Minute), // third retry timeout before we give up
		).Scan(
			&txj.Serial,
			&txj.Job,
			&txj.Type,
			&txj.Key,
			&txj.Payload,
			&txj.Timestamp,
			&txj.AttemptsLeft,
			&txj.ContextData,
		)
		if err != nil {
			if err != sql.ErrNoRows {
				rlog.Errorln("failed to retrieve job:", err.Error())
			}
			txj.tx.Rollback()
			txj.tx = nil
		}
		return
	}

	jobs := make(chan txJob, b.pipelineConcurrency)
	ready := make(chan bool, b.pipelineConcurrency)
	for i := 0; i < b.pipelineConcurrency; i++ {
		go b.pipelineWorker(jobs, ready)
	}
	defer close(jobs)

	var maxedOut bool
	var jobCount, readyCount int
	for i := 0; i < b.pipelineConcurrency; i++ {
		txj, err := getJob()
		if err != nil {
			break
		}
		jobCount++
		jobs <- txj
	}

	for readyCount < jobCount {
		<-ready
		readyCount++

		if maxedOut = max > 0 && time.Since(startTime) >= max; !maxedOut {
			// we have time for more jobs, check if there are any in the database
			txj, err := getJob()
			if err != nil {
				continue
			}
			jobCount++
			jobs <- txj
		}
	}

	maxedOutString := ""
	if maxedOut {
		maxedOutString = " (maxed out)"
	}
	rlog.Debugf("process jobs: %d done%s", jobCount, maxedOutString)
	return maxedOut
}

// HandleEvent installs a callback handler for the specified event. Handlers are executed
// out-of-band. If a handler fails (i.e. it returns a non-nil error), it will be retried
// a few times with increasing timeout.
func (b *Backend) HandleEvent(event string, handler func(context.Context, Event) error) {
	key := eventJobKey(event)
	if _, ok := b.jobHandlers[key]; ok {
		logger.Default().Fatalf("callback handler for %s already installed", key)
	}
	b.jobHandlers[key] = handler
}

// RaiseEvent raises the requested event. Callbacks registered with HandleEvent() will be called.
//
// Multiple events of the same kind (event plus key) will be compressed, i.e. the newest
// payload will overwrite the previous payload.
func (b *Backend) RaiseEvent(ctx context.Context, event Event) error {
	_, err := b.raiseEventInternal(ctx, event, nil)
	return err
}

// ScheduleEvent schedules the requested event at a specific point in time. Events of the
// same kind (event plus key) are compressed, the newest schedule wins.
func (b *Backend) ScheduleEvent(ctx context.Context, event Event, scheduleAt time.Time) error {
	_, err := b.raiseEventInternal(ctx, event, &scheduleAt)
	return err
}

// eventSchedule returns when the pending event of the same kind is scheduled, nil if it is
// not pending or due immediately
func (b *Backend) eventSchedule(ctx context.Context, event Event) (*time.Time, error) {
	var schedule *time.Time
	query := `SELECT scheduled_at FROM ` + b.db.Schema + `."_job_"
 WHERE job = 'event' AND type = $1 AND key = $2 AND attempts_left > 0
 ORDER BY serial LIMIT 1;`
	err := b.db.QueryRowContext(ctx, query, event.Type, event.Key).Scan(&schedule)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return schedule, err
}

// raiseEventInternal returns the http status code as well
func (b *Backend) raiseEventInternal(ctx context.Context, event Event, scheduleAt *time.Time) (int, error) {
	key := eventJobKey(event.Type)
	if _, ok := b.jobHandlers[key]; !ok {
		return http.StatusBadRequest, fmt.Errorf("no callback handler installed for %s", key)
	}
	data := event.Payload
	if data == nil {
		data = []byte("{}")
	}
	var scheduleAtUTC *time.Time
	if scheduleAt != nil {
		tmp := scheduleAt.UTC()
		scheduleAtUTC = &tmp
	}

	var serial int
	err := b.db.QueryRowContext(ctx, b.jobsInsertQuery,
		event.Type,
		event.Key,
		data,
		time.Now().UTC(),
		logger.SerializeContext(ctx),
		scheduleAtUTC,
	).Scan(&serial)
	if err != nil {
		return http.StatusInternalServerError, err
	}
	b.TriggerJobs()
	return http.StatusNoContent, nil
}

func eventJobKey(event string) string {
	return "event: " + event
}

// notify adds a notification for the publisher to tx. Notifications become visible with the
// commit of tx.
func (b *Backend) notify(ctx context.Context, tx *sql.Tx, eventType, key string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO `+b.db.Schema+`."_job_"
(job,type,key,payload,timestamp,attempts_left,context)
VALUES('notification',$1,$2,$3,$4,4,$5);`,
		eventType,
		key,
		data,
		time.Now().UTC(),
		logger.SerializeContext(ctx),
	)
	return err
}

// commitWithNotification adds a notification to tx and commits it
func (b *Backend) commitWithNotification(ctx context.Context, tx *sql.Tx, eventType, key string, payload interface{}) error {
	if err := b.notify(ctx, tx, eventType, key, payload); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	b.TriggerJobs()
	return nil
}
