package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/cartoonify/internal/dedupe"
	"github.com/dunamismax/cartoonify/internal/domain"
	"github.com/dunamismax/cartoonify/internal/id"
	"github.com/dunamismax/cartoonify/internal/logging"
	"github.com/dunamismax/cartoonify/internal/queue"
	"github.com/dunamismax/cartoonify/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultMaxBodyBytes = 1 << 20

type queueEnqueuer interface {
	EnqueueCartoonify(ctx context.Context, payload queue.CartoonifyPayload) (*asynq.TaskInfo, error)
}

// releaser is implemented by dedupe guards that can forget a claim.
type releaser interface {
	Release(ctx context.Context, ref domain.ObjectRef) error
}

type Options struct {
	// OutputBucket events are ignored so published results do not loop.
	OutputBucket string
	// AuthToken, when set, must be presented as a bearer token.
	AuthToken    string
	MaxBodyBytes int64
	RateLimiter  RateLimiter
	Dedupe       dedupe.Guard
}

type Server struct {
	logger       *zap.Logger
	queueClient  queueEnqueuer
	jobStore     store.JobStore
	dedupe       dedupe.Guard
	rateLimiter  RateLimiter
	outputBucket string
	authToken    string
	maxBodyBytes int64
	metrics      *metrics
	tracer       trace.Tracer
	mux          *http.ServeMux
}

func NewServer(logger *zap.Logger, queueClient queueEnqueuer, jobStore store.JobStore, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if jobStore == nil {
		jobStore = store.NewMemoryJobStore()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}

	s := &Server{
		logger:       logger,
		queueClient:  queueClient,
		jobStore:     jobStore,
		dedupe:       opts.Dedupe,
		rateLimiter:  opts.RateLimiter,
		outputBucket: strings.TrimSpace(opts.OutputBucket),
		authToken:    strings.TrimSpace(opts.AuthToken),
		maxBodyBytes: opts.MaxBodyBytes,
		metrics:      newMetrics(),
		tracer:       otel.Tracer("cartoonify/api"),
		mux:          http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.metrics.withHTTPMetrics(s.withTracing(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/events", s.handleEvents)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type acceptedObject struct {
	JobID  string `json:"job_id"`
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	TaskID string `json:"task_id,omitempty"`
}

type eventsResponse struct {
	Accepted   []acceptedObject `json:"accepted"`
	Duplicates int              `json:"duplicates"`
	Ignored    int              `json:"ignored"`
	Rejected   int              `json:"rejected"`
}

// handleEvents accepts an S3 or MinIO bucket notification and enqueues one
// job per created object. Records that cannot be decoded are counted and
// skipped. A notification that is retried after a partial failure only
// enqueues the objects that were not accepted before.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing bearer token"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "notification body too large"})
		return
	}

	notification, err := domain.ParseS3Event(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	for _, rejected := range notification.Rejected {
		s.logger.Warn("dropping undecodable record", zap.Int("record", rejected.Index), zap.Error(rejected.Err))
	}
	refs, err := domain.ObjectRefsFromEvent(notification.Event, s.outputBucket)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if decision, bucket, limited := s.checkRateLimit(r.Context(), refs); limited {
		writeRateLimited(w, bucket, decision)
		return
	}

	resp := eventsResponse{
		Accepted: make([]acceptedObject, 0, len(refs)),
		Ignored:  len(notification.Event.Records) - len(refs),
		Rejected: len(notification.Rejected),
	}
	s.metrics.eventsTotal.WithLabelValues("ignored").Add(float64(resp.Ignored))
	s.metrics.eventsTotal.WithLabelValues("rejected").Add(float64(resp.Rejected))

	for _, ref := range refs {
		if s.dedupe != nil {
			claimed, err := s.dedupe.Claim(r.Context(), ref)
			if err != nil {
				s.logger.Warn("dedupe check failed", zap.String("bucket", ref.Bucket), zap.String("key", ref.Key), zap.Error(err))
			} else if !claimed {
				resp.Duplicates++
				s.metrics.eventsTotal.WithLabelValues("duplicate").Inc()
				continue
			}
		}

		accepted, err := s.accept(r.Context(), ref)
		if err != nil {
			s.release(ref)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":    "failed to enqueue object",
				"accepted": resp.Accepted,
			})
			return
		}
		resp.Accepted = append(resp.Accepted, accepted)
		s.metrics.eventsTotal.WithLabelValues("accepted").Inc()
	}

	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) accept(ctx context.Context, ref domain.ObjectRef) (acceptedObject, error) {
	job := domain.NewJob(id.New(), ref, time.Now())
	logger := logging.WithOperation(s.logger, "intake", job.ID).With(
		zap.String("bucket", ref.Bucket),
		zap.String("key", ref.Key),
	)

	if err := s.jobStore.Create(ctx, job); err != nil {
		logger.Error("create job failed", zap.Error(err))
		return acceptedObject{}, fmt.Errorf("create job: %w", err)
	}

	taskInfo, err := s.queueClient.EnqueueCartoonify(ctx, queue.PayloadForJob(job))
	if err != nil {
		logger.Error("enqueue failed", zap.Error(err))
		if _, failErr := s.jobStore.Fail(ctx, job.ID, "enqueue", err.Error()); failErr != nil {
			logger.Warn("mark job failed", zap.Error(failErr))
		}
		return acceptedObject{}, fmt.Errorf("enqueue job: %w", err)
	}

	if _, err := s.jobStore.UpdateStatus(ctx, job.ID, domain.JobStatusQueued); err != nil {
		logger.Warn("update status failed", zap.Error(err))
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()
	logger.Info("object queued", zap.String("queue", taskInfo.Queue), zap.String("task_id", taskInfo.ID))

	return acceptedObject{
		JobID:  job.ID,
		Bucket: ref.Bucket,
		Key:    ref.Key,
		TaskID: taskInfo.ID,
	}, nil
}

func (s *Server) release(ref domain.ObjectRef) {
	r, ok := s.dedupe.(releaser)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Release(ctx, ref); err != nil {
		s.logger.Warn("dedupe release failed", zap.String("bucket", ref.Bucket), zap.String("key", ref.Key), zap.Error(err))
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.PathValue("id"))
	if jobID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "job id is required"})
		return
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Error("fetch job failed", zap.String("job_id", jobID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// authorized accepts "Bearer <token>" or the bare token, which is how MinIO
// sends a webhook target's auth_token.
func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token := header
	if scheme, rest, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		token = strings.TrimSpace(rest)
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

var errRateLimited = errors.New("rate limit exceeded")
