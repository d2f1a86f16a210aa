package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dunamismax/cartoonify/internal/dedupe"
	"github.com/dunamismax/cartoonify/internal/domain"
	"github.com/dunamismax/cartoonify/internal/queue"
	"github.com/dunamismax/cartoonify/internal/ratelimit"
	"github.com/dunamismax/cartoonify/internal/store"
	"github.com/hibiken/asynq"
)

const notification = `{
  "Records": [
    {
      "eventTime": "2024-03-01T12:00:00.000Z",
      "eventName": "s3:ObjectCreated:Put",
      "s3": {
        "bucket": {"name": "uploads"},
        "object": {"key": "people%2Fcat.png", "size": 2048, "sequencer": "0001"}
      }
    },
    {
      "eventTime": "2024-03-01T12:00:01.000Z",
      "eventName": "s3:ObjectCreated:Put",
      "s3": {
        "bucket": {"name": "cartoons"},
        "object": {"key": "people%2Fcat.jpg", "size": 1024, "sequencer": "0002"}
      }
    }
  ]
}`

func TestPostEventsQueuesCreatedObjects(t *testing.T) {
	enqueuer := &fakeEnqueuer{}
	jobStore := store.NewMemoryJobStore()
	srv := NewServer(nil, enqueuer, jobStore, Options{
		OutputBucket: "cartoons",
		Dedupe:       dedupe.NewMemoryGuard(time.Hour),
	})

	rec := postEvent(t, srv, notification, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp eventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Accepted) != 1 || resp.Ignored != 1 || resp.Duplicates != 0 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Accepted[0].Key != "people/cat.png" {
		t.Fatalf("expected decoded key, got %q", resp.Accepted[0].Key)
	}

	if len(enqueuer.payloads) != 1 {
		t.Fatalf("expected one enqueued task, got %d", len(enqueuer.payloads))
	}
	payload := enqueuer.payloads[0]
	if payload.Bucket != "uploads" || payload.Key != "people/cat.png" || payload.Size != 2048 {
		t.Fatalf("unexpected payload %+v", payload)
	}

	job, ok, err := jobStore.Get(context.Background(), resp.Accepted[0].JobID)
	if err != nil || !ok {
		t.Fatalf("expected stored job, ok=%t err=%v", ok, err)
	}
	if job.Status != domain.JobStatusQueued {
		t.Fatalf("expected queued job, got %s", job.Status)
	}
}

func TestPostEventsSkipsRedeliveredNotification(t *testing.T) {
	enqueuer := &fakeEnqueuer{}
	srv := NewServer(nil, enqueuer, nil, Options{
		OutputBucket: "cartoons",
		Dedupe:       dedupe.NewMemoryGuard(time.Hour),
	})

	postEvent(t, srv, notification, "")
	rec := postEvent(t, srv, notification, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	var resp eventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Accepted) != 0 || resp.Duplicates != 1 {
		t.Fatalf("expected one duplicate, got %+v", resp)
	}
	if len(enqueuer.payloads) != 1 {
		t.Fatalf("expected a single enqueue across deliveries, got %d", len(enqueuer.payloads))
	}
}

func TestPostEventsEnqueueFailureReleasesClaim(t *testing.T) {
	enqueuer := &fakeEnqueuer{err: errors.New("redis: connection refused")}
	jobStore := store.NewMemoryJobStore()
	srv := NewServer(nil, enqueuer, jobStore, Options{
		OutputBucket: "cartoons",
		Dedupe:       dedupe.NewMemoryGuard(time.Hour),
	})

	if rec := postEvent(t, srv, notification, ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	enqueuer.err = nil
	rec := postEvent(t, srv, notification, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected redelivery to be accepted, got %d", rec.Code)
	}
	if len(enqueuer.payloads) != 1 {
		t.Fatalf("expected object to be enqueued on redelivery, got %d", len(enqueuer.payloads))
	}
}

func TestPostEventsRequiresToken(t *testing.T) {
	srv := NewServer(nil, &fakeEnqueuer{}, nil, Options{AuthToken: "s3cret"})

	if rec := postEvent(t, srv, notification, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := postEvent(t, srv, notification, "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
	if rec := postEvent(t, srv, notification, "Bearer s3cret"); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with bearer token, got %d", rec.Code)
	}
	if rec := postEvent(t, srv, notification, "s3cret"); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with bare token, got %d", rec.Code)
	}
}

func TestPostEventsRateLimitedPerBucket(t *testing.T) {
	limiter := &fakeLimiter{deny: map[string]bool{"uploads": true}}
	enqueuer := &fakeEnqueuer{}
	srv := NewServer(nil, enqueuer, nil, Options{OutputBucket: "cartoons", RateLimiter: limiter})

	rec := postEvent(t, srv, notification, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "3" {
		t.Fatalf("expected Retry-After 3, got %q", rec.Header().Get("Retry-After"))
	}
	if len(enqueuer.payloads) != 0 {
		t.Fatal("rate limited objects must not be enqueued")
	}
}

func TestPostEventsChargesEachBucketOnce(t *testing.T) {
	body := `{"Records":[
  {"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"uploads"},"object":{"key":"a.png"}}},
  {"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"uploads"},"object":{"key":"b.png"}}},
  {"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"scans"},"object":{"key":"c.png"}}}
]}`
	limiter := &fakeLimiter{}
	enqueuer := &fakeEnqueuer{}
	srv := NewServer(nil, enqueuer, nil, Options{OutputBucket: "cartoons", RateLimiter: limiter})

	rec := postEvent(t, srv, body, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(limiter.calls) != 2 {
		t.Fatalf("expected one charge per bucket, got %v", limiter.calls)
	}
	if limiter.calls[0] != (limiterCall{"uploads", 2}) || limiter.calls[1] != (limiterCall{"scans", 1}) {
		t.Fatalf("unexpected charges %v", limiter.calls)
	}
	if len(enqueuer.payloads) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(enqueuer.payloads))
	}
}

func TestPostEventsRateLimitRefusesWholeNotification(t *testing.T) {
	body := `{"Records":[
  {"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"uploads"},"object":{"key":"a.png"}}},
  {"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"scans"},"object":{"key":"c.png"}}}
]}`
	limiter := &fakeLimiter{deny: map[string]bool{"scans": true}}
	enqueuer := &fakeEnqueuer{}
	srv := NewServer(nil, enqueuer, nil, Options{OutputBucket: "cartoons", RateLimiter: limiter})

	rec := postEvent(t, srv, body, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if len(enqueuer.payloads) != 0 {
		t.Fatalf("expected nothing enqueued before the refusal, got %d", len(enqueuer.payloads))
	}
}

func TestPostEventsCountsUndecodableRecords(t *testing.T) {
	body := `{"Records":[
  {"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"uploads"},"object":{"key":"good.png"}}},
  {"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"uploads"},"object":{"key":"bad%zz.png"}}}
]}`
	enqueuer := &fakeEnqueuer{}
	srv := NewServer(nil, enqueuer, nil, Options{OutputBucket: "cartoons"})

	rec := postEvent(t, srv, body, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp eventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Accepted) != 1 || resp.Rejected != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(enqueuer.payloads) != 1 || enqueuer.payloads[0].Key != "good.png" {
		t.Fatalf("unexpected payloads %+v", enqueuer.payloads)
	}
}

func TestPostEventsRejectsMalformedBody(t *testing.T) {
	srv := NewServer(nil, &fakeEnqueuer{}, nil, Options{})
	for _, body := range []string{"", "{", `{"Records":[{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":""},"object":{"key":"a.png"}}}]}`} {
		if rec := postEvent(t, srv, body, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %q, got %d", body, rec.Code)
		}
	}
}

func TestGetJob(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	job := domain.NewJob("job-42", domain.ObjectRef{Bucket: "uploads", Key: "cat.png"}, time.Now())
	if err := jobStore.Create(context.Background(), job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	srv := NewServer(nil, &fakeEnqueuer{}, jobStore, Options{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/job-42", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got domain.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if got.ID != "job-42" || got.SourceKey != "cat.png" {
		t.Fatalf("unexpected job %+v", got)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	srv := NewServer(nil, &fakeEnqueuer{}, nil, Options{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from healthz, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "cartoonify_api_requests_total") {
		t.Fatalf("expected metrics output, got %d", rec.Code)
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/jobs/abc": "/v1/jobs/{id}",
		"/v1/events":   "/v1/events",
		"/healthz":     "/healthz",
		"/favicon.ico": "other",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func postEvent(t *testing.T, srv *Server, body, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

type fakeEnqueuer struct {
	err      error
	payloads []queue.CartoonifyPayload
}

func (f *fakeEnqueuer) EnqueueCartoonify(_ context.Context, payload queue.CartoonifyPayload) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, payload)
	return &asynq.TaskInfo{ID: payload.JobID, Queue: "cartoonify"}, nil
}

type limiterCall struct {
	bucket  string
	objects int
}

type fakeLimiter struct {
	deny  map[string]bool
	calls []limiterCall
}

func (f *fakeLimiter) Take(_ context.Context, bucket string, objects int) (ratelimit.Decision, error) {
	f.calls = append(f.calls, limiterCall{bucket, objects})
	if f.deny[bucket] {
		return ratelimit.Decision{Allowed: false, RetryAfter: 2600 * time.Millisecond}, nil
	}
	return ratelimit.Decision{Allowed: true, Remaining: 10}, nil
}
