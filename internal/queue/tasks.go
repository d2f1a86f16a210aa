package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/cartoonify/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeCartoonifyObject = "object:cartoonify"

type CartoonifyPayload struct {
	JobID      string    `json:"job_id"`
	Bucket     string    `json:"bucket"`
	Key        string    `json:"key"`
	Size       int64     `json:"size,omitempty"`
	EventName  string    `json:"event_name,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

func PayloadForJob(job domain.Job) CartoonifyPayload {
	return CartoonifyPayload{
		JobID:      job.ID,
		Bucket:     job.SourceBucket,
		Key:        job.SourceKey,
		Size:       job.SourceSize,
		EventName:  job.EventName,
		ReceivedAt: job.CreatedAt,
	}
}

func (p CartoonifyPayload) Validate() error {
	if strings.TrimSpace(p.JobID) == "" {
		return errors.New("job_id is required")
	}
	if strings.TrimSpace(p.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.TrimSpace(p.Key) == "" {
		return errors.New("key is required")
	}
	return nil
}

func NewCartoonifyTask(payload CartoonifyPayload) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal cartoonify payload: %w", err)
	}
	return asynq.NewTask(TypeCartoonifyObject, body), nil
}

func ParseCartoonifyPayload(task *asynq.Task) (CartoonifyPayload, error) {
	var payload CartoonifyPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return CartoonifyPayload{}, fmt.Errorf("unmarshal cartoonify payload: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return CartoonifyPayload{}, fmt.Errorf("invalid cartoonify payload: %w", err)
	}
	return payload, nil
}
