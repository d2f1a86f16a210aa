package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

type Options struct {
	Queue    string
	MaxRetry int
	Timeout  time.Duration
}

type Client struct {
	client *asynq.Client
	opts   Options
}

func NewClient(redisOpt asynq.RedisClientOpt, opts Options) *Client {
	if opts.Queue == "" {
		opts.Queue = "default"
	}
	if opts.MaxRetry < 0 {
		opts.MaxRetry = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Minute
	}
	return &Client{
		client: asynq.NewClient(redisOpt),
		opts:   opts,
	}
}

// EnqueueCartoonify schedules one object for processing. The job ID is used as
// the task ID so a redelivered notification cannot queue the same job twice.
func (c *Client) EnqueueCartoonify(ctx context.Context, payload CartoonifyPayload) (*asynq.TaskInfo, error) {
	task, err := NewCartoonifyTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, c.taskOptions(payload)...)
}

func (c *Client) taskOptions(payload CartoonifyPayload) []asynq.Option {
	return []asynq.Option{
		asynq.Queue(c.opts.Queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(c.opts.MaxRetry),
		asynq.Timeout(c.opts.Timeout),
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}
