// Copyright (c) 2024 The Sluice Project and its Contributors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package queue carries pipeline steps over Redis. Each step of each file is
// one task; workers pull tasks, run the stage, and ask the scheduler for the
// next step. Delayed delivery implements the upload retry pause.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// task type names
const (
	TaskFileLoad     = "file:load"
	TaskFileParse    = "file:parse"
	TaskFileValidate = "file:validate"
	TaskFileUpload   = "file:upload"
	TaskFileReport   = "file:report"
	TaskCopierScan   = "copier:scan"
)

// stepTask maps a pipeline step name to its task type.
func stepTask(step string) string {
	return "file:" + step
}

type filePayload struct {
	FileId     int64  `json:"fileId"`
	InstanceId string `json:"instanceId,omitempty"`
}

// A Client enqueues pipeline steps. It implements processing.Enqueuer.
type Client struct {
	client *asynq.Client
}

// NewClient connects to the Redis queue at the given URI.
func NewClient(redisURI string) (*Client, error) {
	opt, err := asynq.ParseRedisURI(redisURI)
	if err != nil {
		return nil, fmt.Errorf("parsing queue URI: %w", err)
	}
	return &Client{client: asynq.NewClient(opt)}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Enqueue schedules a pipeline step for immediate processing.
func (c *Client) Enqueue(ctx context.Context, step string, fileId int64) error {
	return c.enqueue(ctx, stepTask(step), filePayload{FileId: fileId})
}

// EnqueueIn schedules a pipeline step after a delay.
func (c *Client) EnqueueIn(ctx context.Context, step string, fileId int64, delay time.Duration) error {
	return c.enqueue(ctx, stepTask(step), filePayload{FileId: fileId}, asynq.ProcessIn(delay))
}

// EnqueueReport schedules one output instance.
func (c *Client) EnqueueReport(ctx context.Context, fileId int64, instanceId string) error {
	return c.enqueue(ctx, TaskFileReport, filePayload{FileId: fileId, InstanceId: instanceId})
}

// EnqueueScan schedules a copier scan over every partner's incoming
// directory.
func (c *Client) EnqueueScan(ctx context.Context) error {
	return c.enqueue(ctx, TaskCopierScan, filePayload{})
}

func (c *Client) enqueue(ctx context.Context, taskType string, payload filePayload, opts ...asynq.Option) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, asynq.NewTask(taskType, raw), opts...)
	if err != nil {
		return fmt.Errorf("enqueuing %s for file %d: %w", taskType, payload.FileId, err)
	}
	return nil
}
