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

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fileworks/sluice/processing"
)

// A Scanner is the copier's surface the worker needs for periodic scans.
type Scanner interface {
	ScanAll(ctx context.Context) error
}

// A Worker consumes pipeline tasks. After each successful stage it asks the
// status scheduler for the file's next step, so a file flows through the
// pipeline one task at a time. Stages that lose the status claim are dropped
// without retry; infrastructure errors are retried by the queue.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
}

// NewWorker builds a worker with the given parallelism. scanner may be nil
// when this worker should not run copier scans; scanInterval of 0 disables
// the periodic scan schedule.
func NewWorker(redisURI string, concurrency int, env *processing.Env, enq processing.Enqueuer, scanner Scanner, scanInterval time.Duration) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURI)
	if err != nil {
		return nil, fmt.Errorf("parsing queue URI: %w", err)
	}
	server := asynq.NewServer(opt, asynq.Config{Concurrency: concurrency})

	w := &Worker{server: server, mux: asynq.NewServeMux()}
	w.mux.HandleFunc(TaskFileLoad, stageHandler(env, enq, processing.Load))
	w.mux.HandleFunc(TaskFileParse, stageHandler(env, enq, processing.Parse))
	w.mux.HandleFunc(TaskFileValidate, stageHandler(env, enq, processing.Validate))
	w.mux.HandleFunc(TaskFileUpload, stageHandler(env, enq, processing.Upload))
	w.mux.HandleFunc(TaskFileReport, reportHandler(env, enq))
	if scanner != nil {
		w.mux.HandleFunc(TaskCopierScan, func(ctx context.Context, task *asynq.Task) error {
			return scanner.ScanAll(ctx)
		})
		if scanInterval > 0 {
			scheduler := asynq.NewScheduler(opt, nil)
			spec := fmt.Sprintf("@every %s", scanInterval)
			if _, err := scheduler.Register(spec, asynq.NewTask(TaskCopierScan, nil)); err != nil {
				return nil, fmt.Errorf("registering scan schedule: %w", err)
			}
			w.scheduler = scheduler
		}
	}
	return w, nil
}

// Start begins consuming tasks and, when configured, the periodic scan
// schedule.
func (w *Worker) Start() error {
	if err := w.server.Start(w.mux); err != nil {
		return err
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			w.server.Shutdown()
			return err
		}
	}
	return nil
}

// Shutdown drains in-flight tasks and stops.
func (w *Worker) Shutdown() {
	if w.scheduler != nil {
		w.scheduler.Shutdown()
	}
	w.server.Shutdown()
}

func stageHandler(env *processing.Env, enq processing.Enqueuer, stage func(context.Context, *processing.Env, int64, ...int64) error) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		payload, err := decodePayload(task)
		if err != nil {
			return err
		}
		if err := stage(ctx, env, payload.FileId); err != nil {
			if processing.IsNotClaimed(err) {
				slog.Info(fmt.Sprintf("Dropping %s: %s", task.Type(), err.Error()))
				return nil
			}
			return err
		}
		return processing.NextStep(ctx, env, enq, payload.FileId)
	}
}

func reportHandler(env *processing.Env, enq processing.Enqueuer) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		payload, err := decodePayload(task)
		if err != nil {
			return err
		}
		if err := processing.Report(ctx, env, payload.FileId, payload.InstanceId); err != nil {
			if processing.IsNotClaimed(err) {
				slog.Info(fmt.Sprintf("Dropping %s: %s", task.Type(), err.Error()))
				return nil
			}
			return err
		}
		return processing.NextStep(ctx, env, enq, payload.FileId)
	}
}

func decodePayload(task *asynq.Task) (*filePayload, error) {
	var payload filePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return nil, fmt.Errorf("malformed %s payload: %w: %w", task.Type(), err, asynq.SkipRetry)
	}
	return &payload, nil
}
