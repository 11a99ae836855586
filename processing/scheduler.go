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

package processing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/fileworks/sluice/entities"
	"github.com/fileworks/sluice/fault"
)

// pipeline step names, also used as queue task types
const (
	StepLoad     = "load"
	StepParse    = "parse"
	StepValidate = "validate"
	StepUpload   = "upload"
	StepReport   = "report"
)

func (e *Env) retryPause() time.Duration {
	if e.RetryPause > 0 {
		return e.RetryPause
	}
	return defaultRetryPause
}

// NextStep inspects a file's status and schedules whatever comes next: the
// following stage, a delayed upload retry, the review hold, report instances
// after upload, or completion once every report has finished. Error and hold
// statuses schedule nothing.
func NextStep(ctx context.Context, env *Env, q Enqueuer, fileId int64) error {
	file, err := env.DB.Files.Get(ctx, fileId)
	if err != nil {
		return err
	}
	if file == nil {
		return fmt.Errorf("file %d does not exist", fileId)
	}

	switch file.Status {
	case entities.FileNew:
		return q.Enqueue(ctx, StepLoad, fileId)
	case entities.FileLoaded:
		return q.Enqueue(ctx, StepParse, fileId)
	case entities.FileParsed:
		return q.Enqueue(ctx, StepValidate, fileId)
	case entities.FileValidated:
		return routeValidated(ctx, env, q, file)
	case entities.FileApprovedToUpload:
		return q.Enqueue(ctx, StepUpload, fileId)
	case entities.FileUploadingRetryPause:
		slog.Info(fmt.Sprintf("File %d pausing %s before upload retry", fileId, env.retryPause()))
		return q.EnqueueIn(ctx, StepUpload, fileId, env.retryPause())
	case entities.FileUploaded:
		return routeUploaded(ctx, env, q, file)
	case entities.FileReporting:
		return routeReporting(ctx, env, file)
	default:
		// error statuses and holds wait for an operator
		return nil
	}
}

// routeValidated applies the file type's review policy before upload.
func routeValidated(ctx context.Context, env *Env, q Enqueuer, file *entities.File) error {
	ents, err := env.Admin.FileEntities(ctx, file)
	if err != nil {
		return err
	}
	hold := false
	switch ents.FileType.RequireUploadReview {
	case entities.ReviewAlways:
		hold = true
	case entities.ReviewOnErrors:
		hold = file.Stats.ValidatedRecordsError > 0
	}
	if !hold {
		return q.Enqueue(ctx, StepUpload, file.Id)
	}
	matched, err := env.DB.Files.Update(ctx,
		bson.M{"_id": file.Id, "status": entities.FileValidated},
		bson.M{"$set": bson.M{
			"status":  entities.FileWaitingApproval,
			"updated": time.Now().UTC(),
		}},
	)
	if err == nil && matched > 0 {
		slog.Info(fmt.Sprintf("File %d is waiting for upload approval", file.Id))
	}
	return err
}

// routeUploaded creates an instance for every automatic output and moves the
// file to REPORTING, or straight to COMPLETED when there is nothing to report.
func routeUploaded(ctx context.Context, env *Env, q Enqueuer, file *entities.File) error {
	ents, err := env.Admin.FileEntities(ctx, file)
	if err != nil {
		return err
	}
	var instances []entities.OutputInstance
	for _, output := range ents.FileType.Outputs {
		if output.Active && output.File.RunAutomatic {
			instances = append(instances, entities.OutputInstance{
				Id:       uuid.NewString(),
				OutputId: output.Id,
				Status:   entities.OutputInstanceNew,
			})
		}
	}
	if len(instances) == 0 {
		_, err := env.DB.Files.Update(ctx,
			bson.M{"_id": file.Id, "status": entities.FileUploaded},
			bson.M{"$set": bson.M{
				"status":  entities.FileCompleted,
				"updated": time.Now().UTC(),
			}},
		)
		return err
	}
	matched, err := env.DB.Files.Update(ctx,
		bson.M{"_id": file.Id, "status": entities.FileUploaded},
		bson.M{
			"$set": bson.M{
				"status":  entities.FileReporting,
				"updated": time.Now().UTC(),
			},
			"$addToSet": bson.M{"outputs": bson.M{"$each": toAnySlice(instances)}},
		},
	)
	if err != nil || matched == 0 {
		return err
	}
	for _, instance := range instances {
		if err := q.EnqueueReport(ctx, file.Id, instance.Id); err != nil {
			return err
		}
	}
	return nil
}

// routeReporting completes the file once every output instance has finished.
func routeReporting(ctx context.Context, env *Env, file *entities.File) error {
	for _, instance := range file.Outputs {
		if !instance.Status.Terminal() {
			return nil
		}
	}
	_, err := env.DB.Files.Update(ctx,
		bson.M{"_id": file.Id, "status": entities.FileReporting},
		bson.M{"$set": bson.M{
			"status":  entities.FileCompleted,
			"updated": time.Now().UTC(),
		}},
	)
	return err
}

// ApproveUpload releases a file held for review. It fails when the file is
// not actually waiting.
func ApproveUpload(ctx context.Context, env *Env, q Enqueuer, fileId int64) error {
	matched, err := env.DB.Files.Update(ctx,
		bson.M{"_id": fileId, "status": entities.FileWaitingApproval},
		bson.M{"$set": bson.M{
			"status":  entities.FileApprovedToUpload,
			"updated": time.Now().UTC(),
		}},
	)
	if err != nil {
		return err
	}
	if matched == 0 {
		return fault.NewValidationError("file %d is not waiting for approval", fileId)
	}
	slog.Info(fmt.Sprintf("File %d approved for upload", fileId))
	return q.Enqueue(ctx, StepUpload, fileId)
}

// TriggerReport runs one output on demand for an uploaded or completed file.
func TriggerReport(ctx context.Context, env *Env, q Enqueuer, fileId int64, outputId string) error {
	file, err := env.DB.Files.Get(ctx, fileId)
	if err != nil {
		return err
	}
	if file == nil {
		return fault.NewValidationError("file %d does not exist", fileId)
	}
	if file.Status < entities.FileUploaded {
		return fault.NewValidationError(
			"file %d is %s; reports need an uploaded file", fileId, file.Status)
	}
	ents, err := env.Admin.FileEntities(ctx, file)
	if err != nil {
		return err
	}
	if ents.FileType.Output(outputId) == nil {
		return fault.NewValidationError(
			"file type %s has no output %s", ents.FileType.Id, outputId)
	}
	instance := entities.OutputInstance{
		Id:       uuid.NewString(),
		OutputId: outputId,
		Status:   entities.OutputInstanceNew,
	}
	_, err = env.DB.Files.Update(ctx,
		bson.M{"_id": fileId},
		bson.M{
			"$set":      bson.M{"updated": time.Now().UTC()},
			"$addToSet": bson.M{"outputs": bson.M{"$each": []any{instance}}},
		},
	)
	if err != nil {
		return err
	}
	return q.EnqueueReport(ctx, fileId, instance.Id)
}

func toAnySlice(instances []entities.OutputInstance) []any {
	items := make([]any, len(instances))
	for i := range instances {
		items[i] = instances[i]
	}
	return items
}
