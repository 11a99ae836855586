package services

import (
	"context"
	"time"
)

// this type encodes a JSON object for responding to root queries
type ServiceInfoResponse struct {
	Name          string `json:"name" example:"Sluice" doc:"The name of the service API"`
	Version       string `json:"version" example:"1.0.0" doc:"The version string (major.minor.patch)"`
	Uptime        int    `json:"uptime" example:"345600" doc:"The time the service has been up (seconds)"`
	Documentation string `json:"documentation" example:"/docs" doc:"The OpenAPI documentation endpoint"`
}

// a response describing one partner (GET)
type PartnerResponse struct {
	Id     string `json:"id" example:"acme"`
	Name   string `json:"name" example:"Acme Corp"`
	Active bool   `json:"active"`
}

// a response describing one file and its progress (GET)
type FileResponse struct {
	Id         int64  `json:"id"`
	PartnerId  string `json:"partnerId" example:"acme"`
	FileTypeId string `json:"fileTypeId" example:"daily-members"`
	Name       string `json:"name" example:"members-20240131-42.csv"`
	Status     string `json:"status" example:"VALIDATED"`
	// approximate row count from the copier's first pass over the delivery
	ApproximateRows int64 `json:"approximateRows,omitempty"`
	TotalRows       int64 `json:"totalRows,omitempty"`

	LoadedRecordsSuccess    int64 `json:"loadedRecordsSuccess,omitempty"`
	LoadedRecordsError      int64 `json:"loadedRecordsError,omitempty"`
	ParsedRecordsSuccess    int64 `json:"parsedRecordsSuccess,omitempty"`
	ParsedRecordsError      int64 `json:"parsedRecordsError,omitempty"`
	ValidatedRecordsSuccess int64 `json:"validatedRecordsSuccess,omitempty"`
	ValidatedRecordsError   int64 `json:"validatedRecordsError,omitempty"`
	UploadedRecordsSuccess  int64 `json:"uploadedRecordsSuccess,omitempty"`
	UploadedRecordsError    int64 `json:"uploadedRecordsError,omitempty"`
	UploadedRecordsSkipped  int64 `json:"uploadedRecordsSkipped,omitempty"`

	RecentErrors []string  `json:"recentErrors,omitempty" doc:"messages from the most recent stage run"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// a request to run one of a file's configured outputs (POST)
type ReportRequest struct {
	OutputId string `json:"outputId" example:"errors-report" doc:"id of the output to run"`
}

// PipelineService defines the interface for the pipeline's admin API.
type PipelineService interface {
	// Starts the service on the selected port, returning an error that indicates
	// success or failure.
	Start(port int) error
	// Gracefully shuts down the service without interrupting active connections.
	Shutdown(ctx context.Context) error
	// Closes down the service, freeing all resources.
	Close()
}
