package services

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humamux"
	"github.com/gorilla/mux"
	"golang.org/x/net/netutil"

	"github.com/fileworks/sluice/config"
	"github.com/fileworks/sluice/copier"
	"github.com/fileworks/sluice/entities"
	"github.com/fileworks/sluice/fault"
	"github.com/fileworks/sluice/processing"
)

// Version numbers
var majorVersion = 0
var minorVersion = 1
var patchVersion = 0

// Version string
var version = fmt.Sprintf("%d.%d.%d", majorVersion, minorVersion, patchVersion)

// This type implements the PipelineService interface, exposing partner files
// and the manual pipeline controls: upload approval, on-demand reports, and
// API file deliveries.
type adminService struct {
	// name of the service
	Name string
	// service version identifier
	Version string
	// time which the service was started
	StartTime time.Time
	// port on which the service currently runs
	Port int
	// router for REST endpoints
	Router *mux.Router
	// API wrapper
	API huma.API
	// HTTP server.
	Server *http.Server

	env    *processing.Env
	queue  processing.Enqueuer
	copier *copier.Copier
}

type ServiceInfoOutput struct {
	Body ServiceInfoResponse `doc:"information about the service itself"`
}

// handler method for root
func (service *adminService) getRoot(ctx context.Context,
	input *struct{}) (*ServiceInfoOutput, error) {

	slog.Info("Querying root endpoint...")
	return &ServiceInfoOutput{
		Body: ServiceInfoResponse{
			Name:          service.Name,
			Version:       service.Version,
			Uptime:        int(service.uptime()),
			Documentation: "/docs",
		},
	}, nil
}

type PartnersOutput struct {
	Body []PartnerResponse `doc:"A list of configured partners"`
}

// handler method for querying all partners
func (service *adminService) getPartners(ctx context.Context,
	input *struct{}) (*PartnersOutput, error) {

	slog.Info("Querying partners...")
	partners, err := service.env.Admin.All(ctx)
	if err != nil {
		return nil, err
	}
	output := &PartnersOutput{Body: make([]PartnerResponse, 0, len(partners))}
	for _, partner := range partners {
		output.Body = append(output.Body, PartnerResponse{
			Id:     partner.Id,
			Name:   partner.Name,
			Active: partner.Active,
		})
	}
	return output, nil
}

type FileOutput struct {
	Body FileResponse `doc:"Information about the requested file"`
}

type FilesOutput struct {
	Body []FileResponse `doc:"A list of files in the requested status"`
}

// handler method for querying a single file
func (service *adminService) getFile(ctx context.Context,
	input *struct {
		Id int64 `path:"id" example:"42" doc:"the file's id"`
	}) (*FileOutput, error) {

	slog.Info(fmt.Sprintf("Querying file %d...", input.Id))
	file, err := service.env.DB.Files.Get(ctx, input.Id)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("File %d not found", input.Id))
	}
	return &FileOutput{Body: fileResponse(file)}, nil
}

// handler method for listing files by status
func (service *adminService) getFiles(ctx context.Context,
	input *struct {
		Status string `query:"status" example:"WAITING_APPROVAL_TO_UPLOAD" doc:"the file status to list"`
	}) (*FilesOutput, error) {

	status, err := statusFromString(input.Status)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity(err.Error())
	}
	slog.Info(fmt.Sprintf("Querying files in status %s...", status))
	files, err := service.env.DB.Files.FindByStatus(ctx, status)
	if err != nil {
		return nil, err
	}
	output := &FilesOutput{Body: make([]FileResponse, 0, len(files))}
	for _, file := range files {
		output.Body = append(output.Body, fileResponse(file))
	}
	return output, nil
}

type ApprovalOutput struct {
	Status int
}

// handler method for approving a held file for upload
func (service *adminService) approveFile(ctx context.Context,
	input *struct {
		Id int64 `path:"id" example:"42" doc:"the file's id"`
	}) (*ApprovalOutput, error) {

	err := processing.ApproveUpload(ctx, service.env, service.queue, input.Id)
	if err != nil {
		if fault.IsDomain(err) {
			return nil, huma.Error409Conflict(err.Error())
		}
		return nil, err
	}
	return &ApprovalOutput{Status: http.StatusAccepted}, nil
}

type ReportOutput struct {
	Status int
}

// handler method for running one of a file's outputs on demand
func (service *adminService) createReport(ctx context.Context,
	input *struct {
		Id          int64         `path:"id" example:"42" doc:"the file's id"`
		Body        ReportRequest `doc:"The body of a POST request for a report run"`
		ContentType string        `header:"Content-Type" doc:"Content-Type header (must be application/json)"`
	}) (*ReportOutput, error) {

	err := processing.TriggerReport(ctx, service.env, service.queue, input.Id, input.Body.OutputId)
	if err != nil {
		if fault.IsDomain(err) {
			return nil, huma.Error422UnprocessableEntity(err.Error())
		}
		return nil, err
	}
	return &ReportOutput{Status: http.StatusAccepted}, nil
}

type DeliveryOutput struct {
	Status int
}

// handler method for delivering a file through the API instead of the
// partner's drop directory
func (service *adminService) deliverFile(ctx context.Context,
	input *struct {
		Partner  string `path:"partner" example:"acme" doc:"the partner's id"`
		Filename string `query:"filename" example:"members-20240131.csv" doc:"name of the delivered file"`
		RawBody  []byte `doc:"the file's contents"`
	}) (*DeliveryOutput, error) {

	if input.Filename == "" {
		return nil, huma.Error422UnprocessableEntity("No filename was given")
	}
	slog.Info(fmt.Sprintf("Receiving %s for partner %s...", input.Filename, input.Partner))
	err := service.copier.Receive(ctx, input.Partner, input.Filename,
		strings.NewReader(string(input.RawBody)))
	if err != nil {
		if fault.IsDomain(err) {
			return nil, huma.Error422UnprocessableEntity(err.Error())
		}
		return nil, err
	}
	return &DeliveryOutput{Status: http.StatusCreated}, nil
}

// returns the uptime for the service in seconds
func (service *adminService) uptime() float64 {
	return time.Since(service.StartTime).Seconds()
}

// constructs the pipeline's admin service
func NewAdminService(env *processing.Env, queue processing.Enqueuer, cop *copier.Copier) (PipelineService, error) {
	service := new(adminService)
	service.Name = "Sluice"
	service.Version = version
	service.Port = -1
	service.env = env
	service.queue = queue
	service.copier = cop

	// set up routing
	service.Router = mux.NewRouter()
	api := humamux.New(service.Router, huma.DefaultConfig(service.Name, service.Version))
	huma.Get(api, "/", service.getRoot)

	// API v1
	huma.Get(api, "/api/v1/partners", service.getPartners)
	huma.Get(api, "/api/v1/files", service.getFiles)
	huma.Get(api, "/api/v1/files/{id}", service.getFile)
	huma.Post(api, "/api/v1/files/{id}/approve", service.approveFile)
	huma.Post(api, "/api/v1/files/{id}/reports", service.createReport)
	huma.Post(api, "/api/v1/partners/{partner}/files", service.deliverFile)

	return service, nil
}

// starts the admin service
func (service *adminService) Start(port int) error {
	slog.Info(fmt.Sprintf("Starting %s service on port %d...", service.Name, port))
	slog.Info(fmt.Sprintf("(Accepting up to %d connections)", config.Service.MaxConnections))

	service.StartTime = time.Now()

	// create a listener that limits the number of incoming connections
	service.Port = port
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return err
	}
	defer listener.Close()
	listener = netutil.LimitListener(listener, config.Service.MaxConnections)

	// start the server
	service.Server = &http.Server{
		Handler: service.Router}
	err = service.Server.Serve(listener)

	// we don't report the server closing as an error
	if err != http.ErrServerClosed {
		return err
	}
	return nil
}

// gracefully shuts down the service without interrupting active connections
func (service *adminService) Shutdown(ctx context.Context) error {
	if service.Server != nil {
		return service.Server.Shutdown(ctx)
	}
	return nil
}

// closes down the service abruptly, freeing all resources
func (service *adminService) Close() {
	if service.Server != nil {
		service.Server.Close()
	}
}

func fileResponse(file *entities.File) FileResponse {
	response := FileResponse{
		Id:                      file.Id,
		PartnerId:               file.PartnerId,
		FileTypeId:              file.FileTypeId,
		Name:                    file.Name,
		Status:                  file.Status.String(),
		ApproximateRows:         file.Stats.ApproximateRows,
		TotalRows:               file.Stats.TotalRows,
		LoadedRecordsSuccess:    file.Stats.LoadedRecordsSuccess,
		LoadedRecordsError:      file.Stats.LoadedRecordsError,
		ParsedRecordsSuccess:    file.Stats.ParsedRecordsSuccess,
		ParsedRecordsError:      file.Stats.ParsedRecordsError,
		ValidatedRecordsSuccess: file.Stats.ValidatedRecordsSuccess,
		ValidatedRecordsError:   file.Stats.ValidatedRecordsError,
		UploadedRecordsSuccess:  file.Stats.UploadedRecordsSuccess,
		UploadedRecordsError:    file.Stats.UploadedRecordsError,
		UploadedRecordsSkipped:  file.Stats.UploadedRecordsSkipped,
		Created:                 file.Created,
		Updated:                 file.Updated,
	}
	for _, entry := range file.RecentErrors {
		response.RecentErrors = append(response.RecentErrors, entry.Message)
	}
	return response
}

// all file statuses, for parsing status query parameters
var allStatuses = []entities.FileStatus{
	entities.FileNew, entities.FileLoading, entities.FileLoadError,
	entities.FileLoaded, entities.FileParsing, entities.FileParseError,
	entities.FileParsed, entities.FileValidating, entities.FileValidateError,
	entities.FileValidated, entities.FileWaitingApproval,
	entities.FileApprovedToUpload, entities.FileUploading,
	entities.FileUploadingRetryPause, entities.FileUploadError,
	entities.FileUploaded, entities.FileReporting, entities.FileReportError,
	entities.FileCompleted,
}

func statusFromString(name string) (entities.FileStatus, error) {
	for _, status := range allStatuses {
		if status.String() == name {
			return status, nil
		}
	}
	return 0, fmt.Errorf("Unknown file status: %s", name)
}
