package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fileworks/sluice/admin"
	"github.com/fileworks/sluice/config"
	"github.com/fileworks/sluice/copier"
	"github.com/fileworks/sluice/functions"
	"github.com/fileworks/sluice/processing"
	"github.com/fileworks/sluice/queue"
	"github.com/fileworks/sluice/services"
	"github.com/fileworks/sluice/store"
)

// Prints usage info.
func usage() {
	fmt.Fprintf(os.Stderr, "%s: usage:\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "%s <config_file> [serve|scan-functions|upsert-functions]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "See README.md for details on config files.\n")
	os.Exit(1)
}

// builds the function registry with the stock handlers
func buildRegistry(api *functions.ApiClient) *functions.Registry {
	registry := functions.NewRegistry()
	if err := functions.RegisterBuiltins(registry, api); err != nil {
		log.Panicf("Couldn't register functions: %s\n", err.Error())
	}
	return registry
}

// prints the function catalog as JSON, for review or version control
func scanFunctions() {
	registry := buildRegistry(nil)
	if err := functions.WriteCatalog(os.Stdout, functions.Catalog(registry)); err != nil {
		log.Panicf("Couldn't write the function catalog: %s\n", err.Error())
	}
}

// writes the function catalog into the document store
func upsertFunctions() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, conn, err := store.Connect(ctx, config.Mongo.Uri, config.Mongo.Database)
	if err != nil {
		log.Panicf("Couldn't connect to the document store: %s\n", err.Error())
	}
	defer conn.Close(ctx)

	registry := buildRegistry(nil)
	catalog := functions.Catalog(registry)
	if err := db.Functions.Upsert(ctx, catalog); err != nil {
		log.Panicf("Couldn't upsert the function catalog: %s\n", err.Error())
	}
	log.Printf("Upserted %d functions\n", len(catalog))
}

// runs the worker, the copier schedule, and the admin API until signalled
func serve() {
	ctx := context.Background()

	db, conn, err := store.Connect(ctx, config.Mongo.Uri, config.Mongo.Database)
	if err != nil {
		log.Panicf("Couldn't connect to the document store: %s\n", err.Error())
	}
	defer conn.Close(ctx)

	cache := admin.NewCache(db.Partners, db.Functions, 30*time.Second)
	api := functions.NewApiClient(db.ApiLogs, config.Api.Timeout, config.Api.Dryrun)
	sql, err := functions.NewSqlExecutor()
	if err != nil {
		log.Panicf("Couldn't create the SQL executor: %s\n", err.Error())
	}
	defer sql.Close()

	env := &processing.Env{
		DB:         db,
		Admin:      cache,
		Registry:   buildRegistry(api),
		Api:        api,
		Sql:        sql,
		ChunkSize:  config.Files.ChunkSize,
		RetryPause: config.Queue.RetryPause,
		ReportDir:  config.Files.ReportDir,
	}

	client, err := queue.NewClient(config.Queue.RedisUri)
	if err != nil {
		log.Panicf("Couldn't connect to the queue: %s\n", err.Error())
	}
	defer client.Close()

	cop := copier.New(db, cache, env, client, config.Files.IncomingDir)
	worker, err := queue.NewWorker(config.Queue.RedisUri, config.Queue.Workers,
		env, client, cop, config.Queue.ScanInterval)
	if err != nil {
		log.Panicf("Couldn't create the worker: %s\n", err.Error())
	}
	if err := worker.Start(); err != nil {
		log.Panicf("Couldn't start the worker: %s\n", err.Error())
	}

	service, err := services.NewAdminService(env, client, cop)
	if err != nil {
		log.Panicf("Couldn't create the service: %s\n", err.Error())
	}

	// Start the service in a goroutine so it doesn't block.
	go func() {
		err = service.Start(config.Service.Port)
		if err != nil {
			log.Println(err.Error())
		}
	}()

	// Intercept the SIGINT, SIGHUP, SIGTERM, and SIGQUIT signals, shutting down
	// the service as gracefully as possible if they are encountered.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	// Block till we receive one of the above signals.
	<-sigChan

	// Create a deadline to wait for.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Wait for in-flight tasks and connections until the deadline elapses.
	worker.Shutdown()
	service.Shutdown(shutdownCtx)
	log.Println("Shutting down")
}

func main() {

	// The first argument is the configuration filename.
	if len(os.Args) < 2 {
		usage()
	}
	configFile := os.Args[1]

	// Read the configuration file.
	log.Printf("Reading configuration from '%s'...\n", configFile)
	b, err := os.ReadFile(configFile)
	if err != nil {
		log.Panicf("Couldn't read %s: %s\n", configFile, err.Error())
	}

	// Initialize our configuration.
	if err := config.Init(b); err != nil {
		log.Panicf("Couldn't initialize the configuration: %s\n", err.Error())
	}

	command := "serve"
	if len(os.Args) > 2 {
		command = os.Args[2]
	}
	switch command {
	case "serve":
		serve()
	case "scan-functions":
		scanFunctions()
	case "upsert-functions":
		upsertFunctions()
	default:
		usage()
	}
	os.Exit(0)
}
