package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// a type with service configuration parameters
type serviceConfig struct {
	// Port on which the admin API listens.
	Port int `json:"port" yaml:"port"`
	// Maximum number of allowed incoming connections.
	MaxConnections int `json:"maxConnections" yaml:"maxConnections"`
}

// a type with document store configuration parameters
type mongoConfig struct {
	// Connection URI, usually with ${ENV_VAR} credentials.
	Uri string `json:"uri" yaml:"uri"`
	// Name of the database holding the pipeline collections.
	Database string `json:"database" yaml:"database"`
}

// a type with task queue configuration parameters
type queueConfig struct {
	// Redis connection URI for the task queue.
	RedisUri string `json:"redisUri" yaml:"redisUri"`
	// Number of concurrent stage workers.
	Workers int `json:"workers" yaml:"workers"`
	// Interval between copier scans ("5m"); empty disables the schedule.
	ScanInterval time.Duration `json:"scanInterval" yaml:"scanInterval"`
	// Pause before a file's transient upload failures are retried.
	RetryPause time.Duration `json:"retryPause" yaml:"retryPause"`
}

// a type with file handling configuration parameters
type filesConfig struct {
	// Directory with one incoming subdirectory per partner id.
	IncomingDir string `json:"incomingDir" yaml:"incomingDir"`
	// Fallback directory for reports when a partner has no outgoing directory.
	ReportDir string `json:"reportDir" yaml:"reportDir"`
	// Records fetched per chunk during stage processing.
	ChunkSize int `json:"chunkSize" yaml:"chunkSize"`
}

// a type with outbound API configuration parameters
type apiConfig struct {
	// Timeout for outbound API calls.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// When true, upload calls are logged but never sent.
	Dryrun bool `json:"dryrun" yaml:"dryrun"`
}

// global config variables
var Service serviceConfig
var Mongo mongoConfig
var Queue queueConfig
var Files filesConfig
var Api apiConfig

// This struct performs the unmarshalling from the YAML config file and then
// copies its fields to the globals above.
type configFile struct {
	Service serviceConfig `yaml:"service"`
	Mongo   mongoConfig   `yaml:"mongo"`
	Queue   queueConfig   `yaml:"queue"`
	Files   filesConfig   `yaml:"files"`
	Api     apiConfig     `yaml:"api"`
}

// This helper reads configuration data, returning an error indicating success
// or failure. All environment variables of the form ${ENV_VAR} are expanded.
func readConfig(bytes []byte) error {
	// Before we do anything else, expand any provided environment variables.
	bytes = []byte(os.ExpandEnv(string(bytes)))

	var conf configFile
	conf.Service.Port = 8080
	conf.Service.MaxConnections = 100
	conf.Queue.Workers = 4
	conf.Queue.ScanInterval = 5 * time.Minute
	conf.Queue.RetryPause = 15 * time.Minute
	conf.Files.ChunkSize = 1000
	conf.Api.Timeout = 10 * time.Second
	err := yaml.Unmarshal(bytes, &conf)
	if err != nil {
		log.Printf("Couldn't parse configuration data: %s\n", err)
		return err
	}

	// copy the config data into place
	Service = conf.Service
	Mongo = conf.Mongo
	Queue = conf.Queue
	Files = conf.Files
	Api = conf.Api

	return err
}

// This helper validates the given service parameters, returning an
// error indicating success or failure.
func validateServiceParameters(params serviceConfig) error {
	if params.Port < 0 || params.Port > 65535 {
		return fmt.Errorf("Invalid port: %d (must be 0-65535)", params.Port)
	}
	if params.MaxConnections <= 0 {
		return fmt.Errorf("Invalid maxConnections: %d (must be positive)",
			params.MaxConnections)
	}
	return nil
}

// This helper validates the configuration, returning an error that indicates
// success or failure.
func validateConfig() error {
	err := validateServiceParameters(Service)
	if err != nil {
		return err
	}

	if Mongo.Uri == "" {
		return fmt.Errorf("No document store URI was provided!")
	}
	if Mongo.Database == "" {
		return fmt.Errorf("No document store database was provided!")
	}
	if Queue.RedisUri == "" {
		return fmt.Errorf("No queue URI was provided!")
	}
	if Queue.Workers <= 0 {
		return fmt.Errorf("Invalid workers: %d (must be positive)", Queue.Workers)
	}
	if Files.IncomingDir == "" {
		return fmt.Errorf("No incoming directory was provided!")
	}
	if Files.ChunkSize <= 0 {
		return fmt.Errorf("Invalid chunkSize: %d (must be positive)", Files.ChunkSize)
	}
	if Api.Timeout <= 0 {
		return fmt.Errorf("Invalid api timeout: %s (must be positive)", Api.Timeout)
	}
	return nil
}

// Initializes the pipeline configuration using the given YAML byte data.
func Init(yamlData []byte) error {

	// Read the configuration from our YAML file.
	err := readConfig(yamlData)
	if err != nil {
		return err
	}

	// Validate the configuration.
	err = validateConfig()
	return err
}
