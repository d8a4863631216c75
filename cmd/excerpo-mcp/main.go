package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"
	arbor_models "github.com/ternarybob/arbor/models"

	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/scheduler"
	"github.com/ternarybob/excerpo/internal/services/events"
	"github.com/ternarybob/excerpo/internal/services/llm"
	"github.com/ternarybob/excerpo/internal/storage/badger"
)

// The MCP server opens the store directly and never starts the worker
// pool: it enqueues and inspects jobs, the API server runs them. Badger
// holds an exclusive directory lock, so point EXCERPO_CONFIG at a store
// the API server is not using, or run the tools against its API instead.
func main() {
	configPath := os.Getenv("EXCERPO_CONFIG")
	if configPath == "" {
		configPath = "excerpo.toml"
	}

	var config *common.Config
	var err error
	if _, statErr := os.Stat(configPath); statErr == nil {
		config, err = common.LoadFromFiles(configPath)
	} else {
		config, err = common.LoadFromFiles()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Minimal logging to avoid cluttering MCP stdio
	logger := arbor.NewLogger().WithConsoleWriter(arbor_models.WriterConfiguration{
		Type:             arbor_models.LogWriterTypeConsole,
		TimeFormat:       "15:04:05",
		DisableTimestamp: false,
	}).WithLevelFromString("warn")

	storageManager, err := badger.NewManager(&config.Storage.Badger, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer storageManager.Close()

	// Unstarted scheduler: enqueue, retry, cancel, and metrics all work
	// against storage alone. No pipeline, so nothing here claims a job.
	queue := scheduler.New(config, scheduler.Deps{
		Storage: storageManager,
		Events:  events.NewService(logger),
		Prices:  llm.NewPriceTable(),
		Logger:  logger,
	})

	mcpServer := server.NewMCPServer(
		"excerpo",
		common.GetVersion(),
		server.WithToolCapabilities(true),
	)

	mcpServer.AddTool(createSubmitPaperTool(), handleSubmitPaper(storageManager.PaperStorage(), queue, logger))
	mcpServer.AddTool(createGetJobStatusTool(), handleGetJobStatus(queue, logger))
	mcpServer.AddTool(createListJobsTool(), handleListJobs(queue, logger))
	mcpServer.AddTool(createGetBatchMetricsTool(), handleGetBatchMetrics(queue, logger))
	mcpServer.AddTool(createRetryJobTool(), handleRetryJob(queue, logger))
	mcpServer.AddTool(createCancelJobTool(), handleCancelJob(queue, logger))

	// Blocks on stdio
	if err := server.ServeStdio(mcpServer); err != nil {
		logger.Fatal().Err(err).Msg("MCP server failed")
	}
}
