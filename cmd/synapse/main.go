// Command synapse runs the agent core: `synapse serve` starts the HTTP
// facade, `synapse ask` drives a single request from the terminal.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"synapse/internal/agent"
	"synapse/internal/config"
	"synapse/internal/embedding"
	"synapse/internal/journal"
	"synapse/internal/keys"
	"synapse/internal/logging"
	"synapse/internal/sandbox"
	"synapse/internal/server"
	"synapse/internal/store"
	"synapse/internal/syntax"
	"synapse/internal/tools"
)

var (
	flagDataRoot string
	flagProvider string
	flagAddr     string
	flagWorkers  int
)

func main() {
	root := &cobra.Command{
		Use:   "synapse",
		Short: "Autonomous code-assistance agent core",
	}
	root.PersistentFlags().StringVar(&flagDataRoot, "data", "data", "data root directory")
	root.PersistentFlags().StringVar(&flagProvider, "provider", "ollama", "embedding/LLM provider (ollama|genai)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP facade",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&flagAddr, "addr", ":5002", "listen address")
	serveCmd.Flags().IntVar(&flagWorkers, "workers", 4, "concurrent agent workers")

	askCmd := &cobra.Command{
		Use:   "ask <project_id> <prompt>",
		Short: "Run a single agent request",
		Args:  cobra.ExactArgs(2),
		RunE:  runAsk,
	}

	root.AddCommand(serveCmd, askCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap assembles the core from the data root.
func bootstrap() (*agent.Service, *config.Manager, *zap.Logger, error) {
	log, err := zap.NewProduction()
	if err != nil {
		return nil, nil, nil, err
	}

	if err := logging.Initialize(flagDataRoot); err != nil {
		log.Warn("file logging unavailable", zap.Error(err))
	}

	cfgMgr := config.NewManager(flagDataRoot)

	rotator := keys.NewRotator()
	if err := rotator.Load("keys.json", filepath.Join(flagDataRoot, "keys.json")); err != nil {
		// Degraded service: the loop still runs and explains itself.
		log.Warn("no credentials loaded; model calls will fail", zap.Error(err))
	}

	aiCfg := embedding.DefaultConfig()
	aiCfg.Provider = flagProvider
	ai, err := embedding.NewService(aiCfg, rotator)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("embedding engine: %w", err)
	}

	vault, err := store.OpenMemoryVault(cfgMgr.VaultDir())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("memory vault: %w", err)
	}

	validator := syntax.NewValidator()
	guard := sandbox.NewGuard(cfgMgr)
	fsTools := tools.NewFSTools(cfgMgr, guard)

	registry := tools.NewRegistry()
	registry.MustRegister(fsTools.ReadFileTool())
	registry.MustRegister(fsTools.ListDirTool())
	registry.MustRegister(fsTools.PatternSearchTool())
	registry.MustRegister(fsTools.ApplyEditTool(validator))
	registry.MustRegister(tools.RunCommandTool(cfgMgr))
	registry.MustRegister(tools.ExecuteCodeTool())
	registry.MustRegister(tools.FinalAnswerTool())

	// Restore any half-written files left by a crash.
	if restored := journal.RecoverPending(flagDataRoot); len(restored) > 0 {
		log.Warn("recovered journaled writes", zap.Strings("files", restored))
	}

	service := agent.NewService(cfgMgr, ai, registry, vault)
	return service, cfgMgr, log, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	service, cfgMgr, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer log.Sync()
	defer logging.CloseAll()

	srv := server.New(service, cfgMgr, log, flagWorkers)
	return srv.Start(flagAddr)
}

func runAsk(cmd *cobra.Command, args []string) error {
	service, _, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer log.Sync()
	defer logging.CloseAll()
	defer service.Close()

	projectID, prompt := args[0], args[1]

	observer := agent.ObserverFunc(func(ev agent.Event) {
		fmt.Fprintf(os.Stderr, "[%s] %s\n", ev.Phase, ev.Payload)
	})

	answer := service.Run(context.Background(), agent.Request{
		ProjectID: projectID,
		SessionID: "cli",
		Prompt:    prompt,
	}, observer)

	fmt.Println(answer)
	return nil
}
