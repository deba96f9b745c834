package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/mahoushoujyo-eee/eshell/internal/agent"
	"github.com/mahoushoujyo-eee/eshell/internal/config"
	"github.com/mahoushoujyo-eee/eshell/internal/database"
	"github.com/mahoushoujyo-eee/eshell/internal/events"
	"github.com/mahoushoujyo-eee/eshell/internal/handlers"
	"github.com/mahoushoujyo-eee/eshell/internal/inventory"
	"github.com/mahoushoujyo-eee/eshell/internal/llm"
	"github.com/mahoushoujyo-eee/eshell/internal/logging"
	"github.com/mahoushoujyo-eee/eshell/internal/serverstatus"
	"github.com/mahoushoujyo-eee/eshell/internal/session"
	"github.com/mahoushoujyo-eee/eshell/internal/sshaudit"
	"github.com/mahoushoujyo-eee/eshell/internal/sshconn"
	"github.com/mahoushoujyo-eee/eshell/internal/sshexec"
	"github.com/mahoushoujyo-eee/eshell/internal/sshfiles"
	"github.com/mahoushoujyo-eee/eshell/internal/sshterminal"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "eshell",
		Short: "Remote operations backend: SSH terminals, file transfer and an operations agent",
	}
	serveCmd := newServeCmd()
	rootCmd.RunE = serveCmd.RunE
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newImportCmd())
	rootCmd.AddCommand(newPurgeAuditCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// setup loads configuration and opens the database. The returned func
// releases both.
func setup() (func(), error) {
	config.Load()
	logging.Init()
	if err := database.Init(); err != nil {
		logging.Close()
		return nil, fmt.Errorf("database init: %w", err)
	}
	return func() {
		database.Close()
		logging.Close()
	}, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()
			return serve()
		},
	}
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-inventory <file.yaml>",
		Short: "Upsert targets, scripts and AI profiles from a YAML inventory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			sum, err := inventory.ImportFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d targets, %d scripts, %d AI profiles.\n", sum.Targets, sum.Scripts, sum.Profiles)
			return nil
		},
	}
}

func newPurgeAuditCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "purge-audit",
		Short: "Delete audit records older than the retention period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := sshaudit.NewAuditor(database.DB, config.Cfg.AuditRetentionDays).PurgeOlderThan(days)
			if err != nil {
				return fmt.Errorf("purge audit log: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d audit records.\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default ESHELL_AUDIT_RETENTION_DAYS)")
	return cmd
}

func serve() error {
	auditor := sshaudit.NewAuditor(database.DB, config.Cfg.AuditRetentionDays)
	purge, err := auditor.StartPurgeJob(config.Cfg.AuditPurgeSchedule)
	if err != nil {
		return err
	}
	defer purge.Stop()

	hub := events.NewHub(0)
	registry := session.NewRegistry(config.Cfg.OutputMaxChars)
	dialer := sshconn.NewConnector(config.Cfg.DialTimeout)
	targets := inventory.Source{}

	termMgr := sshterminal.NewSessionManager(registry, targets, dialer, hub, auditor, sshterminal.ManagerConfig{
		Cols: config.Cfg.PTYCols,
		Rows: config.Cfg.PTYRows,
		Worker: sshterminal.WorkerOptions{
			PollInterval: config.Cfg.PollInterval,
			WriteBackoff: config.Cfg.WriteBackoff,
		},
	})
	executor := sshexec.NewExecutor(registry, targets, dialer, targets, auditor)

	store, err := agent.OpenStore(config.AgentDir())
	if err != nil {
		return fmt.Errorf("agent store: %w", err)
	}
	planner := llm.NewPlanner(llm.NewClient(config.Cfg.LLMTimeout), targets.AIConfig)
	orch := agent.NewOrchestrator(store, planner, executor, hub, auditor)

	handlers.Sessions = termMgr
	handlers.Exec = executor
	handlers.Files = sshfiles.NewService(registry, targets, dialer, auditor)
	handlers.Status = serverstatus.NewCollector(registry, targets, dialer, serverstatus.NewCache())
	handlers.Agent = orch
	handlers.Hub = hub
	handlers.Auditor = auditor
	handlers.Inventory = targets

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/logs", handlers.GetServerLogs)
		r.Get("/audit", handlers.GetAuditLogs)
		r.Get("/events", handlers.EventStream)

		r.Get("/targets", handlers.ListTargets)
		r.Get("/scripts", handlers.ListScripts)

		// Sessions
		r.Get("/sessions", handlers.ListSessions)
		r.Post("/sessions", handlers.OpenSession)
		r.Delete("/sessions/{id}", handlers.CloseSession)
		r.Post("/sessions/{id}/input", handlers.WriteSessionInput)
		r.Post("/sessions/{id}/resize", handlers.ResizeSession)
		r.Post("/sessions/{id}/exec", handlers.ExecCommand)
		r.Post("/sessions/{id}/scripts/{scriptId}/run", handlers.RunScript)

		// Files
		r.Get("/sessions/{id}/files", handlers.ListFiles)
		r.Get("/sessions/{id}/files/read", handlers.ReadFile)
		r.Put("/sessions/{id}/files/write", handlers.WriteFile)
		r.Post("/sessions/{id}/files/upload", handlers.UploadFile)
		r.Get("/sessions/{id}/files/download", handlers.DownloadFile)

		// Server status
		r.Get("/sessions/{id}/status", handlers.GetServerStatus)
		r.Get("/sessions/{id}/status/cached", handlers.GetCachedStatus)

		// Operations agent
		r.Get("/agent/conversations", handlers.ListConversations)
		r.Post("/agent/conversations", handlers.CreateConversation)
		r.Get("/agent/conversations/{id}", handlers.GetConversation)
		r.Delete("/agent/conversations/{id}", handlers.DeleteConversation)
		r.Put("/agent/conversations/{id}/active", handlers.SetActiveConversation)
		r.Post("/agent/chat", handlers.StartChat)
		r.Get("/agent/actions", handlers.ListPendingActions)
		r.Post("/agent/actions/{id}/resolve", handlers.ResolveAction)
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
			os.Exit(1)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	termMgr.Shutdown(shutdownCtx)
	orch.Wait()
	log.Println("Server stopped")
	return nil
}
