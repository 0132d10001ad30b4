package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	internal_http "github.com/taskgrid/taskgrid/internal/http"
	"github.com/taskgrid/taskgrid/internal/log"
	internal_storage "github.com/taskgrid/taskgrid/internal/storage"
	"github.com/taskgrid/taskgrid/pkg/engine"
	"github.com/taskgrid/taskgrid/pkg/models"
	"github.com/taskgrid/taskgrid/pkg/service"
)

// workflowFile is the JSON shape accepted by `create --file`.
type workflowFile struct {
	Name             string                  `json:"name"`
	Steps            []models.WorkflowStep   `json:"steps"`
	Dependencies     []models.StepDependency `json:"dependencies"`
	MaxParallelSteps int                     `json:"max_parallel_steps"`
	TimeoutSeconds   int64                   `json:"timeout_seconds"`
	Context          models.Payload          `json:"context"`
}

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("db", "", "Database connection string")

	createCmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a workflow, optionally with a step graph from --file",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, closeFn := newService(cmd)
			defer closeFn()

			file, _ := cmd.Flags().GetString("file")
			var def workflowFile
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					fail("read workflow file: %v", err)
				}
				if err := json.Unmarshal(data, &def); err != nil {
					fail("parse workflow file: %v", err)
				}
			}
			if len(args) == 1 {
				def.Name = args[0]
			}

			var opts []service.WorkflowOption
			if def.MaxParallelSteps > 0 {
				opts = append(opts, service.WithMaxParallelSteps(def.MaxParallelSteps))
			}
			if def.TimeoutSeconds > 0 {
				opts = append(opts, service.WithWorkflowTimeout(time.Duration(def.TimeoutSeconds)*time.Second))
			}
			if def.Context != nil {
				opts = append(opts, service.WithContext(def.Context))
			}
			id, err := svc.CreateWorkflow(def.Name, def.Steps, def.Dependencies, opts...)
			if err != nil {
				fail("failed to create workflow: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Created workflow '%s' with ID %d\n", def.Name, id)
		},
	}
	createCmd.Flags().String("file", "", "JSON workflow definition (steps and dependencies)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all workflows",
		Run: func(cmd *cobra.Command, args []string) {
			svc, closeFn := newService(cmd)
			defer closeFn()
			workflows, err := svc.ListWorkflows()
			if err != nil {
				fail("failed to list workflows: %v", err)
			}
			if len(workflows) == 0 {
				fmt.Fprintf(os.Stdout, "No workflows found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Workflows:\n")
			for _, wf := range workflows {
				fmt.Fprintf(os.Stdout, "- ID: %d, Name: %s, Status: %s, Created: %s\n",
					wf.ID, wf.Name, wf.Status, wf.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status [id]",
		Short: "Show a workflow with its steps",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, closeFn := newService(cmd)
			defer closeFn()
			wf, err := svc.GetWorkflowGraph(parseID(args[0]))
			if err != nil {
				fail("failed to get workflow: %v", err)
			}
			fmt.Fprintf(os.Stdout, "Workflow %d '%s': %s\n", wf.ID, wf.Name, wf.Status)
			for _, s := range wf.Steps {
				line := fmt.Sprintf("- %s (%s): %s", s.ID, s.StepType, s.Status)
				if s.ErrorInfo != "" {
					line += " [" + s.ErrorInfo + "]"
				}
				fmt.Fprintln(os.Stdout, line)
			}
		},
	}

	auditCmd := &cobra.Command{
		Use:   "audit [id]",
		Short: "Show a workflow's state transition trail",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, closeFn := newService(cmd)
			defer closeFn()
			entries, err := svc.GetAudit(parseID(args[0]))
			if err != nil {
				fail("failed to get audit trail: %v", err)
			}
			for _, e := range entries {
				fmt.Fprintf(os.Stdout, "%s %s: %s -> %s (%s)\n",
					e.LoggedAt.Format(time.RFC3339), e.NodeID, e.FromStatus, e.ToStatus, e.Message)
			}
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and scheduler",
		Run: func(cmd *cobra.Command, args []string) {
			port, _ := cmd.Flags().GetString("port")
			dbConnStr, _ := cmd.Flags().GetString("db")
			store := initStore(dbConnStr)
			defer store.Close()
			reg := prometheus.NewRegistry()
			svc := service.NewWorkflowServiceWithConfig(context.Background(), store, log.GetLogger(), engine.DefaultConfig(), nil, reg)
			defer svc.Stop()
			if err := internal_http.StartServer(port, svc, reg); err != nil {
				fail("server: %v", err)
			}
		},
	}
	serveCmd.Flags().String("port", "8080", "Port to serve the API on")

	rootCmd.AddCommand(createCmd, listCmd, statusCmd, auditCmd, serveCmd,
		workflowVerbCmd("start", "Start a READY workflow", (*service.WorkflowService).StartWorkflow),
		workflowVerbCmd("pause", "Pause a running workflow", (*service.WorkflowService).PauseWorkflow),
		workflowVerbCmd("resume", "Resume a paused workflow", (*service.WorkflowService).ResumeWorkflow),
		workflowVerbCmd("cancel", "Cancel a workflow", (*service.WorkflowService).CancelWorkflow))
}

func workflowVerbCmd(verb, short string, fn func(*service.WorkflowService, int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " [id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, closeFn := newService(cmd)
			defer closeFn()
			id := parseID(args[0])
			if err := fn(svc, id); err != nil {
				fail("failed to %s workflow %d: %v", verb, id, err)
			}
			fmt.Fprintf(os.Stdout, "Workflow %d: %s requested\n", id, verb)
		},
	}
}

func newService(cmd *cobra.Command) (*service.WorkflowService, func()) {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		fail("error retrieving db flag: %v", err)
	}
	store := initStore(dbConnStr)
	svc := service.NewWorkflowService(context.Background(), store, log.GetLogger())
	return svc, func() {
		svc.Stop()
		if err := store.Close(); err != nil {
			log.GetLogger().Errorf("Failed to close store: %v", err)
		}
	}
}

func parseID(arg string) int64 {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		fail("error parsing id as number: %v", err)
	}
	return id
}

func fail(format string, args ...interface{}) {
	log.GetLogger().Errorf(format, args...)
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func initStore(dbConnStr string) *internal_storage.PostgresStore {
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		fail("failed to initialize store: %v", err)
	}
	return store
}
