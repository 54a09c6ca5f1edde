package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()

	// Containers pick the operating mode through the environment so the
	// same image can run as supervisor, worker, or gateway.
	if len(os.Args) == 1 {
		if mode := os.Getenv("COMFYRUN_MODE"); mode != "" {
			root.SetArgs([]string{mode})
		}
	}

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	ConfigPath  string
	MonitorOnly bool
}

// WorkerFlags holds flags for the worker command.
type WorkerFlags struct {
	ConfigPath string
	Addr       string
	ComfyURL   string
	InputDir   string
}

// GatewayFlags holds flags for the gateway command.
type GatewayFlags struct {
	ConfigPath   string
	Addr         string
	WorkerURL    string
	WorkflowPath string
}

// APIFlags holds connection flags for commands that talk to a running
// supervisor or gateway.
type APIFlags struct {
	AdminURL   string
	GatewayURL string
	Timeout    time.Duration
}

// HistoryFlags holds flags for the history command.
type HistoryFlags struct {
	ConfigPath string
	DSN        string
	Name       string
	Jobs       bool
	Limit      int
	PurgeAge   time.Duration
}

// GenerateFlags holds flags for the generate command.
type GenerateFlags struct {
	APIFlags
	Prompt  string
	Width   int
	Height  int
	Seed    int64
	SeedSet bool
	Output  string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createWorkerCommand(globalFlags),
		createGatewayCommand(globalFlags),
		createStatusCommand(),
		createStopCommand(),
		createGenerateCommand(),
		createHistoryCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "comfyrun",
		Short: "ComfyUI service supervisor and serving stack",
		Long: `Comfyrun supervises a ComfyUI deployment: it launches the ComfyUI
server, the job worker, and the public gateway in order, gates each launch on
an HTTP readiness probe, and tears the whole chain down together.

Examples:
  comfyrun serve --config=config.toml    # supervise the full chain
  comfyrun worker                        # run the job worker tier alone
  comfyrun gateway                       # run the public gateway alone
  comfyrun status                        # inspect a running supervisor
  comfyrun generate --prompt="a red fox" # render through the gateway`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Launch and supervise the service chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServe(serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.MonitorOnly, "monitor-only", false, "probe and watch services without launching them")
	return cmd
}

func createWorkerCommand(globalFlags *GlobalFlags) *cobra.Command {
	workerFlags := &WorkerFlags{}
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the job worker HTTP tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			workerFlags.ConfigPath = globalFlags.ConfigPath
			return runWorker(workerFlags)
		},
	}
	cmd.Flags().StringVar(&workerFlags.Addr, "addr", "", "listen address (default :8001)")
	cmd.Flags().StringVar(&workerFlags.ComfyURL, "comfy-url", "", "ComfyUI server URL (default http://127.0.0.1:8188)")
	cmd.Flags().StringVar(&workerFlags.InputDir, "input-dir", "", "ComfyUI input directory for uploaded images")
	return cmd
}

func createGatewayCommand(globalFlags *GlobalFlags) *cobra.Command {
	gatewayFlags := &GatewayFlags{}
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the public gateway HTTP tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			gatewayFlags.ConfigPath = globalFlags.ConfigPath
			return runGateway(gatewayFlags)
		},
	}
	cmd.Flags().StringVar(&gatewayFlags.Addr, "addr", "", "listen address (default :8000)")
	cmd.Flags().StringVar(&gatewayFlags.WorkerURL, "worker-url", "", "worker tier URL (default http://127.0.0.1:8001)")
	cmd.Flags().StringVar(&gatewayFlags.WorkflowPath, "workflow", "", "path to the workflow template JSON")
	return cmd
}

func createStatusCommand() *cobra.Command {
	apiFlags := &APIFlags{}
	var name string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service statuses from a running supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(apiFlags, name)
		},
	}
	addAPIFlags(cmd, apiFlags)
	cmd.Flags().StringVar(&name, "name", "", "show one service instead of all")
	return cmd
}

func createStopCommand() *cobra.Command {
	apiFlags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Shut down a running supervisor's services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(apiFlags)
		},
	}
	addAPIFlags(cmd, apiFlags)
	return cmd
}

func createGenerateCommand() *cobra.Command {
	f := &GenerateFlags{}
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Render an image through the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.SeedSet = cmd.Flags().Changed("seed")
			return runGenerate(f)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	cmd.Flags().StringVar(&f.Prompt, "prompt", "", "text prompt (required)")
	cmd.Flags().IntVar(&f.Width, "width", 0, "image width in pixels")
	cmd.Flags().IntVar(&f.Height, "height", 0, "image height in pixels")
	cmd.Flags().Int64Var(&f.Seed, "seed", 0, "sampler seed")
	cmd.Flags().StringVar(&f.Output, "out", "", "write the first image to this file instead of printing JSON")
	if err := cmd.MarkFlagRequired("prompt"); err != nil {
		panic(err)
	}
	return cmd
}

func createHistoryCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect persisted service runs and jobs",
		Long: `History reads the state store directly. Without flags it lists the
services currently recorded as running; --name shows past runs of one
service, --jobs shows recent generation jobs, and --purge-older-than
deletes stopped rows past the given age.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			return runHistory(f)
		},
	}
	cmd.Flags().StringVar(&f.DSN, "dsn", "", "store DSN (defaults to the config's [store] dsn)")
	cmd.Flags().StringVar(&f.Name, "name", "", "list past runs of one service")
	cmd.Flags().BoolVar(&f.Jobs, "jobs", false, "list recent generation jobs")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows to return")
	cmd.Flags().DurationVar(&f.PurgeAge, "purge-older-than", 0, "delete stopped rows older than this age")
	return cmd
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.AdminURL, "api-url", "http://127.0.0.1:9090", "supervisor admin URL")
	cmd.Flags().StringVar(&f.GatewayURL, "gateway-url", "http://127.0.0.1:8000", "gateway URL")
	cmd.Flags().DurationVar(&f.Timeout, "api-timeout", 10*time.Second, "request timeout")
}
