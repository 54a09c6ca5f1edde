package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/comfyrun/comfyrun"
	"github.com/comfyrun/comfyrun/internal/config"
	"github.com/comfyrun/comfyrun/internal/gateway"
	"github.com/comfyrun/comfyrun/internal/history"
	historyfactory "github.com/comfyrun/comfyrun/internal/history/factory"
	"github.com/comfyrun/comfyrun/internal/logger"
	"github.com/comfyrun/comfyrun/internal/sequencer"
	"github.com/comfyrun/comfyrun/internal/server"
	storefactory "github.com/comfyrun/comfyrun/internal/store/factory"
	"github.com/comfyrun/comfyrun/internal/worker"
	"github.com/comfyrun/comfyrun/pkg/client"
)

func runServe(flags *ServeFlags) error {
	if flags.ConfigPath == "" {
		return fmt.Errorf("config file required. Use --config=config.toml or provide as argument")
	}
	fc, err := config.Load(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.Setup(fc.LogLevel)

	seqCfg, err := fc.SequencerConfig()
	if err != nil {
		return err
	}
	if flags.MonitorOnly {
		seqCfg.MonitorOnly = true
	}

	withMetrics := fc.Server != nil && fc.Server.Metrics
	if withMetrics {
		if err := comfyrun.RegisterMetricsDefault(); err != nil {
			log.Warn("metrics registration failed", "err", err)
		}
	}

	seq, err := sequencer.New(seqCfg, log)
	if err != nil {
		return err
	}

	if rec, closeRec, err := buildRecorder(fc, log); err != nil {
		return err
	} else if rec != nil {
		defer closeRec()
		seq.SetRecorder(rec)
	}

	if fc.Server != nil && fc.Server.Addr != "" {
		admin := server.NewServer(fc.Server.Addr, fc.Server.BasePath, withMetrics, seq)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = admin.Shutdown(sctx)
		}()
		log.Info("admin server listening", "addr", fc.Server.Addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return seq.Run(ctx)
}

// buildRecorder assembles store plus history sinks when configured. The
// returned close func tears them down after the supervisor exits.
func buildRecorder(fc *config.FileConfig, log *slog.Logger) (sequencer.Recorder, func(), error) {
	var st comfyrun.StateStore
	var closers []func()

	if fc.Store != nil && fc.Store.Enabled {
		s, err := storefactory.NewFromDSN(fc.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open store: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = s.EnsureSchema(ctx)
		cancel()
		if err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("ensure store schema: %w", err)
		}
		st = s
		closers = append(closers, func() { _ = s.Close() })
	}

	var sinks []history.Sink
	if fc.History != nil && fc.History.Enabled {
		for _, dsn := range fc.History.Sinks {
			sink, err := historyfactory.NewSinkFromDSN(dsn)
			if err != nil {
				log.Warn("history sink skipped", "dsn", dsn, "err", err)
				continue
			}
			sinks = append(sinks, sink)
			if c, ok := sink.(interface{ Close() error }); ok {
				closers = append(closers, func() { _ = c.Close() })
			}
		}
	}

	if st == nil && len(sinks) == 0 {
		return nil, nil, nil
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	return history.NewRecorder(st, sinks, nil), closeAll, nil
}

func runWorker(flags *WorkerFlags) error {
	var cfg worker.Config
	var fc *config.FileConfig
	if flags.ConfigPath != "" {
		var err error
		fc, err = config.Load(flags.ConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Setup(fc.LogLevel)
		if fc.Worker != nil {
			cfg = *fc.Worker
		}
	} else {
		logger.Setup("")
	}
	if flags.Addr != "" {
		cfg.Addr = flags.Addr
	}
	if flags.ComfyURL != "" {
		cfg.ComfyURL = flags.ComfyURL
	}
	if flags.InputDir != "" {
		cfg.InputDir = flags.InputDir
	}
	cfg.Normalize()

	r := worker.NewRouter(cfg, nil)
	if fc != nil && fc.Store != nil && fc.Store.Enabled {
		st, err := storefactory.NewFromDSN(fc.Store.DSN)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer func() { _ = st.Close() }()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = st.EnsureSchema(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("ensure store schema: %w", err)
		}
		r.WithStore(st)
	}
	srv := r.Server()
	return waitForSignal(srv.Shutdown)
}

func runGateway(flags *GatewayFlags) error {
	var cfg gateway.Config
	if flags.ConfigPath != "" {
		fc, err := config.Load(flags.ConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Setup(fc.LogLevel)
		if fc.Gateway != nil {
			cfg = *fc.Gateway
		}
	} else {
		logger.Setup("")
	}
	if flags.Addr != "" {
		cfg.Addr = flags.Addr
	}
	if flags.WorkerURL != "" {
		cfg.WorkerURL = flags.WorkerURL
	}
	if flags.WorkflowPath != "" {
		cfg.WorkflowPath = flags.WorkflowPath
	}
	cfg.Normalize()

	srv := gateway.NewServer(cfg, nil)
	return waitForSignal(srv.Shutdown)
}

func waitForSignal(shutdown func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return shutdown(sctx)
}

func apiClient(f *APIFlags) *client.Client {
	return client.New(client.Config{
		AdminURL:   f.AdminURL,
		GatewayURL: f.GatewayURL,
		Timeout:    f.Timeout,
	})
}

func runStatus(f *APIFlags, name string) error {
	c := apiClient(f)
	ctx, cancel := context.WithTimeout(context.Background(), f.Timeout)
	defer cancel()
	if !c.IsReachable(ctx) {
		return fmt.Errorf("supervisor not reachable at %s - start it first with 'comfyrun serve'", f.AdminURL)
	}
	if name != "" {
		ss, err := c.ServiceStatus(ctx, name)
		if err != nil {
			return err
		}
		printJSON(ss)
		return nil
	}
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	printJSON(st)
	return nil
}

func runStop(f *APIFlags) error {
	c := apiClient(f)
	ctx, cancel := context.WithTimeout(context.Background(), f.Timeout)
	defer cancel()
	if !c.IsReachable(ctx) {
		return fmt.Errorf("supervisor not reachable at %s", f.AdminURL)
	}
	if err := c.Stop(ctx); err != nil {
		return err
	}
	fmt.Println("shutdown requested")
	return nil
}

func runHistory(f *HistoryFlags) error {
	dsn := f.DSN
	if dsn == "" && f.ConfigPath != "" {
		fc, err := config.Load(f.ConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if fc.Store != nil {
			dsn = fc.Store.DSN
		}
	}
	if dsn == "" {
		return fmt.Errorf("no store DSN: pass --dsn or a config with a [store] section")
	}
	st, err := storefactory.NewFromDSN(dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure store schema: %w", err)
	}

	switch {
	case f.PurgeAge > 0:
		n, err := st.PurgeOlderThan(ctx, time.Now().Add(-f.PurgeAge))
		if err != nil {
			return err
		}
		fmt.Printf("purged %d rows\n", n)
	case f.Jobs:
		jobs, err := st.RecentJobs(ctx, f.Limit)
		if err != nil {
			return err
		}
		printJSON(jobs)
	case f.Name != "":
		recs, err := st.GetByName(ctx, f.Name, f.Limit)
		if err != nil {
			return err
		}
		printJSON(recs)
	default:
		recs, err := st.GetRunning(ctx)
		if err != nil {
			return err
		}
		printJSON(recs)
	}
	return nil
}

func runGenerate(f *GenerateFlags) error {
	c := apiClient(&f.APIFlags)
	req := client.GenerateRequest{Prompt: f.Prompt, Width: f.Width, Height: f.Height}
	if f.SeedSet {
		seed := f.Seed
		req.Seed = &seed
	}
	// generation can take minutes; the request context bounds the whole wait
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()
	res, err := c.Generate(ctx, req)
	if err != nil {
		return err
	}
	if f.Output == "" {
		printJSON(res)
		return nil
	}
	for _, images := range res.Outputs {
		for _, img := range images {
			data, err := base64.StdEncoding.DecodeString(img.Base64)
			if err != nil {
				return fmt.Errorf("decode image: %w", err)
			}
			if err := os.WriteFile(f.Output, data, 0o640); err != nil {
				return err
			}
			fmt.Printf("wrote %s (%d bytes)\n", f.Output, len(data))
			return nil
		}
	}
	return fmt.Errorf("no images in result %s", res.PromptID)
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(b))
}
