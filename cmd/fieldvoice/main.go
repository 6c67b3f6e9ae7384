package main

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/spf13/cobra"

	"github.com/chriscow/fieldvoice/internal/config"
	"github.com/chriscow/fieldvoice/internal/transport"
	"github.com/chriscow/fieldvoice/pkg/audio"
	"github.com/chriscow/fieldvoice/pkg/audio/wav"
	"github.com/chriscow/fieldvoice/pkg/backend"
	"github.com/chriscow/fieldvoice/pkg/backend/fake"
	"github.com/chriscow/fieldvoice/pkg/realtime"
	"github.com/chriscow/fieldvoice/pkg/session"
	"github.com/chriscow/fieldvoice/pkg/tools"
	"github.com/chriscow/fieldvoice/pkg/version"
	"github.com/chriscow/fieldvoice/pkg/voice"
	"github.com/chriscow/fieldvoice/pkg/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "fieldvoice",
	Short: "Hands-free voice assistant for field service technicians",
	Long: `fieldvoice runs a realtime voice session between a field technician and a
speech model, executing the technician's workday actions against the workflow
backend as the model calls them.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return json.NewEncoder(os.Stdout).Encode(version.Get())
		}
		fmt.Println(version.GetVersionInfo())
		return nil
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Voice session commands",
}

var sessionRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a voice session for the configured technician",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger()

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		opts := runOptions{}
		opts.reconnect, _ = cmd.Flags().GetBool("reconnect")
		opts.metricsAddr, _ = cmd.Flags().GetString("metrics-addr")
		opts.inputWAV, _ = cmd.Flags().GetString("input-wav")
		opts.record, _ = cmd.Flags().GetString("record")
		opts.offline, _ = cmd.Flags().GetBool("offline")
		opts.echoTail, _ = cmd.Flags().GetDuration("echo-tail")
		if t, _ := cmd.Flags().GetString("transport"); t != "" {
			cfg.Realtime.Transport = t
		}

		logger.Info("Starting session",
			slog.String("service", "fieldvoice"),
			slog.String("version", version.Version),
			slog.String("commit", version.GitCommit),
			slog.String("technician_id", cfg.Technician.ID),
			slog.String("transport", cfg.Realtime.Transport),
			slog.Bool("offline", opts.offline))

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return runSession(ctx, cfg, opts, logger)
	},
}

var sessionTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Fetch an ephemeral realtime token from the signaling service",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger()
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		sig, err := transport.NewSignaling(transport.SignalingConfig{BaseURL: cfg.Realtime.SignalingURL, Logger: logger})
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Realtime.SignalingTimeout)
		defer cancel()
		tok, err := sig.Token(ctx)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(tok)
	},
}

var technicianCmd = &cobra.Command{
	Use:   "technician",
	Short: "Technician commands against the workflow backend",
}

var technicianStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the configured technician's clock and work-order status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client, err := loadBackend()
		if err != nil {
			return err
		}
		st, err := client.TechnicianStatus(cmd.Context(), cfg.Technician.ID)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	},
}

var technicianClockInCmd = &cobra.Command{
	Use:   "clock-in TRUCK_ID",
	Short: "Clock the configured technician in on a truck",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		truckID, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid truck id %q: %w", args[0], err)
		}
		cfg, client, err := loadBackend()
		if err != nil {
			return err
		}
		rec, err := client.ClockIn(cmd.Context(), cfg.Technician.ID, truckID)
		if err != nil {
			return err
		}
		fmt.Printf("Clocked in technician %s on truck %s at %s\n", cfg.Technician.ID, rec.TruckID, rec.ClockInTime)
		return nil
	},
}

func loadBackend() (*config.Config, *backend.Client, error) {
	logger := setupLogger()
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	client, err := backend.New(backend.Config{
		BaseURL: cfg.Backend.URL,
		Timeout: cfg.Backend.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, client, nil
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Function tool commands",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tools offered to the model",
	RunE: func(cmd *cobra.Command, args []string) error {
		schema, _ := cmd.Flags().GetBool("schema")

		reg := tools.NewRegistry()
		if err := tools.RegisterTechnicianTools(reg, tools.TechnicianConfig{
			TechnicianID: "0",
			Backend:      fake.NewBackend(),
			Machine:      workflow.NewMachine(),
			Logger:       setupLogger(),
		}); err != nil {
			return err
		}

		if schema {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(reg.Realtime())
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, name := range reg.Names() {
			t, _ := reg.Lookup(name)
			fmt.Fprintf(w, "%s\t%s\n", name, t.Definition.Description)
		}
		return w.Flush()
	},
}

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Technician workflow commands",
}

var workflowTableCmd = &cobra.Command{
	Use:   "table",
	Short: "Print the allowed workflow transitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "FROM\tTO")
		for _, e := range workflow.Table() {
			fmt.Fprintf(w, "%s\t%s\n", e.From, e.To)
		}
		return w.Flush()
	},
}

var workflowCheckCmd = &cobra.Command{
	Use:   "check FROM TO",
	Short: "Check whether a workflow transition is allowed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := workflow.ParseState(args[0])
		if err != nil {
			return err
		}
		to, err := workflow.ParseState(args[1])
		if err != nil {
			return err
		}
		if !workflow.CanTransition(from, to) {
			return &workflow.InvalidTransitionError{From: from, To: to}
		}
		fmt.Printf("%s -> %s allowed\n", from, to)
		return nil
	},
}

func setupLogger() *slog.Logger {
	logFormat := os.Getenv("FIELDVOICE_LOG_FORMAT")
	logLevel := os.Getenv("FIELDVOICE_LOG_LEVEL")

	var handler slog.Handler
	opts := &slog.HandlerOptions{}

	switch logLevel {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if logFormat == "console" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

type runOptions struct {
	reconnect   bool
	metricsAddr string
	inputWAV    string
	record      string
	offline     bool
	echoTail    time.Duration
}

func runSession(ctx context.Context, cfg *config.Config, opts runOptions, logger *slog.Logger) error {
	be, err := newBackend(cfg, opts.offline, logger)
	if err != nil {
		return err
	}

	machine := workflow.NewMachine()
	reg := tools.NewRegistry()
	if err := tools.RegisterTechnicianTools(reg, tools.TechnicianConfig{
		TechnicianID: cfg.Technician.ID,
		Backend:      be,
		Machine:      machine,
		Logger:       logger,
	}); err != nil {
		return err
	}
	reg.Freeze()

	dispatcher, err := tools.NewDispatcher(tools.DispatcherConfig{
		Registry: reg,
		Timeout:  cfg.Tools.Timeout,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	pipeline, closeAudio, err := newPipeline(opts, logger)
	if err != nil {
		return err
	}
	defer closeAudio()

	factory, err := newTransportFactory(cfg, logger)
	if err != nil {
		return err
	}

	sc := realtime.DefaultSessionConfig()
	sc.Instructions = tools.TechnicianInstructions(cfg.Technician.Name)
	sc.Voice = cfg.Realtime.Voice
	sc.Tools = reg.Realtime()

	ctrl, err := session.New(session.Config{
		TechnicianID:     cfg.Technician.ID,
		NewTransport:     factory,
		Backend:          be,
		Machine:          machine,
		Dispatcher:       dispatcher,
		Audio:            pipeline,
		Session:          sc,
		ICEServers:       []webrtc.ICEServer{{URLs: cfg.Realtime.ICEServers}},
		SignalingTimeout: cfg.Realtime.SignalingTimeout,
		ResponseGrace:    cfg.Realtime.ResponseGrace,
		Listeners:        []session.Listener{logEvents(logger)},
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	if opts.metricsAddr != "" {
		publishMetrics(ctrl, dispatcher, pipeline)
		go serveMetrics(opts.metricsAddr, logger)
	}

	if opts.reconnect {
		return session.Supervise(ctx, ctrl, session.DefaultBackoff)
	}

	if err := ctrl.Connect(ctx); err != nil {
		return err
	}
	if opts.inputWAV != "" {
		go commitAfterInput(ctx, ctrl, opts.inputWAV, logger)
	}

	lost := ctrl.Wait(ctx)
	if ctx.Err() != nil {
		return ctrl.Disconnect()
	}
	if lost != nil {
		return fmt.Errorf("session lost: %w", lost)
	}
	return nil
}

func newBackend(cfg *config.Config, offline bool, logger *slog.Logger) (tools.Backend, error) {
	if offline {
		fb := fake.NewBackend()
		fb.SetState(cfg.Technician.ID, workflow.Snapshot{State: workflow.Initial})
		fb.SetWorkOrders(cfg.Technician.ID, []backend.WorkOrder{
			{ID: "101", Title: "Replace rooftop unit filter", Status: "scheduled"},
			{ID: "102", Title: "Inspect walk-in cooler", Status: "scheduled"},
		})
		fb.SetInventory("1", []backend.InventoryItem{
			{ItemID: "1", Name: "Air filter 20x25", Quantity: 6, Unit: "each", MinLevel: 2},
			{ItemID: "2", Name: "R-410A refrigerant", Quantity: 1, Unit: "cylinder", MinLevel: 1},
		})
		logger.Info("Using in-memory backend")
		return fb, nil
	}

	c, err := backend.New(backend.Config{
		BaseURL: cfg.Backend.URL,
		Timeout: cfg.Backend.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// newPipeline opens the audio devices the session needs. WAV files replace
// the microphone and speaker when given.
func newPipeline(opts runOptions, logger *slog.Logger) (*audio.Pipeline, func(), error) {
	var closers []func() error
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("Failed to close audio", slog.String("error", err.Error()))
			}
		}
	}

	var source audio.Source
	var newSink audio.SinkFactory

	if opts.inputWAV != "" {
		r, err := wav.NewReader(opts.inputWAV)
		if err != nil {
			return nil, nil, err
		}
		r.Realtime = true
		closers = append(closers, r.Close)
		source = r
	}
	if opts.record != "" {
		newSink = func() (audio.Sink, error) {
			w, err := wav.NewWriter(opts.record)
			if err != nil {
				return nil, err
			}
			return w, nil
		}
	}

	if source == nil || newSink == nil {
		devices, err := audio.OpenDevices(logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, devices.Close)
		if source == nil {
			source = devices.Microphone()
		}
		if newSink == nil {
			newSink = devices.SpeakerFactory()
		}
	}

	acfg := audio.Config{Source: source, NewSink: newSink, Logger: logger}
	// microphone and speaker share the room only when both are devices
	if opts.inputWAV == "" && opts.record == "" && opts.echoTail > 0 {
		acfg.Gate = voice.NewAudioGate(opts.echoTail)
	}

	p, err := audio.New(acfg)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	closers = append(closers, p.Stop)
	return p, closeAll, nil
}

func newTransportFactory(cfg *config.Config, logger *slog.Logger) (session.TransportFactory, error) {
	switch cfg.Realtime.Transport {
	case config.TransportWebSocket:
		if cfg.Realtime.APIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for the websocket transport")
		}
		return func(cb transport.Callbacks) (transport.Transport, error) {
			t, err := transport.NewWebSocket(transport.WebSocketConfig{
				URL:       cfg.Realtime.WebSocketURL,
				Model:     cfg.Realtime.Model,
				APIKey:    cfg.Realtime.APIKey,
				Callbacks: cb,
				Logger:    logger,
			})
			if err != nil {
				return nil, err
			}
			return t, nil
		}, nil

	case config.TransportWebRTC:
		sig, err := transport.NewSignaling(transport.SignalingConfig{BaseURL: cfg.Realtime.SignalingURL, Logger: logger})
		if err != nil {
			return nil, err
		}
		return func(cb transport.Callbacks) (transport.Transport, error) {
			t, err := transport.NewWebRTC(transport.WebRTCConfig{
				Negotiator: sig,
				Model:      cfg.Realtime.Model,
				Callbacks:  cb,
				Logger:     logger,
			})
			if err != nil {
				return nil, err
			}
			return t, nil
		}, nil

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Realtime.Transport)
	}
}

// commitAfterInput commits the input buffer once a WAV file has played out,
// since a file has no trailing silence for the server to detect.
func commitAfterInput(ctx context.Context, ctrl *session.Controller, path string, logger *slog.Logger) {
	r, err := wav.NewReader(path)
	if err != nil {
		return
	}
	d := r.Duration()
	_ = r.Close()

	timer := time.NewTimer(d + 500*time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	if err := ctrl.CommitInput(); err != nil {
		logger.Warn("Failed to commit input audio", slog.String("error", err.Error()))
	}
}

func logEvents(logger *slog.Logger) session.Listener {
	return func(ev session.Event) {
		switch e := ev.(type) {
		case session.StateChanged:
			logger.Info("Session state changed",
				slog.String("from", e.From.String()),
				slog.String("to", e.To.String()))
		case session.Transcript:
			logger.Info("Transcript",
				slog.String("role", string(e.Role)),
				slog.String("text", e.Text))
		case session.SpeechActivity:
			logger.Debug("Speech activity", slog.Bool("speaking", e.Speaking))
		case session.FunctionExecuted:
			attrs := []any{
				slog.String("name", e.Name),
				slog.String("call_id", e.CallID),
				slog.Duration("elapsed", e.Duration),
			}
			if e.Err != nil {
				attrs = append(attrs, slog.String("error", e.Err.Error()))
			}
			logger.Info("Function result sent", attrs...)
		case session.WorkflowChanged:
			logger.Info("Workflow state",
				slog.String("state", e.Snapshot.State.String()),
				slog.String("current_work_order_id", e.Snapshot.CurrentWorkOrderID),
				slog.String("next_work_order_id", e.Snapshot.NextWorkOrderID))
		case session.SessionError:
			logger.Warn("Session error", slog.String("error", e.Err.Error()))
		case session.Disconnected:
			logger.Warn("Session disconnected", slog.String("error", e.Err.Error()))
		}
	}
}

func publishMetrics(ctrl *session.Controller, d *tools.Dispatcher, p *audio.Pipeline) {
	m := ctrl.Metrics()
	expvar.Publish("session_state_transitions", m.StateTransitions)
	expvar.Publish("session_count", m.Sessions)
	expvar.Publish("session_results_dropped", m.ResultsDropped)
	expvar.Publish("session_server_errors", m.ServerErrors)

	dm := d.Metrics()
	expvar.Publish("tool_calls", dm.Calls)
	expvar.Publish("tool_errors", dm.Errors)

	pm := p.Metrics()
	expvar.Publish("audio_chunks_captured", pm.ChunksCaptured)
	expvar.Publish("audio_chunks_dropped", pm.ChunksDropped)
	expvar.Publish("audio_chunks_gated", pm.ChunksGated)
	expvar.Publish("audio_bytes_played", pm.BytesPlayed)
	expvar.Publish("audio_decode_errors", pm.DecodeErrors)
}

func serveMetrics(addr string, logger *slog.Logger) {
	logger.Info("Starting metrics server", slog.String("addr", addr))
	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Metrics server failed", slog.String("error", err.Error()))
	}
}

func init() {
	versionCmd.Flags().Bool("json", false, "Print version information as JSON")

	sessionRunCmd.Flags().Bool("reconnect", false, "Reconnect with backoff when the connection is lost")
	sessionRunCmd.Flags().String("metrics-addr", "", "Serve expvar metrics on this address at /metrics")
	sessionRunCmd.Flags().String("input-wav", "", "Stream this 24 kHz mono PCM16 WAV file instead of the microphone")
	sessionRunCmd.Flags().String("record", "", "Write the assistant's audio to this WAV file instead of the speaker")
	sessionRunCmd.Flags().String("transport", "", "Override FIELDVOICE_TRANSPORT (webrtc or websocket)")
	sessionRunCmd.Flags().Bool("offline", false, "Use an in-memory workflow backend")
	sessionRunCmd.Flags().Duration("echo-tail", voice.DefaultTail, "Mute the microphone this long after speaker playback drains (0 disables)")

	toolsListCmd.Flags().Bool("schema", false, "Print the tool definitions sent to the model as JSON")

	sessionCmd.AddCommand(sessionRunCmd, sessionTokenCmd)
	technicianCmd.AddCommand(technicianStatusCmd, technicianClockInCmd)
	toolsCmd.AddCommand(toolsListCmd)
	workflowCmd.AddCommand(workflowTableCmd, workflowCheckCmd)
	rootCmd.AddCommand(versionCmd, sessionCmd, technicianCmd, toolsCmd, workflowCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
