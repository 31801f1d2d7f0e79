package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	scrapehttp "github.com/PentesterFlow/SiteScape/internal/http"
	"github.com/PentesterFlow/SiteScape/internal/logger"
	"github.com/PentesterFlow/SiteScape/internal/models"
	"github.com/PentesterFlow/SiteScape/internal/output"
	"github.com/PentesterFlow/SiteScape/internal/progress"
	"github.com/PentesterFlow/SiteScape/internal/server"
	"github.com/PentesterFlow/SiteScape/internal/shutdown"
	"github.com/PentesterFlow/SiteScape/internal/websocket"
	"github.com/PentesterFlow/SiteScape/pkg/sitescape"
)

var (
	version = "1.0.0"

	// Global flags
	configFile string
	envFile    string
	verbose    bool
	debug      bool
	logLevel   string
	outputDir  string
	stateDB    string

	// Scrape flags
	budget          int
	browserPool     int
	noRobots        bool
	verifyType      bool
	noFallback      bool
	pacing          time.Duration
	hostPacing      time.Duration
	jsonOutput      bool
	showProgress    bool
	navigateTimeout time.Duration
	includePatterns []string
	excludePatterns []string

	// Serve flags
	listenAddr   string
	redisAddr    string
	maxJobs      int
	allowOrigins []string
	jsonLogs     bool

	// Status flags
	serverURL string
	follow    bool
	jobLimit  int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sitescape",
		Short: "SiteScape - Website Asset Scraper",
		Long: `SiteScape - Renders a website in a headless browser, discovers its key pages,
collects every asset they reference and downloads them into a categorised bundle.

Jobs run in the foreground with "scrape" or behind an HTTP API with "serve".`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			loadEnv()
		},
	}

	scrapeCmd := &cobra.Command{
		Use:   "scrape [url]",
		Short: "Scrape a website",
		Long:  "Scrape a website in the foreground and write its bundle to the output directory.",
		Args:  cobra.ExactArgs(1),
		RunE:  runScrape,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job API",
		Long:  "Serve the job API over HTTP and stream progress over a websocket.",
		RunE:  runServe,
	}

	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		RunE:  runJobs,
	}

	statusCmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show job status",
		Long:  "Show the status of a job from the local store, or from a running server with --server.",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}

	configCmd := &cobra.Command{
		Use:   "config [file]",
		Short: "Write the effective configuration",
		Long:  "Write the effective configuration (defaults, --config and flags) to a YAML or JSON file.",
		Args:  cobra.ExactArgs(1),
		RunE:  runConfig,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file to load")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Debug mode")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides -v and --debug")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output", "o", "", "Output directory for job bundles")
	rootCmd.PersistentFlags().StringVar(&stateDB, "state", "", "Job store path")

	// Scrape flags
	for _, cmd := range []*cobra.Command{scrapeCmd, serveCmd, configCmd} {
		cmd.Flags().IntVarP(&budget, "budget", "b", 10, "Maximum pages to scrape per job")
		cmd.Flags().IntVar(&browserPool, "browser-pool", 2, "Browser pool size")
		cmd.Flags().BoolVar(&noRobots, "no-robots", false, "Ignore robots.txt")
		cmd.Flags().BoolVar(&verifyType, "verify-content-type", false, "Reject image downloads whose bytes are not an image")
		cmd.Flags().BoolVar(&noFallback, "no-browser-fallback", false, "Do not retry failed downloads through the browser")
		cmd.Flags().DurationVar(&pacing, "pacing", 100*time.Millisecond, "Delay between asset downloads")
		cmd.Flags().DurationVar(&hostPacing, "host-pacing", 0, "Extra delay between downloads from the same host")
		cmd.Flags().DurationVar(&navigateTimeout, "nav-timeout", 60*time.Second, "Page navigation timeout")
		cmd.Flags().StringArrayVar(&includePatterns, "include", nil, "Page URL patterns to include (regex)")
		cmd.Flags().StringArrayVar(&excludePatterns, "exclude", nil, "Page URL patterns to exclude (regex)")
	}
	scrapeCmd.Flags().BoolVar(&jsonOutput, "json", false, "Stream progress as NDJSON on stdout")
	scrapeCmd.Flags().BoolVar(&showProgress, "progress", true, "Show progress bar")

	// Serve flags
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":3000", "Listen address")
	serveCmd.Flags().StringVar(&redisAddr, "redis", "", "Redis address for progress publishing")
	serveCmd.Flags().IntVar(&maxJobs, "max-jobs", 0, "Maximum concurrent jobs (default: browser pool size)")
	serveCmd.Flags().StringArrayVar(&allowOrigins, "allow-origin", nil, "Allowed websocket origins")
	serveCmd.Flags().BoolVar(&jsonLogs, "json-logs", false, "Write logs as JSON instead of the console format")

	// Status flags
	statusCmd.Flags().StringVar(&serverURL, "server", "", "Server base URL, e.g. http://localhost:3000")
	statusCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow progress until the job ends (requires --server)")
	jobsCmd.Flags().IntVarP(&jobLimit, "limit", "n", 20, "Number of jobs to list")

	rootCmd.AddCommand(scrapeCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadEnv reads the env file before any configuration is built so the LLM
// key is picked up by the defaults. A missing default file is not an error.
func loadEnv() {
	if envFile == "" {
		return
	}
	if err := godotenv.Load(envFile); err != nil && envFile != ".env" {
		fmt.Fprintf(os.Stderr, "Warning: could not load %s: %v\n", envFile, err)
	}
}

// buildConfig layers defaults, the config file and changed flags.
func buildConfig(cmd *cobra.Command) (*sitescape.Config, error) {
	if _, _, err := logLevelOverride(); err != nil {
		return nil, err
	}
	config := sitescape.DefaultConfig()
	if configFile != "" {
		fileConfig, err := sitescape.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		config = fileConfig
	}

	flags := cmd.Flags()
	if outputDir != "" {
		config.OutputDir = outputDir
	}
	if stateDB != "" {
		config.State.Path = stateDB
	}
	if flags.Lookup("budget") != nil {
		if flags.Changed("budget") {
			config.Discovery.Budget = budget
		}
		if flags.Changed("browser-pool") {
			config.Browser.PoolSize = browserPool
			if config.Jobs.MaxConcurrent > browserPool {
				config.Jobs.MaxConcurrent = browserPool
			}
		}
		if flags.Changed("no-robots") {
			config.Robots.Respect = !noRobots
		}
		if flags.Changed("verify-content-type") {
			config.Download.VerifyContentType = verifyType
		}
		if flags.Changed("no-browser-fallback") {
			config.Download.BrowserFallback = !noFallback
		}
		if flags.Changed("pacing") {
			config.Download.Pacing = pacing
		}
		if flags.Changed("host-pacing") {
			config.Download.HostPacing = hostPacing
		}
		if flags.Changed("nav-timeout") {
			config.Browser.NavigationTimeout = navigateTimeout
		}
		if flags.Changed("include") {
			config.Discovery.Scope.Include = includePatterns
		}
		if flags.Changed("exclude") {
			config.Discovery.Scope.Exclude = append(config.Discovery.Scope.Exclude, excludePatterns...)
		}
	}
	if flags.Lookup("max-jobs") != nil && flags.Changed("max-jobs") {
		config.Jobs.MaxConcurrent = maxJobs
	}
	if flags.Lookup("redis") != nil && flags.Changed("redis") {
		config.Redis.Addr = redisAddr
	}
	config.Verbose = config.Verbose || verbose
	config.Debug = config.Debug || debug

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func cliLogger(config *sitescape.Config) *logger.Logger {
	level := logger.WarnLevel
	if config.Verbose {
		level = logger.InfoLevel
	}
	if config.Debug {
		level = logger.DebugLevel
	}
	if override, ok, _ := logLevelOverride(); ok {
		level = override
	}
	cfg := logger.DefaultConfig()
	cfg.Level = level
	return logger.New(cfg)
}

// logLevelOverride parses --log-level. ok is false when the flag is unset.
func logLevelOverride() (level logger.Level, ok bool, err error) {
	if logLevel == "" {
		return logger.InfoLevel, false, nil
	}
	level, err = logger.ParseLevel(logLevel)
	if err != nil {
		return logger.InfoLevel, false, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	return level, true, nil
}

func runScrape(cmd *cobra.Command, args []string) error {
	config, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	target, err := sitescape.ValidateSeed(args[0])
	if err != nil {
		return err
	}

	opts := []sitescape.Option{
		sitescape.WithConfig(config),
		sitescape.WithLogger(cliLogger(config)),
	}

	var stream output.Writer
	if jsonOutput {
		stream = output.NewWriter(os.Stdout, output.Config{Format: "json", Stream: true})
		opts = append(opts, sitescape.WithSink(output.StreamSink{W: stream}))
	}

	engine, err := sitescape.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	closeEngine := sync.OnceValue(engine.Close)
	defer closeEngine()

	job, err := engine.NewJob(target)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			fmt.Fprintf(os.Stderr, "\nReceived interrupt signal, stopping...\n")
			cancel()
		case <-ctx.Done():
		}
	}()

	enableProgress := showProgress && !jsonOutput && !config.Verbose && !config.Debug
	display := progress.NewDisplay(os.Stderr)
	if enableProgress {
		sub := engine.Reporter().Subscribe(job.ID)
		defer sub.Cancel()
		display.Start(target)
		go func() {
			for event := range sub.Events() {
				display.Update(event)
			}
		}()
	} else if !jsonOutput {
		printBanner(job, config)
	}

	runErr := engine.Run(ctx, job)
	display.Stop()

	final, err := engine.Store().Get(job.ID)
	if err != nil {
		final = job
	}
	snap := engine.MetricsSnapshot()

	// Closing drains the sinks, so the stream holds every event afterwards.
	closeEngine()
	if jsonOutput {
		if err := stream.Flush(); err != nil {
			return err
		}
	} else {
		display.PrintSummary(final, snap)
		if final.Status == models.StatusCompleted {
			fmt.Fprintf(os.Stderr, "Bundle written to %s\n", engine.JobDir(job.ID))
		}
	}

	if runErr != nil {
		return fmt.Errorf("scrape failed: %w", runErr)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	config, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	log := cliLogger(config)
	if jsonLogs {
		log = logger.NewJSON(logger.InfoLevel)
	}
	if config.Debug {
		log.SetLevel(logger.DebugLevel)
	} else {
		log.SetLevel(logger.InfoLevel)
	}
	if override, ok, _ := logLevelOverride(); ok {
		log.SetLevel(override)
	}

	handler := shutdown.New(shutdown.Config{Logger: log})

	hubConfig := websocket.DefaultHubConfig()
	hubConfig.AllowedOrigins = allowOrigins
	hub := websocket.NewHub(hubConfig, log)

	opts := []sitescape.Option{
		sitescape.WithConfig(config),
		sitescape.WithLogger(log),
		sitescape.WithSink(hub),
	}
	if config.Redis.Addr != "" {
		sink := progress.NewRedisSink(config.Redis.Addr, config.Redis.Prefix, config.Redis.TTL)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := sink.Ping(pingCtx)
		cancel()
		if err != nil {
			sink.Close()
			return fmt.Errorf("failed to connect to redis at %s: %w", config.Redis.Addr, err)
		}
		opts = append(opts, sitescape.WithSink(sink))
		handler.Register("redis", func(ctx context.Context) error { return sink.Close() })
	}

	engine, err := sitescape.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	handler.Register("engine", func(ctx context.Context) error { return engine.Close() })
	handler.Register("hub", func(ctx context.Context) error { return hub.Close() })

	jobs := sitescape.NewJobManager(handler.Context(), engine)
	handler.RegisterFunc("jobs", jobs.Close)

	serverConfig := server.DefaultConfig()
	serverConfig.Addr = listenAddr
	serverConfig.OutputDir = config.OutputDir
	serverConfig.Version = version
	srv := server.New(jobs, hub, engine.Metrics(), serverConfig, log)
	handler.RegisterServer("http", srv)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	fmt.Fprintf(os.Stderr, "SiteScape %s listening on %s (output: %s, max jobs: %d)\n",
		version, listenAddr, config.OutputDir, config.Jobs.MaxConcurrent)

	go func() {
		if err := <-errCh; err != nil {
			log.WithError(err).Error("Server stopped")
			errCh <- err
			handler.Trigger()
		}
	}()

	result := handler.Wait(context.Background())
	select {
	case err := <-errCh:
		return err
	default:
	}
	if result != nil && result.HasErrors() {
		return fmt.Errorf("shutdown finished with errors")
	}
	return nil
}

func runJobs(cmd *cobra.Command, args []string) error {
	config, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	engine, err := sitescape.New(sitescape.WithConfig(config), sitescape.WithLogger(logger.Nop()))
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer engine.Close()

	jobs, err := engine.Store().List(jobLimit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tPAGES\tASSETS\tCREATED\tURL")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%d%%\t%d\t%d\t%s\t%s\n",
			job.ID, job.Status, job.Progress, job.Metadata.TotalPages, job.Metadata.TotalAssets,
			job.CreatedAt.Local().Format("2006-01-02 15:04"), job.URL)
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	id := args[0]

	if serverURL == "" {
		if follow {
			return fmt.Errorf("--follow requires --server")
		}
		config, err := buildConfig(cmd)
		if err != nil {
			return err
		}
		engine, err := sitescape.New(sitescape.WithConfig(config), sitescape.WithLogger(logger.Nop()))
		if err != nil {
			return fmt.Errorf("failed to open job store: %w", err)
		}
		defer engine.Close()

		job, err := engine.Store().Get(id)
		if err != nil {
			return err
		}
		printStatus(server.StatusResponse{
			JobID:    job.ID,
			URL:      job.URL,
			Status:   job.Status,
			Progress: job.Progress,
			Metadata: job.Metadata,
			Error:    job.Error,
		})
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	status, err := fetchStatus(ctx, serverURL, id)
	if err != nil {
		return err
	}
	printStatus(*status)
	if !follow || status.Status.IsTerminal() {
		return nil
	}

	display := progress.NewDisplay(os.Stderr)
	display.Start(status.URL)
	watcher := websocket.NewWatcher()
	// servers started with --allow-origin check the handshake origin
	watcher.SetHeaders(map[string]string{"Origin": strings.TrimRight(serverURL, "/")})
	err = watcher.Watch(ctx, strings.TrimRight(serverURL, "/")+"/ws", id, func(env websocket.Envelope) bool {
		if env.Type != websocket.TypeProgress || env.Event == nil {
			return true
		}
		display.Update(*env.Event)
		return !env.Event.Status.IsTerminal()
	})
	display.Stop()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("watch failed: %w", err)
	}

	if final, err := fetchStatus(context.Background(), serverURL, id); err == nil {
		printStatus(*final)
	}
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	config, err := buildConfig(cmd)
	if err != nil {
		return err
	}
	if err := config.SaveToFile(args[0]); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", args[0])
	return nil
}

func fetchStatus(ctx context.Context, base, id string) (*server.StatusResponse, error) {
	cfg := scrapehttp.DefaultConfig()
	cfg.Timeout = 10 * time.Second
	cfg.Headers = map[string]string{"Accept": "application/json"}
	client := scrapehttp.New(cfg)
	defer client.Close()

	resp, err := client.Get(ctx, strings.TrimRight(base, "/")+"/api/status/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch status: %w", err)
	}
	var status server.StatusResponse
	if err := json.Unmarshal(resp.Body, &status); err != nil {
		return nil, fmt.Errorf("invalid status response: %w", err)
	}
	return &status, nil
}

func printBanner(job *models.Job, config *sitescape.Config) {
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║                        SiteScape v1.0                        ║")
	fmt.Fprintln(os.Stderr, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "Job:        %s\n", job.ID)
	fmt.Fprintf(os.Stderr, "Target:     %s\n", job.URL)
	fmt.Fprintf(os.Stderr, "Budget:     %d pages\n", config.Discovery.Budget)
	fmt.Fprintf(os.Stderr, "Robots:     %v\n", config.Robots.Respect)
	fmt.Fprintf(os.Stderr, "Output:     %s\n", config.OutputDir)
	fmt.Fprintln(os.Stderr)
}

func printStatus(s server.StatusResponse) {
	fmt.Printf("Job:       %s\n", s.JobID)
	fmt.Printf("URL:       %s\n", s.URL)
	fmt.Printf("Status:    %s (%d%%)\n", s.Status, s.Progress)
	if s.Metadata.Title != "" {
		fmt.Printf("Title:     %s\n", s.Metadata.Title)
	}
	fmt.Printf("Pages:     %d/%d\n", s.Metadata.PagesProcessed, s.Metadata.TotalPages)
	fmt.Printf("Assets:    %d/%d\n", s.Metadata.TotalAssets, s.Metadata.AssetsTotal)
	if s.Error != "" {
		fmt.Printf("Error:     %s\n", s.Error)
	}
}
