package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/juris-guard/api"
	"github.com/fabfab/juris-guard/config"
	"github.com/fabfab/juris-guard/database"
	"github.com/fabfab/juris-guard/embeddings"
	"github.com/fabfab/juris-guard/evaluation"
	"github.com/fabfab/juris-guard/index"
	"github.com/fabfab/juris-guard/ingestion"
	"github.com/fabfab/juris-guard/knowledge"
	"github.com/fabfab/juris-guard/llm"
	"github.com/fabfab/juris-guard/logging"
	"github.com/fabfab/juris-guard/query"
	"github.com/fabfab/juris-guard/recorder"
	"github.com/fabfab/juris-guard/security"
	"github.com/fabfab/juris-guard/sensitivity"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// A missing .env is fine; the environment and config file still apply.
	_ = godotenv.Load()

	switch os.Args[1] {
	case "serve":
		serveCmd(os.Args[2:])
	case "ingest":
		ingestCmd(os.Args[2:])
	case "query":
		queryCmd(os.Args[2:])
	case "evaluate":
		evaluateCmd(os.Args[2:])
	case "clear":
		clearCmd(os.Args[2:])
	case "mcp":
		mcpCmd(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// app holds every component a subcommand may need.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	index     index.Index
	embedder  embeddings.Embedder
	engine    *query.Engine
	ingestion *ingestion.Service
	traces    *recorder.Recorder[query.Trace]
	graph     neo4j.DriverWithContext
	closers   []func()
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	flags := flag.NewFlagSet(name, flag.ExitOnError)
	path := flags.String("config", getEnv("CONFIG_FILE", "config.yaml"), "path to the yaml configuration file")
	return flags, path
}

func loadConfig(path string) (config.Config, *slog.Logger) {
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("load configuration", "path", path, "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, traces: recorder.New[query.Trace]()}

	switch cfg.Storage.IndexBackend {
	case config.BackendPostgres:
		pool, err := database.NewPostgresPool(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres connection: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := database.EnsureSchema(ctx, pool, cfg.Models.Embeddings.Dimension); err != nil {
			a.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		a.index = index.NewPostgresIndex(pool)
	default:
		a.index = index.NewMemoryIndex()
	}

	if cfg.Storage.Neo4j.Enabled {
		driver, err := database.NewNeo4jDriver(ctx, cfg.Storage.Neo4j.URI, cfg.Storage.Neo4j.Username, cfg.Storage.Neo4j.Password)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("neo4j connection: %w", err)
		}
		a.graph = driver
		a.closers = append(a.closers, func() { _ = driver.Close(context.Background()) })
	}

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("embedder setup: %w", err)
	}
	a.embedder = embedder
	if closer, ok := embedder.(io.Closer); ok {
		a.closers = append(a.closers, func() { _ = closer.Close() })
	}

	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("llm setup: %w", err)
	}

	classifier, err := sensitivity.New(cfg.Security, embedder, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("classifier setup: %w", err)
	}
	chunker, err := ingestion.NewChunker(cfg.Ingestion.ChunkSize, cfg.Ingestion.ChunkOverlap)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.ingestion, err = ingestion.NewService(ingestion.Dependencies{
		Index:    a.index,
		Scorer:   classifier,
		Embedder: embedder,
		Chunker:  chunker,
		Graph:    a.graph,
	}, ingestion.Options{SentinelThreshold: cfg.Security.SentinelThreshold}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("ingestion setup: %w", err)
	}

	a.engine, err = query.NewEngine(query.Dependencies{
		Index:    a.index,
		Scorer:   classifier,
		Embedder: embedder,
		LLM:      llmClient,
		Filter:   security.NewFilter(cfg.Security.SentinelThreshold),
		Sink:     a.traces,
	}, query.OptionsFromConfig(cfg), logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("query engine setup: %w", err)
	}

	logger.Info("pipeline ready",
		"index", cfg.Storage.IndexBackend,
		"embeddings", cfg.Models.Embeddings.Provider+"/"+cfg.Models.Embeddings.Model,
		"llm", cfg.Models.LLM.Provider+"/"+cfg.Models.LLM.Model,
		"graph", a.graph != nil,
	)
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// preload ingests dir so the in-memory index has something to answer from.
func (a *app) preload(ctx context.Context, dir string) {
	if dir == "" {
		return
	}
	if _, err := os.Stat(dir); err != nil {
		a.logger.Warn("skip preload", "dir", dir, "error", err)
		return
	}
	reports, err := a.ingestion.IngestDirectory(ctx, dir)
	if err != nil {
		a.logger.Warn("preload finished with errors", "dir", dir, "error", err)
	}
	a.logger.Info("preload complete", "dir", dir, "documents", len(reports))
}

func serveCmd(args []string) {
	flags, configPath := newFlagSet("serve")
	addr := flags.String("addr", "", "listen address (defaults to api.addr)")
	watch := flags.Bool("watch", false, "ingest files dropped into the data directory")
	preload := flags.Bool("preload", true, "ingest the data directory on start when the index is in memory")
	_ = flags.Parse(args)

	cfg, logger := loadConfig(*configPath)
	if *addr == "" {
		*addr = cfg.API.Addr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "setup failed", err)
	}
	defer a.Close()

	if *preload && cfg.Storage.IndexBackend == config.BackendMemory {
		a.preload(ctx, cfg.Ingestion.DataDir)
	}

	if *watch || cfg.Ingestion.Watch {
		watcher, err := ingestion.NewWatcher(a.ingestion, logger)
		if err != nil {
			fatal(logger, "watcher setup failed", err)
		}
		defer watcher.Close()
		go func() {
			if err := watcher.Run(ctx, cfg.Ingestion.DataDir); err != nil {
				logger.Error("watcher stopped", "error", err)
			}
		}()
	}

	judge, err := evaluation.NewJudge(cfg.Evaluation.Judge)
	if err != nil {
		fatal(logger, "judge setup failed", err)
	}

	srv, err := api.New(api.Dependencies{
		Engine:      a.engine,
		Index:       a.index,
		Embedder:    a.embedder,
		Ingestion:   a.ingestion,
		Harness:     evaluation.NewHarness(a.engine, judge, cfg.Evaluation.Parallelism, logger),
		Traces:      a.traces,
		Evaluations: recorder.New[evaluation.Summary](),
		Graph:       a.graph,
	}, api.OptionsFromConfig(cfg), logger)
	if err != nil {
		fatal(logger, "api setup failed", err)
	}

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", *addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "api server failed", err)
		}
	}
}

func ingestCmd(args []string) {
	flags, configPath := newFlagSet("ingest")
	dir := flags.String("dir", "", "directory of documents to ingest (defaults to ingestion.data_dir)")
	_ = flags.Parse(args)

	cfg, logger := loadConfig(*configPath)
	if *dir == "" {
		*dir = cfg.Ingestion.DataDir
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "setup failed", err)
	}
	defer a.Close()

	if cfg.Storage.IndexBackend == config.BackendMemory {
		logger.Warn("the memory index is discarded on exit; set storage.index_backend to postgres to keep it")
	}

	reports, err := a.ingestion.IngestDirectory(ctx, *dir)
	for _, r := range reports {
		status := fmt.Sprintf("%d chunks, %d restricted", r.Chunks, r.Restricted)
		if r.Skipped {
			status = "skipped: " + r.Reason
		}
		fmt.Printf("%s (%s)\n", r.Source, status)
	}
	if err != nil {
		fatal(logger, "ingestion failed", err)
	}
}

func queryCmd(args []string) {
	flags, configPath := newFlagSet("query")
	question := flags.String("q", "", "question to ask")
	role := flags.String("role", "guest", "caller role: guest or admin")
	_ = flags.Parse(args)

	if strings.TrimSpace(*question) == "" {
		fmt.Print("Enter your question: ")
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			*question = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "read question: %v\n", err)
			os.Exit(1)
		}
	}

	cfg, logger := loadConfig(*configPath)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "setup failed", err)
	}
	defer a.Close()

	if cfg.Storage.IndexBackend == config.BackendMemory {
		a.preload(ctx, cfg.Ingestion.DataDir)
	}

	result, err := a.engine.Query(ctx, query.Request{Query: *question, Role: *role})
	fmt.Println(result.Answer)
	fmt.Println()
	printTrace(result.Trace)
	if err != nil {
		os.Exit(1)
	}
}

func printTrace(trace query.Trace) {
	fmt.Printf("Trace %s\n", trace.ID)
	fmt.Printf("  role:     %s\n", trace.Role)
	fmt.Printf("  outcome:  %s (%s)\n", trace.Outcome, trace.Status)
	states := make([]string, len(trace.States))
	for i, s := range trace.States {
		states[i] = string(s)
	}
	fmt.Printf("  states:   %s\n", strings.Join(states, " -> "))
	fmt.Printf("  admitted: %d of %d\n", trace.FilteringLog.Admitted(), len(trace.FilteringLog))
	for _, d := range trace.FilteringLog {
		verdict := "admitted"
		if !d.Admitted {
			verdict = "denied"
		}
		fmt.Printf("    - %s #%d sim=%.3f %s (%s)\n", d.Source, d.Index, d.Similarity, verdict, d.Rule)
	}
	if trace.Error != "" {
		fmt.Printf("  error:    %s\n", trace.Error)
	}
	fmt.Printf("  elapsed:  %.3fs\n", trace.ElapsedSeconds)
}

func evaluateCmd(args []string) {
	flags, configPath := newFlagSet("evaluate")
	casesPath := flags.String("cases", "", "yaml file of test cases (defaults to evaluation.cases_file, then the built-in set)")
	judgeName := flags.String("judge", "", "answer judge: keyword or pattern (defaults to evaluation.judge)")
	_ = flags.Parse(args)

	cfg, logger := loadConfig(*configPath)
	if *casesPath == "" {
		*casesPath = cfg.Evaluation.CasesFile
	}
	if *judgeName == "" {
		*judgeName = cfg.Evaluation.Judge
	}

	cases, err := evaluation.LoadCases(*casesPath)
	if err != nil {
		fatal(logger, "load cases", err)
	}
	judge, err := evaluation.NewJudge(*judgeName)
	if err != nil {
		fatal(logger, "judge setup failed", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "setup failed", err)
	}
	defer a.Close()

	if cfg.Storage.IndexBackend == config.BackendMemory {
		a.preload(ctx, cfg.Ingestion.DataDir)
	}

	harness := evaluation.NewHarness(a.engine, judge, cfg.Evaluation.Parallelism, logger)
	summary := harness.Run(ctx, cases)
	if err := evaluation.WriteReport(os.Stdout, summary); err != nil {
		fatal(logger, "write report", err)
	}
	if summary.Failed > 0 {
		a.Close()
		os.Exit(1)
	}
}

func clearCmd(args []string) {
	flags, configPath := newFlagSet("clear")
	confirmed := flags.Bool("confirm", false, "skip confirmation prompt")
	_ = flags.Parse(args)

	cfg, logger := loadConfig(*configPath)

	if !*confirmed {
		fmt.Print("This will permanently delete indexed documents and the knowledge graph. Continue? [y/N]: ")
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				fatal(logger, "read confirmation", err)
			}
			logger.Info("clear aborted")
			return
		}
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if answer != "y" && answer != "yes" {
			logger.Info("clear aborted")
			return
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "setup failed", err)
	}
	defer a.Close()

	if err := a.index.Clear(ctx); err != nil {
		fatal(logger, "clear index", err)
	}
	logger.Info("index cleared", "backend", cfg.Storage.IndexBackend)

	if a.graph != nil {
		if err := knowledge.Purge(ctx, a.graph); err != nil {
			fatal(logger, "clear neo4j", err)
		}
		logger.Info("knowledge graph cleared")
	}
}

func mcpCmd(args []string) {
	flags, configPath := newFlagSet("mcp")
	addr := flags.String("addr", "localhost:8081", "listen address for the MCP SSE server")
	_ = flags.Parse(args)

	cfg, logger := loadConfig(*configPath)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "setup failed", err)
	}
	defer a.Close()

	if cfg.Storage.IndexBackend == config.BackendMemory {
		a.preload(ctx, cfg.Ingestion.DataDir)
	}

	srv := api.NewMCPServer(a.engine, logger)
	sse := server.NewSSEServer(srv, server.WithBaseURL(fmt.Sprintf("http://%s", *addr)))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mcp listening", "addr", *addr)
		errCh <- sse.Start(*addr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		if err := sse.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "mcp server failed", err)
		}
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func printUsage() {
	fmt.Println("Usage: juris-guard <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  serve      Run the HTTP API (use -watch to auto-ingest the data directory)")
	fmt.Println("  ingest     Ingest documents from a directory (use -dir to override the data directory)")
	fmt.Println("  query      Ask a question as guest or admin and print the trace")
	fmt.Println("  evaluate   Run the evaluation cases and print a report")
	fmt.Println("  clear      Remove indexed documents and the knowledge graph")
	fmt.Println("  mcp        Serve the query tool over MCP/SSE")
}
