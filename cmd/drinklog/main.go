package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Loues000/Alcohol-Tracking-App/internal/entrysync"
	"github.com/Loues000/Alcohol-Tracking-App/internal/kvstore"
	"github.com/Loues000/Alcohol-Tracking-App/internal/pending"
	"github.com/Loues000/Alcohol-Tracking-App/internal/remote"
	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"
)

const usage = `usage: drinklog [flags] <command> [args]

commands:
  add       log a drink
  list      show entries and totals
  update    change an entry
  delete    delete an entry
  restore   undo the last delete
  pending   show queued operations
  sync      refresh and replay queued operations once
  run       keep syncing until interrupted
  settings  show or change local settings
`

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to read .env: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type config struct {
	baseURL  string
	token    string
	owner    string
	stateDSN string
	logFile  string
	timeout  time.Duration
}

// app bundles the collaborators every command works with.
type app struct {
	cfg    config
	out    io.Writer
	logger *log.Logger
	state  kvstore.Store
	queue  *pending.Queue
	client *remote.HTTPClient
	engine *entrysync.Engine
	closer []io.Closer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("drinklog", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	var cfg config
	fs.StringVar(&cfg.baseURL, "base-url", envOrDefault("DRINKLOG_BASE_URL", "http://127.0.0.1:8080"), "drinklog server URL")
	fs.StringVar(&cfg.token, "token", strings.TrimSpace(os.Getenv("DRINKLOG_TOKEN")), "bearer token")
	fs.StringVar(&cfg.owner, "owner", strings.TrimSpace(os.Getenv("DRINKLOG_OWNER")), "owner id the token was issued for")
	fs.StringVar(&cfg.stateDSN, "state", envOrDefault("DRINKLOG_STATE_DSN", defaultStateDSN()), "local state store DSN")
	fs.StringVar(&cfg.logFile, "log-file", strings.TrimSpace(os.Getenv("DRINKLOG_LOG_FILE")), "write logs to a rotating file instead of stderr")
	fs.DurationVar(&cfg.timeout, "timeout", durationEnv("DRINKLOG_TIMEOUT", 15*time.Second), "per-request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return errors.New("missing command")
	}
	command, commandArgs := rest[0], rest[1:]
	if command == "help" {
		fs.Usage()
		return nil
	}

	handler, ok := commands[command]
	if !ok {
		fs.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
	a, err := newApp(cfg, stdout, stderr, command != "settings")
	if err != nil {
		return err
	}
	defer a.Close()
	return handler(ctx, a, commandArgs)
}

func newApp(cfg config, stdout, stderr io.Writer, needsRemote bool) (*app, error) {
	a := &app{cfg: cfg, out: stdout}
	var logOut io.Writer = stderr
	if cfg.logFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.logFile,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		}
		a.closer = append(a.closer, rotating)
		logOut = rotating
	}
	a.logger = log.New(logOut, "drinklog ", log.LstdFlags)

	state, err := kvstore.BuildFromDSN(cfg.stateDSN)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open local state %q: %w", cfg.stateDSN, err)
	}
	a.state = state
	a.closer = append(a.closer, state)
	if !needsRemote {
		return a, nil
	}

	if strings.TrimSpace(cfg.token) == "" {
		a.Close()
		return nil, errors.New("token is required (-token or DRINKLOG_TOKEN)")
	}
	if strings.TrimSpace(cfg.owner) == "" {
		a.Close()
		return nil, errors.New("owner is required (-owner or DRINKLOG_OWNER)")
	}
	timeout := cfg.timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	a.client = remote.NewHTTPClient(remote.ClientOptions{
		BaseURL:    cfg.baseURL,
		Token:      cfg.token,
		Owner:      cfg.owner,
		HTTPClient: &http.Client{Timeout: timeout},
	})
	a.queue = pending.New(state, pending.Options{Logger: a.logger})
	a.engine, err = entrysync.New(entrysync.Options{
		Owner:  cfg.owner,
		Remote: a.client,
		Queue:  a.queue,
		Logger: a.logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a.engine != nil {
		a.engine.Close()
	}
	for i := len(a.closer) - 1; i >= 0; i-- {
		if err := a.closer[i].Close(); err != nil && a.logger != nil {
			a.logger.Printf("close failed: %v", err)
		}
	}
}

func defaultStateDSN() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		dir = "."
	}
	return "file://" + filepath.Join(dir, "drinklog", "state.json")
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}
