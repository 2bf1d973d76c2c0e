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
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Loues000/Alcohol-Tracking-App/internal/httpapi"
	"github.com/Loues000/Alcohol-Tracking-App/internal/rowstore"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to read .env: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) > 0 && args[0] == "token" {
		return runToken(args[1:], stdout)
	}
	if len(args) > 0 && args[0] == "serve" {
		args = args[1:]
	}
	return runServe(ctx, args)
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", envOrDefault("DRINKLOG_ADDR", ":8080"), "listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dsn, err := rowStoreDSNFromEnv()
	if err != nil {
		return err
	}
	store, err := rowstore.BuildFromDSN(dsn)
	if err != nil {
		return fmt.Errorf("failed to initialize row store: %w", err)
	}
	defer store.Close()

	logger := log.New(os.Stderr, "drinklog-server ", log.LstdFlags)
	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("DRINKLOG_JWT_SECRET"),
		RateLimitMax:    intEnv("DRINKLOG_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("DRINKLOG_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("DRINKLOG_MAX_BODY_BYTES", 0),
		MaxRows:         intEnv("DRINKLOG_MAX_ROWS", 0),
		AllowedOrigins:  listEnv("DRINKLOG_ALLOWED_ORIGINS"),
		Logger:          logger,
	})
	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", *addr)
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv("DRINKLOG_SHUTDOWN_TIMEOUT", 10*time.Second))
	defer cancel()
	logger.Printf("shutting down")
	return httpServer.Shutdown(shutdownCtx)
}

// runToken mints a bearer token for local clients and prints it.
func runToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	owner := fs.String("owner", "", "token subject (owner id)")
	scopes := fs.String("scopes", "", "comma separated scopes; empty grants read and write")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	secret := fs.String("secret", envOrDefault("DRINKLOG_JWT_SECRET", "dev-secret"), "signing secret")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*owner) == "" {
		return errors.New("token: -owner is required")
	}
	token, err := httpapi.IssueToken(*secret, *owner, splitList(*scopes), *ttl, time.Now())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}

func rowStoreDSNFromEnv() (string, error) {
	if dsn := strings.TrimSpace(os.Getenv("DRINKLOG_ROW_STORE_DSN")); dsn != "" {
		return dsn, nil
	}
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("DRINKLOG_BACKEND_PROFILE")))
	switch profile {
	case "", "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("DRINKLOG_POSTGRES_DSN"))
		if dsn == "" {
			return "", fmt.Errorf("DRINKLOG_POSTGRES_DSN is required when DRINKLOG_BACKEND_PROFILE=%s", profile)
		}
		return dsn, nil
	default:
		return "", fmt.Errorf("unsupported DRINKLOG_BACKEND_PROFILE: %s", profile)
	}
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func listEnv(name string) []string {
	return splitList(os.Getenv(name))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
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
