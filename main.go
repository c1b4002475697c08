// parlor/main.go

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"parlor/config"
	"parlor/database"
	"parlor/handlers"
	"parlor/models"
	"parlor/utils"

	"github.com/joho/godotenv"
)

// Application holds all shared services and satisfies handlers.App.
type Application struct {
	db          *database.DatabaseService
	rateLimiter *models.RateLimiter
	sessions    *models.SessionStore
	presence    *models.Presence
	hub         *handlers.Hub
	traffic     *models.TrafficCounter
	logger      *slog.Logger
	storage     models.StorageService
	avatarDir   string
}

func (a *Application) DB() *database.DatabaseService    { return a.db }
func (a *Application) RateLimiter() *models.RateLimiter { return a.rateLimiter }
func (a *Application) Sessions() *models.SessionStore   { return a.sessions }
func (a *Application) Presence() *models.Presence       { return a.presence }
func (a *Application) Hub() *handlers.Hub               { return a.hub }
func (a *Application) Traffic() *models.TrafficCounter  { return a.traffic }
func (a *Application) Logger() *slog.Logger             { return a.logger }
func (a *Application) Storage() models.StorageService   { return a.storage }
func (a *Application) AvatarDir() string                { return a.avatarDir }

func mustDuration(logger *slog.Logger, name, value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		logger.Error("Invalid duration in configuration", "name", name, "value", value, "error", err)
		os.Exit(1)
	}
	return d
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Could not load .env file", "error", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	logger.Info("Starting parlor", "version", config.AppVersion)

	// --- Gate policy ---
	policy := models.GatePolicy{
		Founder:        utils.GetEnv("PARLOR_FOUNDER", config.DefaultFounder),
		BanBlocksLogin: utils.GetEnv("PARLOR_BAN_BLOCKS_LOGIN", "false") == "true",
		DeletePolicy:   utils.GetEnv("PARLOR_DELETE_POLICY", config.DefaultDeletePolicy),
	}
	switch policy.DeletePolicy {
	case models.DeleteByAuthor, models.DeleteByAdmin, models.DeleteByAuthorOrAdmin:
	default:
		logger.Error("Invalid PARLOR_DELETE_POLICY", "value", policy.DeletePolicy)
		os.Exit(1)
	}

	// --- Database ---
	dbPath := utils.GetEnv("PARLOR_DB_PATH", "./parlor.db")
	db, err := database.InitDB(dbPath+"?_journal_mode=WAL&_busy_timeout=5000", policy, logger)
	if err != nil {
		logger.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}

	// Seed the founder identity so it exists before first login.
	founderPassword := os.Getenv("PARLOR_FOUNDER_PASSWORD")
	if founderPassword == "" {
		logger.Error("PARLOR_FOUNDER_PASSWORD must be set")
		os.Exit(1)
	}
	hash, err := utils.HashPassword(founderPassword)
	if err != nil {
		logger.Error("Failed to hash founder password", "error", err)
		os.Exit(1)
	}
	if err := db.EnsureAccount(policy.Founder, hash, true); err != nil {
		logger.Error("Failed to seed founder account", "error", err)
		os.Exit(1)
	}

	// One-time import of a legacy accounts file, if configured.
	if accountsFile := os.Getenv("PARLOR_ACCOUNTS_FILE"); accountsFile != "" {
		raw, err := os.ReadFile(accountsFile)
		if err != nil {
			logger.Error("Failed to read legacy accounts file", "path", accountsFile, "error", err)
			os.Exit(1)
		}
		admins := []string{policy.Founder}
		if extra := os.Getenv("PARLOR_ADMINS"); extra != "" {
			admins = append(admins, splitCSV(extra)...)
		}
		n, err := db.ImportLegacyAccounts(raw, admins)
		if err != nil {
			logger.Error("Failed to import legacy accounts", "error", err)
			os.Exit(1)
		}
		logger.Info("Imported legacy accounts", "count", n)
	}

	// --- Storage ---
	var storage models.StorageService
	avatarDir := ""
	if endpoint := os.Getenv("PARLOR_S3_ENDPOINT"); endpoint != "" {
		s3, err := utils.NewS3Storage(
			endpoint,
			os.Getenv("PARLOR_S3_ACCESS_KEY"),
			os.Getenv("PARLOR_S3_SECRET_KEY"),
			utils.GetEnv("PARLOR_S3_BUCKET", "parlor"),
			utils.GetEnv("PARLOR_S3_REGION", "us-east-1"),
			os.Getenv("PARLOR_S3_PUBLIC_URL"),
			utils.GetEnv("PARLOR_S3_USE_SSL", "true") == "true",
		)
		if err != nil {
			logger.Error("Failed to initialize S3 storage", "error", err)
			os.Exit(1)
		}
		storage = s3
		logger.Info("Using S3 avatar storage", "bucket", s3.BucketName)
	} else {
		avatarDir = utils.GetEnv("PARLOR_AVATAR_DIR", "./avatars")
		if err := os.MkdirAll(avatarDir, 0755); err != nil {
			logger.Error("Failed to create avatar directory", "path", avatarDir, "error", err)
			os.Exit(1)
		}
		storage = &utils.LocalStorage{AvatarDir: avatarDir}
		logger.Info("Using local avatar storage", "dir", avatarDir)
	}

	// --- Services ---
	burst, err := strconv.Atoi(utils.GetEnv("PARLOR_RATE_BURST", strconv.Itoa(config.DefaultRateLimitBurst)))
	if err != nil || burst < 1 {
		logger.Error("Invalid PARLOR_RATE_BURST")
		os.Exit(1)
	}
	app := &Application{
		db: db,
		rateLimiter: models.NewRateLimiter(
			mustDuration(logger, "PARLOR_RATE_EVERY", utils.GetEnv("PARLOR_RATE_EVERY", config.DefaultRateLimitEvery)),
			burst,
			mustDuration(logger, "PARLOR_RATE_PRUNE", utils.GetEnv("PARLOR_RATE_PRUNE", config.DefaultRateLimitPrune)),
			mustDuration(logger, "PARLOR_RATE_EXPIRE", utils.GetEnv("PARLOR_RATE_EXPIRE", config.DefaultRateLimitExpire)),
		),
		sessions:  models.NewSessionStore(mustDuration(logger, "PARLOR_SESSION_TTL", utils.GetEnv("PARLOR_SESSION_TTL", config.DefaultSessionTTL))),
		presence:  models.NewPresence(),
		hub:       handlers.NewHub(),
		traffic:   models.NewTrafficCounter(mustDuration(logger, "PARLOR_TRAFFIC_WINDOW", utils.GetEnv("PARLOR_TRAFFIC_WINDOW", config.DefaultTrafficWindow))),
		logger:    logger,
		storage:   storage,
		avatarDir: avatarDir,
	}

	// --- Server ---
	addr := ":" + utils.GetEnv("PARLOR_PORT", "8080")
	server := &http.Server{
		Addr:              addr,
		Handler:           handlers.NewRouter(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Graceful shutdown failed", "error", err)
	}
	if err := db.DB.Close(); err != nil {
		logger.Error("Failed to close database", "error", err)
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
