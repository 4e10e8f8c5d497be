package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/CanGoymen/todoco/api"
	"github.com/CanGoymen/todoco/domain"
	"github.com/CanGoymen/todoco/realtime"
	"github.com/CanGoymen/todoco/storage"
)

const changesChannel = "workspace-changes"

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	statesTable := os.Getenv("STATES_TABLE")
	versionsTable := os.Getenv("VERSIONS_TABLE")
	usersTable := os.Getenv("USERS_TABLE")
	if connStr == "" || statesTable == "" || versionsTable == "" || usersTable == "" {
		log.Fatal("missing storage config")
	}

	clientToken := os.Getenv("TODOCO_TOKEN")
	if clientToken == "" {
		log.Fatal("missing TODOCO_TOKEN")
	}
	adminSecret := os.Getenv("ADMIN_TOKEN_SECRET")
	if adminSecret == "" {
		log.Fatal("missing ADMIN_TOKEN_SECRET")
	}
	adminTTL := 12 * time.Hour
	if v := os.Getenv("ADMIN_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid ADMIN_TOKEN_TTL: %v", err)
		}
		adminTTL = d
	}
	heartbeat := 30 * time.Second
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid HEARTBEAT_INTERVAL: %v", err)
		}
		heartbeat = d
	}

	base, err := storage.New(connStr, statesTable, versionsTable, usersTable)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	var store domain.Storage = base
	var rc *redis.Client
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		redisOpts, err := redis.ParseURL(redisConn)
		if err != nil {
			parts := strings.Split(redisConn, ",")
			redisOpts = &redis.Options{Addr: parts[0]}
			for _, p := range parts[1:] {
				kv := strings.SplitN(p, "=", 2)
				if len(kv) != 2 {
					continue
				}
				switch strings.ToLower(kv[0]) {
				case "password":
					redisOpts.Password = kv[1]
				case "ssl":
					if strings.ToLower(kv[1]) == "true" {
						redisOpts.TLSConfig = &tls.Config{}
					}
				}
			}
		}
		rc = redis.NewClient(redisOpts)

		cacheTTL := 5 * time.Minute
		if v := os.Getenv("CACHE_TTL"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				log.Fatalf("invalid CACHE_TTL: %v", err)
			}
			cacheTTL = d
		}
		store = storage.NewCache(base, rc, cacheTTL)
	}

	logger := log.New()
	if log.IsLevelEnabled(log.DebugLevel) {
		logger.SetLevel(log.DebugLevel)
	}

	workspaces := domain.NewWorkspaceService(store, logger)
	users := domain.NewUserService(store, workspaces, logger)
	auth := api.NewAuth(clientToken, adminSecret, adminTTL)

	hub := realtime.NewHub(logger)
	go hub.StartHeartbeat(heartbeat, api.WSPing)
	defer hub.Stop()

	bridge := realtime.NewBridge(rc, changesChannel, hub, workspaces, logger)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go bridge.Run(ctx)

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	api.Register(e, workspaces, users, auth, hub, bridge, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("shutdown")
		}
	}()

	if err := e.Start(listenAddr); err != nil && err != http.ErrServerClosed {
		e.Logger.Fatal(err)
	}
}
