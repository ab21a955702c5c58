// cmd/server/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/TigerAppsOrg/tigertype-sub001/internal/auth"
	"github.com/TigerAppsOrg/tigertype-sub001/internal/cache"
	"github.com/TigerAppsOrg/tigertype-sub001/internal/config"
	"github.com/TigerAppsOrg/tigertype-sub001/internal/database"
	"github.com/TigerAppsOrg/tigertype-sub001/internal/handlers"
	"github.com/TigerAppsOrg/tigertype-sub001/internal/lobby"
	"github.com/TigerAppsOrg/tigertype-sub001/internal/middleware"
)

func main() {
	logger := logrus.New()
	if config.GetEnv("LOG_LEVEL", "") == "debug" {
		logger.SetLevel(logrus.DebugLevel)
	}

	auth.Init()

	ctx := context.Background()

	store, err := database.Connect(ctx)
	if err != nil {
		logger.Fatalf("database connect failed: %v", err)
	}
	defer store.Close()

	var avatars *cache.AvatarCache
	if rdb, err := cache.ConnectRedis(ctx); err != nil {
		// Redis is an optimization layer; run degraded without it.
		logger.WithError(err).Warn("redis unavailable, avatar cache runs in-process only")
		avatars = cache.NewAvatarCache(nil, store)
	} else {
		avatars = cache.NewAvatarCache(rdb, store)
	}

	svc := lobby.NewService(logger, store, store, clockwork.NewRealClock())

	gw := &handlers.Gateway{
		Log:     logger,
		Service: svc,
		Avatars: avatars,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	})
	mux.Handle("/ws", middleware.LogMiddleware(logger)(gw.WSHandler()))

	addr := ":" + config.GetEnv("PORT", "8080")
	server := &http.Server{Addr: addr, Handler: mux}

	errc := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", addr)
		errc <- server.ListenAndServe()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errc:
		logger.Fatalf("server exited: %v", err)
	case sig := <-sigs:
		logger.Infof("terminating: %v", sig)
	}

	svc.Shutdown()
	server.Shutdown(ctx)
}
