package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/callmedenchick/adminrelay/internal/config"
	"github.com/callmedenchick/adminrelay/internal/dispatcher"
	"github.com/callmedenchick/adminrelay/internal/fanout"
	"github.com/callmedenchick/adminrelay/internal/handler"
	"github.com/callmedenchick/adminrelay/internal/hub"
	relay_middleware "github.com/callmedenchick/adminrelay/internal/middleware"
	"github.com/callmedenchick/adminrelay/internal/registry"
	"github.com/callmedenchick/adminrelay/internal/storage"
	"github.com/callmedenchick/adminrelay/internal/utils"
	"github.com/callmedenchick/adminrelay/internal/webhook"
	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	client_prometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"golang.org/x/time/rate"
)

var (
	tokenUsageMetric = promauto.NewCounterVec(client_prometheus.CounterOpts{
		Name: "relay_token_usage",
	}, []string{"token"})

	readyMetric = promauto.NewGauge(client_prometheus.GaugeOpts{
		Name: "relay_ready_status",
		Help: "Ready status of the relay (1 = ready, 0 = not ready)",
	})
)

var persistentPaths = []string{"/ws", "/events"}

func skipRateLimitsByToken(request *http.Request) bool {
	if request == nil {
		return false
	}
	authorization := request.Header.Get("Authorization")
	if authorization == "" {
		return false
	}
	token := strings.TrimPrefix(authorization, "Bearer ")
	exist := slices.Contains(config.Config.RateLimitsByPassToken, token)
	if exist {
		tokenUsageMetric.WithLabelValues(token).Inc()
		return true
	}
	return false
}

func connectionsLimitMiddleware(counter *relay_middleware.ConnectionsLimiter, skipper func(c echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper(c) {
				return next(c)
			}
			release, err := counter.LeaseConnection(c.Request())
			if err != nil {
				return c.JSON(utils.HttpResError(err.Error(), http.StatusTooManyRequests))
			}
			defer release()
			return next(c)
		}
	}
}

func setLogLevel(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("unknown log level %q, using info", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
}

func watchReadiness(ctx context.Context, journal storage.Storage) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		if err := journal.HealthCheck(); err != nil {
			readyMetric.Set(0)
		} else {
			readyMetric.Set(1)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func main() {
	log.Info("Relay is running")
	config.LoadConfig()
	setLogLevel(config.Config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	journal, err := storage.NewStorage(config.Config.JournalType, config.Config.JournalURI, storage.Options{
		TTL:          config.Config.JournalTTL,
		NatsStoreDir: config.Config.NatsStoreDir,
	})
	if err != nil {
		log.Fatalf("failed to create journal: %v", err)
	}
	log.Infof("Using %v notification journal", config.Config.JournalType)
	go watchReadiness(ctx, journal)

	reg := registry.New()
	connections := hub.New(config.Config.SendBuffer)
	opts := []fanout.Option{fanout.WithJournal(journal)}
	if hooks := webhook.New(config.Config.WebhookURL); hooks != nil {
		opts = append(opts, fanout.WithForwarder(hooks))
	}
	broadcaster := fanout.NewBroadcaster(reg, connections, opts...)
	d := dispatcher.New(reg, broadcaster)

	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%v", config.Config.MetricsPort),
		ReadHeaderTimeout: 10 * time.Second,
	}
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		Skipper:           nil,
		DisableStackAll:   true,
		DisablePrintStack: false,
	}))
	e.Use(middleware.Logger())
	e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			if skipRateLimitsByToken(c.Request()) || c.Request().Method != http.MethodPost {
				return true
			}
			return false
		},
		Store: middleware.NewRateLimiterMemoryStore(rate.Limit(config.Config.RPSLimit)),
	}))
	e.Use(connectionsLimitMiddleware(relay_middleware.NewConnectionLimiter(config.Config.ConnectionsLimit), func(c echo.Context) bool {
		if skipRateLimitsByToken(c.Request()) || !slices.Contains(persistentPaths, c.Path()) {
			return true
		}
		return false
	}))

	if config.Config.CorsEnable {
		corsConfig := middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:     config.Config.AllowedOrigins,
			AllowMethods:     []string{echo.GET, echo.POST, echo.OPTIONS},
			AllowHeaders:     []string{"DNT", "X-CustomHeader", "Keep-Alive", "User-Agent", "X-Requested-With", "If-Modified-Since", "Cache-Control", "Content-Type", "Authorization"},
			AllowCredentials: true,
			MaxAge:           86400,
		})
		e.Use(corsConfig)
	}

	h := handler.NewHandler(d, broadcaster, connections, journal, handler.Options{
		HeartbeatInterval: time.Duration(config.Config.HeartbeatInterval) * time.Second,
		AllowedOrigins:    config.Config.AllowedOrigins,
	})
	h.Register(e)

	var existedPaths []string
	for _, r := range e.Routes() {
		existedPaths = append(existedPaths, r.Path)
	}
	p := prometheus.NewPrometheus("http", func(c echo.Context) bool {
		return !slices.Contains(existedPaths, c.Path())
	})
	e.Use(p.HandlerFunc)

	go func() {
		addr := fmt.Sprintf(":%v", config.Config.Port)
		var err error
		if config.Config.SelfSignedTLS {
			cert, key, certErr := utils.GenerateSelfSignedCertificate()
			if certErr != nil {
				log.Fatalf("failed to generate self signed certificate: %v", certErr)
			}
			err = e.StartTLS(addr, cert, key)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	log.Info("Relay is shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// persistent connections are hijacked or streaming; close them first so
	// Shutdown does not wait on them.
	connections.CloseAll()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http shutdown: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("metrics shutdown: %v", err)
	}
	broadcaster.Wait()
	if err := journal.Close(); err != nil {
		log.Errorf("journal close: %v", err)
	}
}
