// Command chatmux aggregates live chat from Twitch, YouTube, Trovo, Kick and
// DLive into one stream. It:
//   - Loads configuration and initializes structured logging.
//   - Opens the sealed credential document.
//   - Starts the dispatcher, the token refresher and one reader per enabled
//     platform, plus bot senders where a bot credential exists.
//   - Exposes the callback server with /healthz, /status, /metrics, the
//     control endpoints and platform webhook routes.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chatmux/chat"
	"github.com/onnwee/chatmux/config"
	"github.com/onnwee/chatmux/connector"
	"github.com/onnwee/chatmux/credentials"
	"github.com/onnwee/chatmux/crypto"
	"github.com/onnwee/chatmux/dispatch"
	"github.com/onnwee/chatmux/dlive"
	"github.com/onnwee/chatmux/kick"
	"github.com/onnwee/chatmux/oauth"
	"github.com/onnwee/chatmux/router"
	"github.com/onnwee/chatmux/server"
	"github.com/onnwee/chatmux/supervisor"
	"github.com/onnwee/chatmux/telemetry"
	"github.com/onnwee/chatmux/trovo"
	"github.com/onnwee/chatmux/twitch"
	"github.com/onnwee/chatmux/youtubeapi"
)

const version = "0.1.0"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.ValidateCallback(); err != nil {
		slog.Error("invalid callback config", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	// Tracing is a no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set.
	shutdownTracing, err := telemetry.InitTracing("chatmux", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	store, err := credentials.Open(cfg.CredentialsFile, crypto.SealerFor(cfg.EncryptionKey, cfg.KeyFile))
	if err != nil {
		slog.Error("failed to open credentials", slog.String("path", cfg.CredentialsFile), slog.Any("err", err))
		os.Exit(1)
	}
	if n := len(store.PlaintextFields()); n > 0 {
		slog.Warn("credential document holds plaintext secrets; run seal-credentials", slog.Int("count", n))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher := dispatch.New(dispatch.WithCapacities(cfg.DedupIDCapacity, cfg.DedupCanonicalCapacity, cfg.DedupEchoCapacity))
	go dispatcher.Run(ctx)
	subscribeConsole(dispatcher)

	adapters := []supervisor.Adapter{
		twitch.Adapter{},
		&youtubeapi.Adapter{},
		trovo.Adapter{},
		kick.Adapter{},
		dlive.Adapter{},
	}
	tokens := oauth.NewManager(store, cfg.TokenRefreshInterval)
	sendRouter := router.New(dispatcher, supervisor.Echoing(adapters))

	srv := server.New(ctx, server.OptionsFromConfig(cfg, nil))
	sup := supervisor.New(supervisor.Options{
		Store:  store,
		Tokens: tokens,
		Router: sendRouter,
		Sink:   dispatcher,
		Env: supervisor.Env{
			HTTPClient: &http.Client{Timeout: cfg.HTTPTimeout},
			WS:         connector.WSOptions{OpenTimeout: cfg.WSOpenTimeout, PingInterval: cfg.WSPingInterval},
			Routes:     srv,
			PublicURL:  strings.TrimRight(cfg.PublicWebhookURL, "/"),
		},
		Adapters:       adapters,
		Grace:          cfg.ShutdownGrace,
		ForwardBotChat: cfg.ForwardBotChat,
	})
	srv.SetController(sup)

	if err := srv.Start(ctx); err != nil {
		slog.Error("callback server failed to start", slog.Any("err", err))
	}
	startPprof()

	tokens.Start(ctx, 5*time.Minute)
	if err := sup.Start(ctx); err != nil {
		slog.Warn("some platforms failed to start", slog.Any("err", err))
	}

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+time.Second)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		slog.Warn("supervisor shutdown incomplete", slog.Any("err", err))
	}
	if err := srv.Wait(shutdownCtx); err != nil {
		slog.Warn("callback server did not stop in time", slog.Any("err", err))
	}
}

// setupLogging configures the default logger. Defaults: level=info, format=text.
func setupLogging(level, format string) {
	lvl := slog.LevelInfo
	unknown := false
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		unknown = true
	}
	var handler slog.Handler
	format = strings.ToLower(format)
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	if unknown {
		slog.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// subscribeConsole logs the aggregated stream: messages and deletions at
// debug, connector status at info.
func subscribeConsole(d *dispatch.Dispatcher) {
	d.SubscribeMessages(func(m chat.Message) {
		slog.Debug("chat",
			slog.String("platform", string(m.Platform)),
			slog.String("kind", string(m.Kind)),
			slog.String("user", m.Username),
			slog.String("text", m.Text))
	})
	d.SubscribeDeletions(func(del chat.Deletion) {
		slog.Debug("chat deleted", slog.String("platform", string(del.Platform)), slog.String("message_id", del.MessageID))
	})
	d.SubscribeStatus(func(st chat.Status) {
		attrs := []any{
			slog.String("platform", string(st.Platform)),
			slog.String("role", string(st.Role)),
			slog.String("state", st.State),
		}
		if st.Kind != "" {
			attrs = append(attrs, slog.String("error_kind", st.Kind), slog.String("reason", st.Reason))
		}
		slog.Info("connector status", attrs...)
	})
}

// startPprof serves profiling endpoints when ENABLE_PPROF=1.
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
