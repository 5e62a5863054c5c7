// Command stream-herald bridges Twitch and YouTube live notifications into
// Discord. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Registers provider webhook subscriptions and serves their callbacks.
//   - Runs the reconciler that turns raw notifications into Discord actions,
//     plus catch-up polls and subscription maintenance for missed deliveries.
//   - Exposes an HTTP server with /healthz, /readyz, /status, and /metrics.
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

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/onnwee/stream-herald/config"
	"github.com/onnwee/stream-herald/db"
	"github.com/onnwee/stream-herald/event"
	"github.com/onnwee/stream-herald/notify"
	"github.com/onnwee/stream-herald/oauth"
	"github.com/onnwee/stream-herald/queue"
	"github.com/onnwee/stream-herald/reconcile"
	"github.com/onnwee/stream-herald/server"
	"github.com/onnwee/stream-herald/store"
	"github.com/onnwee/stream-herald/telemetry"
	"github.com/onnwee/stream-herald/twitch"
	"github.com/onnwee/stream-herald/verify"
	"github.com/onnwee/stream-herald/youtube"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("stream-herald", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first, embedded SQL as fallback for deployments
	// that predate the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.NewPostgres(database)
	q := queue.New()
	tokens := &db.TokenStoreAdapter{DB: database}

	// Restore the webhook dedup window so a restart does not re-apply the
	// most recent deliveries.
	ver := verify.New()
	if v, err := st.GetKV(ctx, "webhook_dedup"); err == nil && v != "" {
		ver.Restore(strings.Split(v, ","))
	}

	// Discord is the delivery target; a bad token means nothing this service
	// does can succeed, so fail fast.
	if err := cfg.ValidateDiscordReady(); err != nil {
		slog.Error("discord not configured", slog.Any("err", err))
		os.Exit(1)
	}
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		slog.Error("discord session init failed", slog.Any("err", err))
		os.Exit(1)
	}
	if _, err := session.User("@me"); err != nil {
		slog.Error("discord token rejected", slog.Any("err", err))
		os.Exit(1)
	}
	dispatcher := notify.New(session)

	meta := map[event.Provider]reconcile.MetadataSource{}
	names := map[event.Provider]reconcile.NameResolver{}

	// Both providers register public webhook callbacks, so a reachable base
	// URL is a prerequisite for either adapter.
	webhookErr := cfg.ValidateWebhookReady()
	if webhookErr != nil {
		slog.Warn("provider adapters disabled", slog.Any("err", webhookErr))
	}

	var tw *twitch.Adapter
	if err := cfg.ValidateTwitchReady(); webhookErr != nil || err != nil {
		if webhookErr == nil {
			slog.Warn("twitch adapter disabled", slog.Any("err", err))
		}
	} else {
		tw, err = twitch.New(twitch.Options{
			ClientID:        cfg.TwitchClientID,
			ClientSecret:    cfg.TwitchClientSecret,
			CallbackBaseURL: cfg.PublicBaseURL,
		}, st, q, tokens)
		if err != nil {
			slog.Error("twitch adapter init failed", slog.Any("err", err))
			os.Exit(1)
		}
		if err := tw.EnsureAppToken(ctx); err != nil {
			slog.Warn("twitch app token fetch failed", slog.Any("err", err))
		}
		meta[event.ProviderTwitch] = tw
		names[event.ProviderTwitch] = tw
		go reconcile.StartLoop(ctx, "twitch-catchup", cfg.TwitchPollInterval, st, tw.CatchUp)
	}

	var yt *youtube.Service
	if webhookErr != nil {
		// already reported above
	} else if cfg.YTAPIKey == "" && cfg.YTClientID == "" {
		slog.Warn("youtube adapter disabled: no YT_API_KEY or YT_CLIENT_ID")
	} else {
		yt = youtube.New(youtube.Options{
			APIKey:          cfg.YTAPIKey,
			ClientID:        cfg.YTClientID,
			ClientSecret:    cfg.YTClientSecret,
			RedirectURI:     cfg.YTRedirectURI,
			HubURL:          cfg.YTHubURL,
			CallbackBaseURL: cfg.PublicBaseURL,
		}, st, q, tokens)
		go reconcile.StartLoop(ctx, "youtube-catchup", cfg.YTPollInterval, st, yt.CatchUp)

		oauth.StartRefresher(ctx, database, "youtube", 10*time.Minute, 20*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
			if cfg.YTClientID == "" {
				return "", "", time.Time{}, "", context.Canceled
			}
			oc := &oauth2.Config{ClientID: cfg.YTClientID, ClientSecret: cfg.YTClientSecret, Endpoint: google.Endpoint, RedirectURL: cfg.YTRedirectURI}
			newTok, err := oc.TokenSource(rctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
			if err != nil {
				return "", "", time.Time{}, "", err
			}
			return newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, "", nil
		})
	}

	// Subscription maintenance: renew hub leases coming up on expiry and
	// re-create EventSub subscriptions Twitch dropped.
	go reconcile.StartLoop(ctx, "maintenance", cfg.YTLeaseInterval, st, func(mctx context.Context) error {
		if yt != nil {
			if err := yt.MaintainLeases(mctx); err != nil {
				slog.Warn("lease maintenance failed", slog.Any("err", err))
			}
		}
		if tw != nil {
			if err := tw.Maintain(mctx); err != nil {
				slog.Warn("eventsub maintenance failed", slog.Any("err", err))
			}
		}
		return nil
	})

	rec := reconcile.New(st, dispatcher, q, clockwork.NewRealClock(), reconcile.Options{
		Meta:           meta,
		Names:          names,
		IgnoreCooldown: cfg.IgnoreCooldown,
	})
	go rec.Run(ctx)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
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

	// Typed-nil adapters must not reach the interface fields.
	var twGW server.TwitchGateway
	if tw != nil {
		twGW = tw
	}
	var ytGW server.YouTubeGateway
	if yt != nil {
		ytGW = yt
	}
	srv := server.New(cfg, st, q, ver, twGW, ytGW)
	go func() {
		if err := srv.Start(ctx); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
	q.Close()

	// Persist the dedup window for the next boot.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.SetKV(flushCtx, "webhook_dedup", strings.Join(ver.Snapshot(), ",")); err != nil {
		slog.Warn("persist dedup state failed", slog.Any("err", err))
	}
}
