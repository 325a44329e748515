package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mind-engage/lti-tool/internal/config"
	"github.com/mind-engage/lti-tool/internal/db"
	"github.com/mind-engage/lti-tool/pkg/tool/ags"
	"github.com/mind-engage/lti-tool/pkg/tool/httpapi"
	"github.com/mind-engage/lti-tool/pkg/tool/lti"
	"github.com/mind-engage/lti-tool/pkg/tool/registry"
	"github.com/mind-engage/lti-tool/pkg/tool/storage"
)

const purgeInterval = 5 * time.Minute

func main() {
	cfg := config.FromEnv()
	log := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	platforms, err := registry.LoadFile(cfg.PlatformsFile)
	if err != nil {
		log.Fatalf("platform registry: %v", err)
	}
	signer, err := loadSigner(cfg, log)
	if err != nil {
		log.Fatalf("tool signing key: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- shared state ---
	nonces, launches, ready, closeStores, err := openStores(ctx, cfg, log)
	if err != nil {
		log.Fatalf("stores: %v", err)
	}
	defer closeStores()

	// --- protocol components ---
	keys := lti.NewKeySetCache(platforms)
	keys.TTL = cfg.KeySetTTL
	keys.FetchTimeout = cfg.KeySetFetchTimeout
	keys.Logger = log

	login := lti.NewLoginInitiator(platforms, nonces)
	login.RedirectURL = cfg.LaunchURL()
	login.Logger = log

	validator := lti.NewLaunchValidator(platforms, keys, nonces, launches)
	validator.ClockSkew = cfg.ClockSkew
	validator.Logger = log

	deepLinks := lti.NewDeepLinkBuilder(signer)
	deepLinks.Logger = log

	hashKey, blockKey, err := cookieKeys(cfg, log)
	if err != nil {
		log.Fatalf("cookie keys: %v", err)
	}
	cookieOpts := []httpapi.StateCookieOpt{httpapi.WithMaxAge(cfg.NonceTTL)}
	if !cfg.SecureCookies() {
		cookieOpts = append(cookieOpts, httpapi.WithInsecure())
	}

	srv := &httpapi.Server{
		Login:       login,
		Validator:   validator,
		Launches:    launches,
		DeepLinks:   deepLinks,
		JWKS:        &lti.JWKSHandler{Provider: signer},
		Cookies:     httpapi.NewStateCookie(hashKey, blockKey, cookieOpts...),
		CORSOrigins: cfg.CORSOrigins,
		Logger:      log,
		Ready:       ready,
		Grades: func(lc *lti.LaunchContext) (httpapi.ScorePoster, error) {
			reg, err := platforms.Find(lc.Issuer, lc.ClientID)
			if err != nil {
				return nil, err
			}
			return ags.NewClient(lc, reg, signer, ags.WithLogger(log))
		},
	}

	s := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	log.WithFields(logrus.Fields{
		"addr":      cfg.HTTPAddr,
		"store":     cfg.Store,
		"platforms": len(platforms.Issuers()),
		"kid":       signer.KID(),
	}).Info("lti tool listening")
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	return log
}

func loadSigner(cfg config.Config, log logrus.FieldLogger) (*lti.Signer, error) {
	if cfg.ToolKeyFile == "" {
		log.Warn("LTI_TOOL_KEY_FILE not set; using an ephemeral signing key")
		return lti.GenerateSigner()
	}
	b, err := os.ReadFile(cfg.ToolKeyFile)
	if err != nil {
		return nil, err
	}
	return lti.LoadSignerPEM(cfg.ToolKeyID, b)
}

func cookieKeys(cfg config.Config, log logrus.FieldLogger) ([]byte, []byte, error) {
	if cfg.CookieSecret == "" {
		log.Warn("LTI_COOKIE_SECRET not set; login state will not survive a restart")
		return securecookie.GenerateRandomKey(64), securecookie.GenerateRandomKey(32), nil
	}
	return cfg.CookieKeys()
}

// readiness pings the shared store behind /healthz; nil for the memory store.
type readiness func(ctx context.Context) error

func openStores(ctx context.Context, cfg config.Config, log *logrus.Logger) (lti.NonceStore, lti.LaunchCache, readiness, func(), error) {
	switch cfg.Store {
	case config.StoreSQL:
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		dbh, err := db.Open(openCtx, db.Driver(cfg.DBDriver), cfg.DBDSN)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		nonces := storage.NewSQLNonceStore(dbh, cfg.NonceTTL)
		nonces.OpTimeout = cfg.StoreTimeout
		launches := storage.NewSQLLaunchCache(dbh, cfg.LaunchTTL)
		launches.OpTimeout = cfg.StoreTimeout
		go purgeLoop(ctx, log, nonces, launches)
		return nonces, launches, dbh.Ping, func() { _ = dbh.Close() }, nil

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, nil, err
		}
		nonces := storage.NewRedisNonceStore(client, cfg.NonceTTL)
		nonces.OpTimeout = cfg.StoreTimeout
		launches := storage.NewRedisLaunchCache(client, cfg.LaunchTTL)
		launches.OpTimeout = cfg.StoreTimeout
		ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
		return nonces, launches, ping, func() { _ = client.Close() }, nil

	default:
		nonces := lti.NewMemoryNonceStore(lti.WithNonceTTL(cfg.NonceTTL))
		launches := lti.NewMemoryLaunchCache(cfg.LaunchTTL)
		return nonces, launches, nil, func() { _ = nonces.Close() }, nil
	}
}

// purgeLoop sweeps expired rows from stores that do not expire on their own.
func purgeLoop(ctx context.Context, log logrus.FieldLogger, purgers ...lti.Purger) {
	t := time.NewTicker(purgeInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, p := range purgers {
				if n, err := p.Purge(ctx); err != nil {
					log.WithError(err).Warn("store purge failed")
				} else if n > 0 {
					log.WithField("removed", n).Debug("store purge")
				}
			}
		}
	}
}
