// Command identityd serves local, Google and GitHub sign-in over one
// identity store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"cloud.google.com/go/datastore"
	"github.com/alexedwards/scs/v2"
	"github.com/gorilla/mux"
	ggrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	id "github.com/campusconnect/identity"
	"github.com/campusconnect/identity/blob/minio"
	identitygrpc "github.com/campusconnect/identity/grpc"
	"github.com/campusconnect/identity/internal/config"
	"github.com/campusconnect/identity/oauth2"
	"github.com/campusconnect/identity/stores/fs"
	"github.com/campusconnect/identity/stores/gae"
	gormstore "github.com/campusconnect/identity/stores/gorm"
	"github.com/campusconnect/identity/stores/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("identityd stopped", "error", err)
		os.Exit(1)
	}
}

// userStore is what identityd needs from a backend.
type userStore interface {
	id.UserStore
	id.UserLister
}

func openStore(ctx context.Context, cfg config.StoreConfig) (userStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case config.StoreFS:
		return fs.NewUserStore(cfg.Path), noop, nil
	case config.StoreSQLite:
		store, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.StorePostgres:
		db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := gormstore.AutoMigrate(db); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		return gormstore.NewUserStore(db), sqlDB.Close, nil
	case config.StoreDatastore:
		client, err := datastore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("open datastore: %w", err)
		}
		return gae.NewUserStore(client, cfg.Namespace), client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

func newHasher(cfg config.HashConfig) id.Hasher {
	var base id.Hasher
	if cfg.Algorithm == config.HashArgon2id {
		base = id.NewArgon2idHasher(cfg.Time, cfg.MemoryKiB, cfg.Threads)
	} else {
		base = id.NewBcryptHasher(cfg.BcryptCost)
	}
	return id.NewLimitedHasher(base, int(cfg.Concurrency))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	resolver := id.NewResolver(store, newHasher(cfg.Hash))
	resolver.Policy = id.PasswordPolicy{MinLength: cfg.Hash.MinLength}
	resolver.Logger = logger
	resolver.Linker.Logger = logger
	codec := &id.Codec{Store: store, Logger: logger}

	var blobs *minio.Client
	if cfg.MinIO.Endpoint != "" {
		publicBase := cfg.MinIO.PublicBaseURL
		if publicBase == "" {
			publicBase = "/uploads"
		}
		blobs, err = minio.Dial(ctx, minio.Options{
			Endpoint:      cfg.MinIO.Endpoint,
			AccessKey:     cfg.MinIO.AccessKey,
			SecretKey:     cfg.MinIO.SecretKey,
			UseSSL:        cfg.MinIO.UseSSL,
			Bucket:        cfg.MinIO.Bucket,
			PublicBaseURL: publicBase,
		})
		if err != nil {
			return err
		}
	}
	var mutator *id.Mutator
	if blobs != nil {
		mutator = id.NewMutator(resolver, blobs)
	} else {
		mutator = id.NewMutator(resolver, nil)
	}
	mutator.Logger = logger
	defer mutator.Wait()

	sessionManager := scs.New()
	sessionManager.Lifetime = cfg.Session.Lifetime
	sessionManager.Cookie.Name = cfg.Session.CookieName
	sessionManager.Cookie.Secure = cfg.Session.CookieSecure
	sessionManager.Cookie.HttpOnly = true
	sessions := &id.Sessions{Manager: sessionManager, Codec: codec}

	var tokens *id.TokenIssuer
	if cfg.JWT.SecretKey != "" {
		tokens = &id.TokenIssuer{SecretKey: []byte(cfg.JWT.SecretKey), Issuer: cfg.JWT.Issuer, TTL: cfg.JWT.TTL, Codec: codec}
	} else {
		logger.Warn("IDENTITY_JWT_SECRET_KEY not set, bearer tokens disabled")
	}

	auth := &id.Auth{
		Sessions:            sessions,
		Tokens:              tokens,
		Resolver:            resolver,
		AuthTokenCookieName: "identity_token",
		AfterLoginURL:       cfg.HTTP.AfterLoginURL,
		SessionTimeout:      cfg.Session.Lifetime,
		Logger:              logger,
	}
	if cfg.Google.Enabled() {
		google := oauth2.NewGoogleOAuth2(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.CallbackURL, auth.HandleAssertion)
		google.Logger = logger
		auth.AddAuth("/google", google.Handler())
	}
	if cfg.GitHub.Enabled() {
		github := oauth2.NewGithubOAuth2(cfg.GitHub.ClientID, cfg.GitHub.ClientSecret, cfg.GitHub.CallbackURL, auth.HandleAssertion)
		github.Logger = logger
		auth.AddAuth("/github", github.Handler())
	}

	middleware := &id.Middleware{Sessions: sessions, Tokens: tokens, Codec: codec, AuthTokenCookieName: auth.AuthTokenCookieName, Logger: logger}
	local := &id.LocalAuth{Auth: auth, Resolver: resolver, Mutator: mutator, Logger: logger}
	router := newRouter(auth, local, middleware, store, blobs, logger)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      sessionManager.LoadAndSave(router),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	var grpcServer *ggrpc.Server
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	if cfg.GRPC.Addr != "" {
		grpcServer = newGRPCServer(codec, logger)
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("starting grpc server", "address", cfg.GRPC.Addr)
			if err := grpcServer.Serve(lis); err != nil {
				errs <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting http server", "address", cfg.HTTP.Addr, "store", cfg.Store.Backend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received interruption signal, shutting down")
	case runErr = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during http shutdown", "error", err)
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	wg.Wait()
	logger.Info("shutdown complete")
	return runErr
}

func newGRPCServer(codec *id.Codec, logger *slog.Logger) *ggrpc.Server {
	config := identitygrpc.NewPublicMethodsConfig(codec, "/grpc.health.v1.Health/Check", "/grpc.health.v1.Health/Watch")
	config.Logger = logger
	s := ggrpc.NewServer(
		ggrpc.ChainUnaryInterceptor(identitygrpc.UnaryAuthInterceptor(config)),
		ggrpc.ChainStreamInterceptor(identitygrpc.StreamAuthInterceptor(config)),
	)
	healthpb.RegisterHealthServer(s, health.NewServer())
	return s
}

func newRouter(auth *id.Auth, local *id.LocalAuth, mw *id.Middleware, users id.UserLister, blobs *minio.Client, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(mw.ExtractUser)

	r.PathPrefix("/auth/").Handler(http.StripPrefix("/auth", auth.Handler()))
	r.Handle("/api/login", local).Methods(http.MethodPost)
	r.HandleFunc("/api/signup", local.HandleSignup).Methods(http.MethodPost)

	api := r.PathPrefix("/api/me").Subrouter()
	api.Use(mw.EnsureUser)
	api.HandleFunc("", local.HandleMe).Methods(http.MethodGet)
	api.HandleFunc("/username", local.HandleChangeUsername).Methods(http.MethodPost)
	api.HandleFunc("/password", local.HandleChangePassword).Methods(http.MethodPost)
	api.HandleFunc("/picture", local.HandleProfilePicture).Methods(http.MethodPost)

	r.Handle("/api/users", mw.EnsureUser(listUsers(users, logger))).Methods(http.MethodGet)
	if blobs != nil && blobs.PublicBaseURL == "/uploads" {
		r.PathPrefix("/uploads/").Handler(serveBlob(blobs, logger)).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func listUsers(users id.UserLister, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all, err := users.ListUsers(r.Context())
		if err != nil {
			logger.Error("listing users", "error", err)
			http.Error(w, `{"error": "Something went wrong, please try again"}`, id.HTTPStatus(err))
			return
		}
		type entry struct {
			ID          string `json:"id"`
			Username    string `json:"username"`
			DisplayName string `json:"display_name"`
		}
		out := make([]entry, 0, len(all))
		for _, u := range all {
			out = append(out, entry{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName})
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			logger.Debug("writing user list", "error", err)
		}
	}
}

func serveBlob(blobs *minio.Client, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := r.URL.Path
		if !strings.HasPrefix(ref, "/uploads/profiles/") || strings.Contains(ref, "..") {
			http.NotFound(w, r)
			return
		}
		body, err := blobs.Open(r.Context(), ref)
		if err != nil {
			logger.Warn("opening blob", "ref", ref, "error", err)
			http.NotFound(w, r)
			return
		}
		defer body.Close()
		w.Header().Set("Cache-Control", "public, max-age=86400")
		if _, err := io.Copy(w, body); err != nil {
			logger.Debug("streaming blob", "ref", ref, "error", err)
		}
	}
}
