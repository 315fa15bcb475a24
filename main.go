package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	clerk "github.com/clerk/clerk-sdk-go/v2"
	gorilllaHandlers "github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"centumAPI/handlers"
	"centumAPI/internal/bus"
	"centumAPI/internal/cache"
	"centumAPI/internal/checkin"
	"centumAPI/internal/connectivity"
	"centumAPI/internal/quota"
	"centumAPI/internal/remote"
	"centumAPI/internal/stats"
	"centumAPI/internal/workers"
	"centumAPI/middleware"
	"centumAPI/services"
)

var (
	challengeCache   *cache.ChallengeCache
	remoteStore      *remote.FirestoreStore
	monitor          *connectivity.Monitor
	changes          *bus.Bus
	challengeService *services.ChallengeService
	aggregator       *stats.Aggregator
)

func init() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	clerkSecretKey := os.Getenv("CLERK_SECRET_KEY")
	if clerkSecretKey == "" {
		log.Fatal("CLERK_SECRET_KEY environment variable is not set")
	}
	clerk.SetKey(clerkSecretKey)
	log.Println("Clerk initialized successfully")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	remoteStore, err = remote.NewFirestoreStore(ctx, "./serviceAccountKey.json")
	if err != nil {
		log.Fatal("Failed to initialize Firestore:", err)
	}
	log.Println("Successfully connected to Firestore")

	cachePath := os.Getenv("CACHE_DB_PATH")
	if cachePath == "" {
		cachePath = "./centum_cache.db"
	}
	challengeCache, err = cache.Open(cachePath)
	if err != nil {
		log.Fatal("Failed to open local challenge cache:", err)
	}
	log.Printf("Local challenge cache ready at %s", cachePath)

	rules := checkin.DefaultRules()
	rules.CutoffHour = envInt("CHECKIN_CUTOFF_HOUR", rules.CutoffHour)
	rules.TargetDays = envInt("CHALLENGE_TARGET_DAYS", rules.TargetDays)

	policy := quota.DefaultPolicy()
	policy.FreeLimit = envInt("FREE_CHALLENGE_LIMIT", policy.FreeLimit)

	monitor = connectivity.NewMonitor()
	changes = bus.New()

	entitlements := quota.NewBoundedChecker(
		quota.NewStoreEntitlement(remoteStore),
		quota.DefaultCheckTimeout,
	)

	challengeService = services.NewChallengeService(
		remoteStore, challengeCache, monitor, changes, rules, policy, entitlements,
	)
	aggregator = stats.NewAggregator(challengeService, rules)

	middleware.InitPrometheus()
	services.RegisterMetrics()
}

func main() {
	defer func() {
		log.Println("Closing local cache and Firestore client...")
		challengeCache.Close()
		remoteStore.Close()
	}()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Background machinery: connectivity probing, offline-write flushing,
	// metrics rollups.
	monitor.StartProbe(rootCtx, remoteStore.Ping, connectivity.DefaultProbeInterval)
	workers.StartSyncWorker(rootCtx, challengeService, monitor, workers.DefaultSweepInterval)
	aggregator.Start(rootCtx, changes)

	challengeHandler := handlers.NewChallengeHandler(challengeService)
	statsHandler := handlers.NewStatsHandler(challengeService, aggregator)

	r := mux.NewRouter()

	go middleware.CleanupVisitors()

	r.Use(middleware.RateLimitMiddleware)
	r.Use(middleware.MonitorMiddleware)

	r.Handle("/metrics", middleware.BasicAuthMiddleware(promhttp.Handler()))

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := remoteStore.Ping(ctx); err != nil {
			// Degraded, not down: the engine keeps serving from cache.
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status": "degraded", "remote": "unreachable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy", "service": "centum-api"}`))
	}).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()

	protected := api.PathPrefix("").Subrouter()
	protected.Use(middleware.ClerkAuthMiddleware)

	protected.HandleFunc("/challenges", challengeHandler.ListChallenges).Methods("GET")
	protected.HandleFunc("/challenges", challengeHandler.CreateChallenge).Methods("POST")
	protected.HandleFunc("/challenges/refresh", challengeHandler.Refresh).Methods("POST")
	protected.HandleFunc("/challenges/{id}", challengeHandler.GetChallenge).Methods("GET")
	protected.HandleFunc("/challenges/{id}", challengeHandler.UpdateChallenge).Methods("PUT")
	protected.HandleFunc("/challenges/{id}", challengeHandler.DeleteChallenge).Methods("DELETE")
	protected.HandleFunc("/challenges/{id}/check-in", challengeHandler.CheckIn).Methods("POST")
	protected.HandleFunc("/user/metrics", statsHandler.GetUserMetrics).Methods("GET")
	protected.HandleFunc("/session/end", challengeHandler.EndSession).Methods("POST")

	corsHandler := gorilllaHandlers.CORS(
		gorilllaHandlers.AllowedOrigins([]string{"*"}),
		gorilllaHandlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		gorilllaHandlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		gorilllaHandlers.ExposedHeaders([]string{"Content-Length"}),
		gorilllaHandlers.AllowCredentials(),
	)

	port := os.Getenv("PORT")
	if port == "" {
		port = "3333"
	}
	port = ":" + port

	server := http.Server{
		Addr:         port,
		Handler:      corsHandler(r),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 20 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Starting server on port %s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Error starting server:", err)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	sig := <-sigChan
	log.Println("Got signal:", sig)
	rootCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("Invalid %s=%q, using default %d", key, raw, fallback)
		return fallback
	}
	return v
}
