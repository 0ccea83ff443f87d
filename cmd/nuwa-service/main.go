// nuwa-service runs a demo payment-enabled service: the kit's built-ins plus
// an example priced echo operation, served over HTTP (gin). Configuration
// comes from the environment (NUWA_* variables, .env honored) with flags on
// top.
package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	nuwa "github.com/nuwa-protocol/nuwa-kit/go"
	"github.com/nuwa-protocol/nuwa-kit/go/chain"
	"github.com/nuwa-protocol/nuwa-kit/go/crypto"
	"github.com/nuwa-protocol/nuwa-kit/go/payment"
	"github.com/nuwa-protocol/nuwa-kit/go/signers/local"
	"github.com/nuwa-protocol/nuwa-kit/go/storage"
	"github.com/nuwa-protocol/nuwa-kit/go/storage/memory"
	"github.com/nuwa-protocol/nuwa-kit/go/storage/redis"
	"github.com/nuwa-protocol/nuwa-kit/go/transports/nuwahttp"
	"github.com/nuwa-protocol/nuwa-kit/go/types"
	"github.com/nuwa-protocol/nuwa-kit/go/vdr"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "nuwa-service",
		Short:         "Payment-enabled demo service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(serveCmd())
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		listenAddr string
		redisAddr  string
		serviceID  string
		serviceDID string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), listenAddr, redisAddr, serviceID, serviceDID)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "redis address for durable storage (empty: in-memory)")
	cmd.Flags().StringVar(&serviceID, "service-id", "demo", "service identifier reported by discovery")
	cmd.Flags().StringVar(&serviceDID, "service-did", "did:rooch:rooch1demo", "service DID")
	return cmd
}

func serve(ctx context.Context, listenAddr, redisAddr, serviceID, serviceDID string) error {
	cfg, err := nuwa.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	did, err := types.ParseDID(serviceDID)
	if err != nil {
		return fmt.Errorf("--service-did: %w", err)
	}

	store, err := buildStorage(ctx, redisAddr)
	if err != nil {
		return err
	}

	// The dev network runs against the in-process mock chain; test and main
	// would take an RPC-backed chain.Client here.
	if cfg.Network != chain.NetworkDev {
		return fmt.Errorf("network %q needs an RPC chain client, only dev is wired", cfg.Network)
	}
	svcSigner := local.NewSigner(did, did.Identifier())
	if _, err := svcSigner.GenerateKey("account-key", crypto.KeyTypeEd25519); err != nil {
		return err
	}
	registry := vdr.NewRegistry(
		vdr.WithDriver(vdr.NewKeyDriver()),
		vdr.WithDriver(vdr.NewRoochDriver(chain.NewMockClient(),
			vdr.WithSigner(svcSigner),
			vdr.WithLogger(logger))),
	)

	// Fixed demo rate: 100 picoUSD per asset base unit. A production
	// deployment plugs a live RateProvider in here.
	rates := payment.NewRateCache(payment.FixedRateProvider{
		cfg.DefaultAssetID: big.NewInt(100),
	}, time.Minute)

	kit := nuwa.NewKit(serviceID, did, registry, store, rates,
		nuwa.WithLogger(logger),
		nuwa.WithDefaultAssetID(cfg.DefaultAssetID),
		nuwa.WithAdminDIDs(cfg.AdminDIDs...),
	)
	price := payment.PerRequest(1000)
	if cfg.DefaultPricePicoUSD != nil && cfg.DefaultPricePicoUSD.Sign() > 0 {
		price.PricePicoUSD = cfg.DefaultPricePicoUSD
	}
	if err := kit.RegisterPaid("demo.echo", price,
		func(_ context.Context, req *nuwa.Request) (any, payment.Units, error) {
			return map[string]any{"echo": string(req.Params)}, 0, nil
		}); err != nil {
		return err
	}
	if err := kit.Start(ctx); err != nil {
		return err
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.POST("/rpc", nuwahttp.GinHandler(kit, nuwahttp.WithLogger(logger)))

	server := &http.Server{Addr: listenAddr, Handler: router}
	errc := make(chan error, 1)
	go func() { errc <- server.ListenAndServe() }()
	logger.Info("serving",
		zap.String("listen", listenAddr),
		zap.String("serviceDid", serviceDID),
		zap.String("network", cfg.Network))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case <-stop:
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func buildStorage(ctx context.Context, redisAddr string) (storage.Backends, error) {
	if redisAddr == "" {
		return memory.New(), nil
	}
	client := goredis.NewClient(&goredis.Options{Addr: redisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		return storage.Backends{}, fmt.Errorf("redis at %s: %w", redisAddr, err)
	}
	return redis.New(client), nil
}
