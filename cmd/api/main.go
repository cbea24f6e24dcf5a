package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"storefront-payments/internal/config"
	"storefront-payments/internal/middleware"
	"storefront-payments/internal/model"
	"storefront-payments/internal/repository"
	"storefront-payments/internal/server"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "storefront",
		Short:        "Storefront orders, payments and reconciliation",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			// stopped only after the HTTP server has drained
			workerCtx, cancelWorkers := context.WithCancel(context.Background())
			var workers sync.WaitGroup
			workers.Add(2)
			go func() {
				defer workers.Done()
				a.dispatcher.Run(workerCtx)
			}()
			go func() {
				defer workers.Done()
				a.sweeper.Run(workerCtx)
			}()

			srv := server.NewServer(a.cfg.JWT, a.services, a.log)
			addr := a.address()

			a.log.Info("starting HTTP server", zap.String("addr", addr))
			errCh := make(chan error, 1)
			go func() {
				if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
				a.log.Info("signal received, starting graceful shutdown")
			case err = <-errCh:
				a.log.Error("http server error", zap.Error(err))
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				a.log.Error("http server shutdown", zap.Error(serr))
			}

			cancelWorkers()
			workers.Wait()
			return err
		},
	}
}

func sweepCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Cancel orders whose payment has been pending past SWEEP_AFTER",
		Long: `Run one auto-cancel pass and print the result as JSON.

Meant for cron. With --dry-run the candidates are listed and nothing changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			workerCtx, cancelWorkers := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				a.dispatcher.Run(workerCtx)
				close(done)
			}()
			defer func() {
				cancelWorkers()
				<-done
			}()

			result, err := a.sweeper.Sweep(ctx, dryRun)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list candidates without cancelling anything")
	return cmd
}

func migrateCmd() *cobra.Command {
	var seed bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			_, log, db, err := loadBase()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			log.Info("schema migrated")

			if !seed {
				return nil
			}

			if err := repository.NewProductRepository(db).Seed(ctx); err != nil {
				return fmt.Errorf("seed products: %w", err)
			}
			maxDiscount := decimal.NewFromInt(500)
			if err := repository.NewCouponRepository(db).Create(ctx, &model.Coupon{
				Code:          "WELCOME10",
				DiscountType:  model.DiscountPercentage,
				DiscountValue: decimal.NewFromInt(10),
				MaxDiscount:   &maxDiscount,
				Active:        true,
			}); err != nil {
				return fmt.Errorf("seed coupons: %w", err)
			}
			log.Info("sample data seeded")
			return nil
		},
	}

	cmd.Flags().BoolVar(&seed, "seed", false, "insert sample products and a WELCOME10 coupon")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token [user-id]",
		Short: "Sign a bearer token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWT.Secret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}

			signed, err := middleware.IssueToken(cfg.JWT, args[0], role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "customer", "role claim (admin unlocks /api/admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
