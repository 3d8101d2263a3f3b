package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/spf13/cobra"

	"github.com/Legion808/klinika/internal/config"
	"github.com/Legion808/klinika/internal/logging"
	"github.com/Legion808/klinika/internal/models"
	"github.com/Legion808/klinika/internal/server"
	"github.com/Legion808/klinika/internal/store"
	"github.com/Legion808/klinika/internal/utils"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "klinika",
		Short:        "Clinic live patient queue server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Environment, cfg.LogLevel)

			app, err := server.Open(cfg, logger)
			if err != nil {
				logger.Error().Err(err).Msg("failed to start")
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			// InitDB migrates on open.
			db, err := models.InitDB(models.DatabaseConfig{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	var (
		doctors  int
		patients int
		password string
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert demo doctors and patients",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			db, err := models.InitDB(models.DatabaseConfig{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
			if err != nil {
				return err
			}
			defer func() {
				if sqlDB, err := db.DB(); err == nil {
					_ = sqlDB.Close()
				}
			}()

			repo := store.NewGormRepository(db)
			faker := gofakeit.New(uint64(time.Now().UnixNano()))
			ctx := cmd.Context()

			seed := func(role models.Role, n int) error {
				for i := 0; i < n; i++ {
					u := &models.User{
						Username: faker.Username() + faker.DigitN(4),
						Email:    faker.Email(),
						FullName: faker.Name(),
						Role:     role,
						IsActive: true,
					}
					if role == models.RoleDoctor {
						u.FullName = "Dr. " + u.FullName
					}
					if err := u.SetPassword(password); err != nil {
						return err
					}
					if err := repo.CreateUser(ctx, u); err != nil {
						return fmt.Errorf("seed %s %s: %w", role, u.Email, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s  %s  %s\n", role, u.ID, u.Email, u.FullName)
				}
				return nil
			}
			if err := seed(models.RoleDoctor, doctors); err != nil {
				return err
			}
			return seed(models.RolePatient, patients)
		},
	}
	cmd.Flags().IntVar(&doctors, "doctors", 5, "number of doctors")
	cmd.Flags().IntVar(&patients, "patients", 20, "number of patients")
	cmd.Flags().StringVar(&password, "password", "password123", "password for every seeded user")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <email>",
		Short: "Print an access token for an existing user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			db, err := models.InitDB(models.DatabaseConfig{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
			if err != nil {
				return err
			}
			defer func() {
				if sqlDB, err := db.DB(); err == nil {
					_ = sqlDB.Close()
				}
			}()

			user, err := store.NewGormRepository(db).GetUserByEmail(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ttl == 0 {
				ttl = time.Duration(cfg.JWTExpirationMinutes) * time.Minute
			}
			token, err := utils.GenerateAccessToken(user, cfg.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to JWT_EXPIRATION_MINUTES)")
	return cmd
}
