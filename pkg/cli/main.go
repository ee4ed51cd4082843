// Package cli builds the keyrotate command tree.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/keyrotate/pkg/app"
	"github.com/nimburion/keyrotate/pkg/config"
	"github.com/nimburion/keyrotate/pkg/configschema"
	"github.com/nimburion/keyrotate/pkg/fetcher"
	"github.com/nimburion/keyrotate/pkg/keystore"
	"github.com/nimburion/keyrotate/pkg/observability/logger"
	"github.com/nimburion/keyrotate/pkg/version"
)

// Options configures the root command.
type Options struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string
	// AppOptions are passed to app.New by the serve command.
	AppOptions []app.Option
}

// NewCommand creates the CLI with serve, migrate, keys, autorun, config,
// healthcheck and version subcommands. Running the bare command serves.
func NewCommand(opts Options) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "keyrotate"
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = config.DefaultEnvPrefix
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var cfgPath string
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgPath, "config", "c", opts.ConfigPath, "config file path")
	registerConfigFlags(flags)

	loadConfig := func(cmd *cobra.Command) (*config.Config, logger.Logger, error) {
		return LoadConfigAndLogger(cfgPath, opts.EnvPrefix, cmd.Flags())
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the rotation scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log, opts.AppOptions...)
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
	rootCmd.AddCommand(serveCmd)
	rootCmd.RunE = serveCmd.RunE

	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the key store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, loadConfig, func(ctx context.Context, store keystore.Store, log logger.Logger) error {
				log.Info("key store schema up to date")
				return nil
			})
		},
	})

	rootCmd.AddCommand(newKeysCommand(loadConfig))
	rootCmd.AddCommand(newAutoRunCommand(loadConfig))
	rootCmd.AddCommand(newConfigCommand(loadConfig))

	rootCmd.AddCommand(&cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to the key store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, loadConfig, func(ctx context.Context, store keystore.Store, log logger.Logger) error {
				if err := store.HealthCheck(ctx); err != nil {
					return fmt.Errorf("key store unhealthy: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "key store: ok")
				return nil
			})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Current(opts.Name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
		},
	})

	return rootCmd
}

func registerConfigFlags(flags *pflag.FlagSet) {
	defaults := config.DefaultConfig()
	flags.Int("port", defaults.HTTP.Port, "HTTP listen port")
	flags.String("database-type", defaults.Database.Type, "key store backend (sqlite, postgres, mysql, redis, memory)")
	flags.String("database-url", defaults.Database.URL, "key store connection string")
	flags.String("instance-id", defaults.Ownership.InstanceID, "identity recorded as auto-run owner")
	flags.String("log-level", defaults.Observability.LogLevel, "log level (debug, info, warn, error)")
	flags.String("log-format", defaults.Observability.LogFormat, "log format (json, text)")
}

type configLoader func(cmd *cobra.Command) (*config.Config, logger.Logger, error)

// withStore opens and migrates the configured store for the duration of fn.
func withStore(cmd *cobra.Command, load configLoader, fn func(ctx context.Context, store keystore.Store, log logger.Logger) error) error {
	cfg, log, err := load(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	store, err := keystore.New(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("open key store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Error("failed to close key store", "error", closeErr)
		}
	}()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate key store: %w", err)
	}
	return fn(ctx, store, log)
}

func newKeysCommand(load configLoader) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect stored keys",
	}

	var (
		search string
		asJSON bool
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List keys, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, load, func(ctx context.Context, store keystore.Store, _ logger.Logger) error {
				keys, err := listKeys(ctx, store, search)
				if err != nil {
					return err
				}
				if asJSON {
					return writeKeysJSON(cmd.OutOrStdout(), keys)
				}
				return writeKeysTable(cmd.OutOrStdout(), keys)
			})
		},
	}
	listCmd.Flags().StringVar(&search, "search", "", "case-insensitive secret filter")
	listCmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	keysCmd.AddCommand(listCmd)
	return keysCmd
}

func listKeys(ctx context.Context, store keystore.Store, search string) ([]keystore.Key, error) {
	if strings.TrimSpace(search) == "" {
		keys, err := store.ListKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("list keys: %w", err)
		}
		return keys, nil
	}
	var out []keystore.Key
	for page := 1; ; page++ {
		res, err := store.SearchKeys(ctx, keystore.SearchQuery{Text: search, Page: page, PageSize: keystore.MaxPageSize})
		if err != nil {
			return nil, fmt.Errorf("search keys: %w", err)
		}
		out = append(out, res.Items...)
		if len(res.Items) == 0 || len(out) >= res.Total {
			return out, nil
		}
	}
}

func writeKeysTable(w io.Writer, keys []keystore.Key) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSECRET\tACTIVE\tINTERVAL\tLAST ROTATED\tOK\tFAILED")
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%ds\t%s\t%d\t%d\n",
			k.ID,
			fetcher.MaskSecret(k.Secret),
			k.IsActive,
			k.RotationIntervalSeconds,
			formatTime(k.LastRotatedAt),
			k.SuccessCount,
			k.FailureCount,
		)
	}
	return tw.Flush()
}

func writeKeysJSON(w io.Writer, keys []keystore.Key) error {
	type row struct {
		ID                      string    `json:"id"`
		Secret                  string    `json:"secret"`
		IsActive                bool      `json:"isActive"`
		RotationIntervalSeconds int       `json:"rotationIntervalSeconds"`
		LastRotatedAt           time.Time `json:"lastRotatedAt"`
		LastError               string    `json:"lastError,omitempty"`
	}
	rows := make([]row, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, row{
			ID:                      k.ID,
			Secret:                  fetcher.MaskSecret(k.Secret),
			IsActive:                k.IsActive,
			RotationIntervalSeconds: k.RotationIntervalSeconds,
			LastRotatedAt:           k.LastRotatedAt,
			LastError:               k.LastError,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func newAutoRunCommand(load configLoader) *cobra.Command {
	autoRunCmd := &cobra.Command{
		Use:   "autorun",
		Short: "Inspect the persisted auto-run state",
	}
	autoRunCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the auto-run flag and the current owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, load, func(ctx context.Context, store keystore.Store, _ logger.Logger) error {
				running, err := store.GetAutoRunStatus(ctx)
				if err != nil {
					return fmt.Errorf("read auto-run status: %w", err)
				}
				owner, err := store.CurrentOwner(ctx)
				if err != nil && !errors.Is(err, keystore.ErrNotFound) {
					return fmt.Errorf("read owner: %w", err)
				}
				out := cmd.OutOrStdout()
				state := "disabled"
				if running {
					state = "enabled"
				}
				fmt.Fprintf(out, "auto-run: %s\n", state)
				switch {
				case owner.InstanceID == "":
					fmt.Fprintln(out, "owner:    none")
				case owner.ExpiresAt.IsZero():
					fmt.Fprintf(out, "owner:    %s\n", owner.InstanceID)
				default:
					live := "live"
					if !owner.HeldAt(time.Now()) {
						live = "expired"
					}
					fmt.Fprintf(out, "owner:    %s (%s, expires %s)\n", owner.InstanceID, live, formatTime(owner.ExpiresAt))
				}
				return nil
			})
		},
	})
	return autoRunCmd
}

func newConfigCommand(load configLoader) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := load(cmd); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with credentials masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load(cmd)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := configschema.Build()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(schema)
		},
	})
	return configCmd
}

// LoadConfigAndLogger applies flags > ENV > file > defaults and builds the zap logger.
func LoadConfigAndLogger(cfgPath, envPrefix string, flags *pflag.FlagSet) (*config.Config, logger.Logger, error) {
	cfg, err := config.NewViperLoader(cfgPath, envPrefix).WithFlags(flags).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.NewZapLogger(logger.Config{
		Level:  logger.LogLevel(strings.ToLower(cfg.Observability.LogLevel)),
		Format: logger.LogFormat(strings.ToLower(cfg.Observability.LogFormat)),
		Output: os.Stderr,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	if strings.EqualFold(cfg.Observability.LogLevel, string(logger.DebugLevel)) {
		log.Debug("effective configuration", "config", fmt.Sprintf("%+v", cfg.Redacted()))
	}
	return cfg, log, nil
}

// Execute runs the command and exits with a non-zero code on error.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
