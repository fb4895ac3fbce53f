package coremain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mandiear/offline-cache/constant"
	"github.com/mandiear/offline-cache/mlog"
	"github.com/mandiear/offline-cache/pkg/model"
	"github.com/mandiear/offline-cache/pkg/sync_engine"
)

type serverFlags struct {
	c         string
	dir       string
	cpu       int
	asService bool
}

var rootCmd = &cobra.Command{
	Use:   "offline-cache",
	Short: "Offline-first cache for agricultural market data.",
}

func init() {
	sf := new(serverFlags)
	startCmd := &cobra.Command{
		Use:   "start [-c config_file] [-d working_dir]",
		Short: "Start the cache daemon.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.asService {
				s, err := service.New(&serverService{f: sf}, svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				return s.Run()
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return StartServer(ctx, sf)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(startCmd)
	fs := startCmd.Flags()
	fs.StringVarP(&sf.c, "config", "c", "", "config file")
	fs.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	fs.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")
	fs.BoolVar(&sf.asService, "as-service", false, "start as a service")
	fs.MarkHidden("as-service")

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage offline-cache as a system service.",
	}
	serviceCmd.PersistentPreRunE = initService
	serviceCmd.AddCommand(
		newSvcInstallCmd(),
		newSvcUninstallCmd(),
		newSvcStartCmd(),
		newSvcStopCmd(),
		newSvcRestartCmd(),
		newSvcStatusCmd(),
	)
	rootCmd.AddCommand(serviceCmd)

	rootCmd.AddCommand(
		newSyncCmd(),
		newCacheCmd(),
		newConfigCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version.",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), constant.Version)
			},
		},
	)
}

func AddSubCmd(c *cobra.Command) {
	rootCmd.AddCommand(c)
}

func Run() error {
	return rootCmd.Execute()
}

// StartServer runs the daemon until ctx is done.
func StartServer(ctx context.Context, sf *serverFlags) error {
	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}

	if len(sf.dir) > 0 {
		err := os.Chdir(sf.dir)
		if err != nil {
			return fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}

	cfg, fileUsed, err := loadConfig(sf.c)
	if err != nil {
		return fmt.Errorf("fail to load config, %w", err)
	}
	if len(fileUsed) == 0 {
		mlog.L().Info("no config file found, using defaults")
	}

	if err := RunOfflineCache(ctx, cfg, fileUsed); err != nil {
		return fmt.Errorf("offline-cache exited, %w", err)
	}
	return nil
}

// openCLI loads the config and opens the components a one-shot command
// needs.
func openCLI(configFile string, withSync bool) (*OfflineCache, error) {
	cfg, _, err := loadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("fail to load config, %w", err)
	}
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	return newOfflineCache(cfg, lg, withSync, false)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSyncCmd() *cobra.Command {
	var configFile string
	onceCmd := &cobra.Command{
		Use:   "once [-c config_file]",
		Short: "Run one sync cycle and print its result.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m, err := openCLI(configFile, true)
			if err != nil {
				return err
			}
			defer m.Close()

			res, err := m.GetService().RunSyncCycle(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Status == sync_engine.Failed {
				return fmt.Errorf("sync %s failed", res.SyncID)
			}
			return nil
		},
		SilenceUsage: true,
	}
	onceCmd.Flags().StringVarP(&configFile, "config", "c", "", "config file")

	c := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the cache with the upstream sources.",
	}
	c.AddCommand(onceCmd)
	return c
}

func newCacheCmd() *cobra.Command {
	var configFile string
	c := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the local cache.",
	}
	c.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file")

	var detailed bool
	statsCmd := &cobra.Command{
		Use:   "stats [--detailed]",
		Short: "Print cache statistics.",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openCLI(configFile, false)
			if err != nil {
				return err
			}
			defer m.Close()

			var v any
			if detailed {
				v, err = m.GetService().DetailedStatistics(cmd.Context())
			} else {
				v, err = m.GetService().CacheStatistics(cmd.Context())
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
		SilenceUsage: true,
	}
	statsCmd.Flags().BoolVar(&detailed, "detailed", false, "include per type sizes and most accessed entries")

	var (
		olderThanHours float64
		dataType       string
	)
	clearCmd := &cobra.Command{
		Use:   "clear [--older-than hours] [--type data_type]",
		Short: "Remove cache entries.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThanHours < 0 {
				return fmt.Errorf("%w: negative --older-than", model.ErrInvalidArgument)
			}
			m, err := openCLI(configFile, false)
			if err != nil {
				return err
			}
			defer m.Close()

			olderThan := time.Duration(olderThanHours * float64(time.Hour))
			n, err := m.GetService().ClearCache(cmd.Context(), olderThan, model.DataType(dataType))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"removed": n})
		},
		SilenceUsage: true,
	}
	clearCmd.Flags().Float64Var(&olderThanHours, "older-than", 0, "only entries not updated for this many hours")
	clearCmd.Flags().StringVar(&dataType, "type", "", "only entries of this data type")

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired entries.",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openCLI(configFile, false)
			if err != nil {
				return err
			}
			defer m.Close()

			n, err := m.GetService().SweepExpired(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"removed": n})
		},
		SilenceUsage: true,
	}

	c.AddCommand(statsCmd, clearCmd, sweepCmd)
	return c
}

func newConfigCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file.",
	}
	c.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default config. Default path is config.yaml.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.yaml"
			if len(args) > 0 {
				path = args[0]
			}
			if err := writeDefaultConfig(path); err != nil {
				return fmt.Errorf("failed to write config, %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "default config written to %s\n", path)
			return nil
		},
		SilenceUsage: true,
	})
	return c
}
