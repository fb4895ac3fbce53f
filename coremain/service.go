package coremain

import (
	"context"
	"fmt"
	"os"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mandiear/offline-cache/mlog"
)

var svcCfg = &service.Config{
	Name:        "offline-cache",
	DisplayName: "offline-cache",
	Description: "Offline-first cache for agricultural market data.",
}

// svc is set by initService for the service subcommands.
var svc service.Service

// serverService runs the daemon under the system service manager.
type serverService struct {
	f *serverFlags

	cancel context.CancelFunc
	done   chan struct{}
}

func (ss *serverService) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	ss.cancel = cancel
	ss.done = make(chan struct{})
	go func() {
		defer close(ss.done)
		if err := StartServer(ctx, ss.f); err != nil {
			mlog.L().Error("server exited", zap.Error(err))
			os.Exit(1)
		}
	}()
	return nil
}

func (ss *serverService) Stop(s service.Service) error {
	if ss.cancel != nil {
		ss.cancel()
		<-ss.done
	}
	return nil
}

func initService(cmd *cobra.Command, args []string) error {
	s, err := service.New(&serverService{}, svcCfg)
	if err != nil {
		return fmt.Errorf("failed to init service, %w", err)
	}
	svc = s
	return nil
}

func newSvcInstallCmd() *cobra.Command {
	var (
		dir    string
		config string
	)
	c := &cobra.Command{
		Use:   "install [-d working_dir] [-c config_file]",
		Short: "Install offline-cache as a system service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			svcCfg.Arguments = []string{"start", "--as-service"}
			if len(dir) > 0 {
				svcCfg.Arguments = append(svcCfg.Arguments, "-d", dir)
			}
			if len(config) > 0 {
				svcCfg.Arguments = append(svcCfg.Arguments, "-c", config)
			}
			s, err := service.New(&serverService{}, svcCfg)
			if err != nil {
				return fmt.Errorf("failed to init service, %w", err)
			}
			return s.Install()
		},
		SilenceUsage: true,
	}
	c.Flags().StringVarP(&dir, "dir", "d", "", "working dir")
	c.Flags().StringVarP(&config, "config", "c", "", "config file")
	return c
}

func newSvcUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall the offline-cache service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Uninstall()
		},
		SilenceUsage: true,
	}
}

func newSvcStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the offline-cache service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Start()
		},
		SilenceUsage: true,
	}
}

func newSvcStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the offline-cache service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Stop()
		},
		SilenceUsage: true,
	}
}

func newSvcRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the offline-cache service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.Restart()
		},
		SilenceUsage: true,
	}
}

func newSvcStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of the offline-cache service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := svc.Status()
			if err != nil {
				return err
			}
			var out string
			switch s {
			case service.StatusRunning:
				out = "running"
			case service.StatusStopped:
				out = "stopped"
			default:
				out = "unknown"
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
		SilenceUsage: true,
	}
}
