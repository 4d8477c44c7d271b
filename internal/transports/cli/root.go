package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"velvet/internal/app"
	"velvet/internal/config"
	"velvet/internal/core"
	"velvet/pkg/logger"
)

type options struct {
	configPath string
}

// New создает корневую CLI-команду.
func New(version string) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "velvet",
		Short:         "Диспетчер команд по именованным модулям",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "путь к конфигу (.yaml или .toml)")

	root.AddCommand(newVersionCmd(version))
	root.AddCommand(newModulesCmd(opts))
	root.AddCommand(newInvokeCmd(opts))
	root.AddCommand(newConsoleCmd(opts))
	root.AddCommand(newServeCmd(opts))
	return root
}

func (o *options) load(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logger.NewTo(cmd.ErrOrStderr(), cfg.Agent.LogLevel, cfg.Agent.LogFormat), nil
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Показать версию",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version)
		},
	}
}

func newModulesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "Показать зарегистрированные модули",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, lg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			r, err := app.BuildRegistry(cmd.Context(), cfg, lg)
			if err != nil {
				return err
			}
			defer r.Close(context.Background())
			for _, m := range r.Modules() {
				fmt.Fprintln(cmd.OutOrStdout(), m)
			}
			return nil
		},
	}
}

func newInvokeCmd(opts *options) *cobra.Command {
	var (
		async   bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "invoke <module> [command...]",
		Short: "Вызвать модуль и напечатать результат",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, lg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			r, err := app.BuildRegistry(cmd.Context(), cfg, lg)
			if err != nil {
				return err
			}
			defer r.Close(context.Background())

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			module, command := args[0], strings.Join(args[1:], " ")
			var out core.Outcome
			if async {
				if out, err = r.InvokeAsync(ctx, module, command).Wait(ctx); err != nil {
					return fmt.Errorf("wait %s: %w", module, err)
				}
			} else {
				out = r.InvokeSync(ctx, module, command)
			}
			if out.Fault != nil {
				return out.Fault
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.Result)
			return nil
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "выполнить через асинхронную очередь")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "предельное время вызова")
	return cmd
}

func newConsoleCmd(opts *options) *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Построчная консоль: [/]module command",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, lg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg, lg)
			if err != nil {
				return err
			}
			defer closeApp(a, cfg)
			return a.Console(subject).WithPrompt("> ").Run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local", "идентификатор оператора для allowlist")
	return cmd
}

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Запустить транспорты и планировщик",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, lg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, lg)
			if err != nil {
				return err
			}
			defer closeApp(a, cfg)

			if err := a.Serve(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			lg.Info("shutdown")
			return nil
		},
	}
}

func closeApp(a *app.App, cfg config.Config) {
	timeout := time.Duration(cfg.Dispatch.ShutdownTimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		a.Logger.Warn("close", "err", err)
	}
}
