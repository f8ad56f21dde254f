package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yukin371/streamgate/internal/adapters/cli"
	"github.com/yukin371/streamgate/internal/config"
	"github.com/yukin371/streamgate/internal/core"
	"github.com/yukin371/streamgate/internal/eventbus"
	"github.com/yukin371/streamgate/internal/gateway"
	infracfg "github.com/yukin371/streamgate/internal/infrastructure/config"
	"github.com/yukin371/streamgate/internal/infrastructure/fs"
	"github.com/yukin371/streamgate/internal/metrics"
	"github.com/yukin371/streamgate/internal/storage"
	"github.com/yukin371/streamgate/pkg/logger"
	"github.com/yukin371/streamgate/pkg/utils"
)

const appName = "streamgate"

func runStream(cmd *cobra.Command, ui *cli.Adapter) error {
	s, log, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	if s.Prompt == "" || s.Code == "" {
		return fmt.Errorf("%w: --prompt and --code are required", errUsage)
	}

	loader := config.NewLoader(log)
	modelCfg, err := loader.Resolve(s)
	if err != nil {
		return err
	}
	if sources := loader.GetLoadedSources(); len(sources) > 0 {
		log.Debug("configuration files: %v", sources)
	}
	log.Debug("target %s/%s (%s)", modelCfg.Provider, modelCfg.Model, modelCfg.RegionOrEndpoint)

	// 文件错误必须在任何网络调用之前返回
	base, err := fs.LoadText(s.Prompt)
	if err != nil {
		return err
	}
	code, err := fs.LoadText(s.Code)
	if err != nil {
		return err
	}

	bus := eventbus.NewEventBus()
	bus.Use(eventbus.RecoveryMiddleware(log))
	bus.Use(eventbus.LoggingMiddleware(log))
	metrics.Attach(bus)
	defer func() {
		st := bus.GetStats()
		log.Debug("events: %d published, %d handlers run, %d failed", st.EventsPublished, st.HandlersRun, st.HandlersFailed)
	}()

	if s.UsageDB != "" {
		store, err := storage.NewSQLiteStore(s.UsageDB)
		if err != nil {
			ui.ShowWarning(fmt.Sprintf("usage ledger disabled: %v", err))
		} else {
			defer store.Close()
			detach := store.Attach(bus)
			defer detach()
		}
	}
	if s.MetricsFile != "" {
		defer func() {
			if err := metrics.WriteTextfile(s.MetricsFile); err != nil {
				ui.ShowWarning(err.Error())
			}
		}()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcome, err := gateway.New(log, bus).SendAndStream(ctx, modelCfg, core.JoinPrompt(base, code), ui.SendStream)
	if err != nil {
		if errors.Is(err, core.ErrEmptyPrompt) {
			// 已由网关记录警告，按空操作处理
			return nil
		}
		return err
	}

	ui.EndStream()
	ui.ShowSummary(modelCfg, outcome)
	return nil
}

func newModelsCmd(ui *cli.Adapter) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List model aliases from the built-in and --catalog catalogs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, log, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			catalog, err := config.NewLoader(log).Catalog(s.Catalog)
			if err != nil {
				return err
			}
			ui.ShowModels(catalog)
			return nil
		},
	}
}

func newUsageCmd(ui *cli.Adapter) *cobra.Command {
	var requestID string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show request totals recorded in the --usage-db ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			if s.UsageDB == "" {
				return fmt.Errorf("%w: --usage-db is required", errUsage)
			}
			if !utils.FileExists(s.UsageDB) {
				return fmt.Errorf("%w: %s", core.ErrFileNotFound, s.UsageDB)
			}

			store, err := storage.NewSQLiteStore(s.UsageDB)
			if err != nil {
				return err
			}
			defer store.Close()

			if requestID != "" {
				rec, err := store.Load(cmd.Context(), requestID)
				if err != nil {
					return err
				}
				ui.ShowRecord(rec)
				return nil
			}

			sums, err := store.Summaries(cmd.Context())
			if err != nil {
				return err
			}
			ui.ShowUsage(sums)
			return nil
		},
	}
	cmd.Flags().StringVar(&requestID, "id", "", "show a single request by the id printed after each run")
	return cmd
}

// loadSettings reads flags and environment and builds the logger
func loadSettings(cmd *cobra.Command) (*infracfg.Settings, *logger.Logger, error) {
	s, err := infracfg.Load(cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errUsage, err)
	}

	level, err := logger.ParseLevel(s.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	log := logger.New(os.Stderr, logger.Options{
		Level:   level,
		Format:  logger.Format(s.LogFormat),
		NoColor: !cli.IsTerminal(os.Stderr),
	})
	if s.Verbose {
		log = log.WithLevel(logger.DEBUG)
	}

	if s.Catalog == "" {
		s.Catalog = defaultCatalogPath()
	}
	return s, log, nil
}

// defaultCatalogPath returns <config dir>/streamgate/models.yaml when that file exists
func defaultCatalogPath() string {
	dir, err := utils.GetConfigDir(appName)
	if err != nil {
		return ""
	}
	path := filepath.Join(dir, "models.yaml")
	if !utils.FileExists(path) {
		return ""
	}
	return path
}
