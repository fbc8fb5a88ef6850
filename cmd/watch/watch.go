package watch

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sidkik/dirmirror/cmd/util"
	"github.com/sidkik/dirmirror/pkg/config"
	"github.com/sidkik/dirmirror/pkg/errors"
	"github.com/sidkik/dirmirror/pkg/supervisor"
	"github.com/sidkik/dirmirror/pkg/sync"
)

// envPrefix is the prefix of the environment variables that override the
// command's flags. For example, DIRMIRROR_LOG_FILE sets `--log-file`.
const envPrefix = "DIRMIRROR"

// New creates a new `watch` command.
func New() *cobra.Command {
	return newCommand(viper.New())
}

func newCommand(opts *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Mirror changes from every configured source directory",
		Long: `Watch every source directory in the sync registry, and copy files that
are created or modified into the matching destination directory.

Send SIGHUP to reload the registry without restarting.`,
		Run: func(_ *cobra.Command, _ []string) {
			err := run(opts.GetString("config"), opts.GetString("log-file"))
			if err != nil {
				util.HandleFatalError(err)
			}
		},
	}

	flags := cmd.Flags()
	flags.String("config", config.DefaultRegistryPath, "Path to the sync registry")
	flags.String("log-file", "", "Write logs to this file instead of stderr")

	opts.SetEnvPrefix(envPrefix)
	opts.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	opts.AutomaticEnv()
	for _, name := range []string{"config", "log-file"} {
		if err := opts.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	return cmd
}

func run(registryPath, logPath string) error {
	log.SetFormatter(&log.TextFormatter{
		// Show the full timestamp rather than the time elapsed since
		// dirmirror started.
		FullTimestamp: true,
	})

	if logPath != "" {
		logFile, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.WithContext(err, "open log file")
		}
		defer logFile.Close()

		log.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,

			// Disable colors since we're logging to a file.
			DisableColors: true,
		})
		log.SetOutput(logFile)
	}

	loadTargets := func() ([]sync.Target, error) {
		return loadTargets(registryPath)
	}

	targets, err := loadTargets()
	if err != nil {
		return err
	}

	controller := supervisor.NewController(supervisor.New(sync.NewLogSink(), nil))
	if err := controller.ApplyConfiguration(targets); err != nil {
		return errors.WithContext(err, "configure")
	}

	if err := controller.StartAll(); err != nil {
		return errors.WithContext(err, "start")
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	return serve(controller, signals, loadTargets)
}

// serve reloads the configuration on SIGHUP, and stops watching on any other
// signal.
func serve(controller *supervisor.Controller, signals <-chan os.Signal,
	reload func() ([]sync.Target, error)) error {

	for sig := range signals {
		if sig != syscall.SIGHUP {
			log.WithField("signal", sig).Info("Stopping")
			controller.StopAll()
			return nil
		}

		targets, err := reload()
		if err != nil {
			log.WithError(err).Error("Failed to reload the sync registry. " +
				"Continuing with the previous configuration.")
			continue
		}

		log.WithField("targets", len(targets)).Info("Reloading sync registry")
		if err := controller.ApplyConfiguration(targets); err != nil {
			return errors.WithContext(err, "apply configuration")
		}
	}

	controller.StopAll()
	return nil
}

func loadTargets(registryPath string) ([]sync.Target, error) {
	registry, err := config.LoadOrInitRegistry(registryPath)
	if err != nil {
		return nil, errors.WithContext(err, "load sync registry")
	}

	targets, invalid := registry.SyncTargets()
	for i, err := range invalid {
		log.WithError(err).WithField("index", i).Error(
			"Ignoring invalid sync target. Run `dirmirror config edit` to fix it.")
	}

	if len(registry.Targets) == 0 {
		log.WithField("path", registryPath).Warn("The sync registry is empty. " +
			"Run `dirmirror config add` to add a sync target.")
	}
	return targets, nil
}
