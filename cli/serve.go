package cli

import (
	"context"
	"os"
	"runtime/debug"
	"runtime/pprof"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"

	"github.com/slicewise/slicewise/config"
	"github.com/slicewise/slicewise/logging"
	"github.com/slicewise/slicewise/web"
)

// ServeAction is the corresponding action for 'serve'. It loads the config file,
// serves HTTP until the context ends and reconfigures the server live whenever the
// config file changes on disk.
func ServeAction(c *cli.Context) error {
	logger := logging.NewLogger("slicewise")
	if c.Bool(debugFlag) {
		logger = logging.NewDebugLogger("slicewise")
	}
	ctx := c.Context

	logger.Infof("slicewise version %s, git rev %s", orDev(config.Version), orDev(config.GitRevision))

	configPath := c.Path(configFlag)
	if configPath == "" {
		return errors.New("no config file, pass one with --config")
	}

	if profilePath := c.Path(cpuProfileFlag); profilePath != "" {
		f, err := os.Create(profilePath)
		if err != nil {
			return err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
	}

	conf, err := config.Read(configPath, logger)
	if err != nil {
		return err
	}
	if c.Bool(debugFlag) {
		conf.Debug = true
	}

	server := web.New(logger)
	if err := server.Reconfigure(ctx, conf); err != nil {
		return err
	}
	defer func() {
		goutils.UncheckedError(server.Close(context.Background()))
	}()

	watcher, err := config.NewWatcher(configPath, logger)
	if err != nil {
		return err
	}
	defer func() {
		goutils.UncheckedError(watcher.Close())
	}()
	goutils.PanicCapturingGo(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case newConf, ok := <-watcher.Config():
				if !ok {
					return
				}
				if err := server.Reconfigure(ctx, newConf); err != nil {
					logger.Errorw("cannot apply changed config", "error", err)
				}
			}
		}
	})

	bindAddress := conf.Server.BindAddress
	if c.IsSet(bindAddressFlag) {
		bindAddress = c.String(bindAddressFlag)
	}
	return server.Serve(ctx, bindAddress)
}

// VersionAction is the corresponding action for 'version'.
func VersionAction(c *cli.Context) error {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return errors.New("error reading build info")
	}
	if c.Bool(debugFlag) {
		printf(c.App.Writer, "%s", info.String())
	}
	settings := make(map[string]string, len(info.Settings))
	for _, setting := range info.Settings {
		settings[setting.Key] = setting.Value
	}
	gitRevision := config.GitRevision
	if rev, ok := settings["vcs.revision"]; ok && gitRevision == "" {
		gitRevision = rev[:8]
		if settings["vcs.modified"] == "true" {
			gitRevision += "+"
		}
	}
	printf(c.App.Writer, "Version %s Git=%s", orDev(config.Version), orDev(gitRevision))
	return nil
}

func orDev(s string) string {
	if s == "" {
		return "(dev)"
	}
	return s
}
