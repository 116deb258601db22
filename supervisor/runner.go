package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beer-garden/beer-garden/config"
	"github.com/beer-garden/beer-garden/errors"
)

// pluginRunner launches one process per instance of every plugin found
// in the plugin directory, capturing output into per-runner log files.
type pluginRunner struct {
	pluginDir  string
	logDir     string
	gardenName string
	host       string
	port       int
	logger     *slog.Logger

	mu     sync.Mutex
	procs  map[string]*pluginProcess
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type pluginProcess struct {
	runnerID string
	plugin   string
	instance string
	cmd      *exec.Cmd
	logFile  *os.File
}

func newPluginRunner(cfg *config.Config, gardenName string, logger *slog.Logger) *pluginRunner {
	return &pluginRunner{
		pluginDir:  cfg.Plugin.Directory,
		logDir:     cfg.Plugin.LogDirectory,
		gardenName: gardenName,
		host:       cfg.HTTP.Host,
		port:       cfg.HTTP.Port,
		logger:     logger.With("component", "runner"),
		procs:      make(map[string]*pluginProcess),
	}
}

// Start scans the plugin directory and launches everything it finds. A
// plugin that fails to load or spawn is logged and skipped so one broken
// plugin cannot take the rest down. Plugins outlive the startup context;
// Stop owns their lifetime.
func (r *pluginRunner) Start(_ context.Context) error {
	entries, err := os.ReadDir(r.pluginDir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Info("plugin directory missing, nothing to run", "dir", r.pluginDir)
			return nil
		}
		return errors.WrapFatal(err, "pluginRunner", "Start", "read plugin dir")
	}
	if r.logDir != "" {
		if err := os.MkdirAll(r.logDir, 0o755); err != nil {
			return errors.WrapFatal(err, "pluginRunner", "Start", "create log dir")
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.pluginDir, entry.Name())
		conf, err := config.LoadBeerConf(filepath.Join(dir, "beer.conf"))
		if err != nil {
			r.logger.Error("plugin config rejected", "plugin", entry.Name(), "error", err)
			continue
		}
		for _, instance := range conf.Instances {
			if err := r.spawn(runCtx, dir, conf, instance); err != nil {
				r.logger.Error("plugin spawn failed",
					"plugin", conf.Name, "instance", instance, "error", err)
			}
		}
	}
	return nil
}

// spawn launches one instance process.
func (r *pluginRunner) spawn(ctx context.Context, dir string, conf *config.BeerConf, instance string) error {
	fields := strings.Fields(conf.PluginEntry)
	if len(fields) == 0 {
		return errors.New(errors.KindValidation, "pluginRunner", "spawn", "empty PLUGIN_ENTRY")
	}
	runnerID := uuid.NewString()

	cmd := exec.CommandContext(ctx, fields[0], append(fields[1:], conf.ArgsFor(instance)...)...)
	cmd.Dir = dir
	cmd.Env = r.environment(conf, instance, runnerID)

	var logFile *os.File
	if r.logDir != "" {
		var err error
		logFile, err = os.Create(filepath.Join(r.logDir, runnerID+".log"))
		if err != nil {
			return errors.WrapFatal(err, "pluginRunner", "spawn", "create log file")
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return errors.WrapFatal(err, "pluginRunner", "spawn", conf.PluginEntry)
	}

	proc := &pluginProcess{
		runnerID: runnerID,
		plugin:   conf.Name,
		instance: instance,
		cmd:      cmd,
		logFile:  logFile,
	}
	r.mu.Lock()
	r.procs[runnerID] = proc
	r.mu.Unlock()

	r.logger.Info("plugin started",
		"plugin", conf.Name, "instance", instance, "runner_id", runnerID, "pid", cmd.Process.Pid)

	r.wg.Add(1)
	go r.reap(proc)
	return nil
}

// environment builds the child process environment: inherited vars, the
// plugin's ENVIRONMENT block, then the reserved connection vars.
func (r *pluginRunner) environment(conf *config.BeerConf, instance, runnerID string) []string {
	env := os.Environ()
	for key, value := range conf.Environment {
		env = append(env, key+"="+value)
	}
	env = append(env,
		config.EnvPrefix+"GARDEN_NAME="+r.gardenName,
		config.EnvPrefix+"HTTP_HOST="+r.host,
		fmt.Sprintf("%sHTTP_PORT=%d", config.EnvPrefix, r.port),
		config.EnvPrefix+"INSTANCE_NAME="+instance,
		config.EnvPrefix+"RUNNER_ID="+runnerID,
	)
	if conf.LogLevel != "" {
		env = append(env, config.EnvPrefix+"LOG_LEVEL="+conf.LogLevel)
	}
	return env
}

// reap waits for a process to exit and records the outcome.
func (r *pluginRunner) reap(proc *pluginProcess) {
	defer r.wg.Done()

	err := proc.cmd.Wait()
	if proc.logFile != nil {
		proc.logFile.Close()
	}

	r.mu.Lock()
	delete(r.procs, proc.runnerID)
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("plugin exited",
			"plugin", proc.plugin, "instance", proc.instance, "error", err)
		return
	}
	r.logger.Info("plugin exited cleanly",
		"plugin", proc.plugin, "instance", proc.instance)
}

// Stop kills every running plugin and waits up to timeout for the
// processes to be reaped.
func (r *pluginRunner) Stop(timeout time.Duration) {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		r.logger.Warn("plugin shutdown timed out")
	}
}
