package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/odvcencio/leash/pkg/config"
	"github.com/odvcencio/leash/pkg/control"
	"github.com/odvcencio/leash/pkg/launcher"
	"github.com/odvcencio/leash/pkg/logging"
	"github.com/odvcencio/leash/pkg/session"
	"github.com/odvcencio/leash/pkg/telemetry"
	"github.com/odvcencio/leash/pkg/wire"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

type startupOptions struct {
	configPath      string
	serverURL       string
	authToken       string
	workDir         string
	resumeSessionID string
	startRemote     bool
	showVersion     bool
	extraArgs       []string
}

func parseStartupOptions(raw []string) (*startupOptions, error) {
	opts := &startupOptions{}

	filtered := make([]string, 0, len(raw))
	var nextConfig, nextServer, nextToken, nextWorkDir, nextResume bool

	for _, arg := range raw {
		switch {
		case nextConfig:
			opts.configPath = arg
			nextConfig = false
			continue
		case nextServer:
			opts.serverURL = arg
			nextServer = false
			continue
		case nextToken:
			opts.authToken = arg
			nextToken = false
			continue
		case nextWorkDir:
			opts.workDir = arg
			nextWorkDir = false
			continue
		case nextResume:
			opts.resumeSessionID = arg
			nextResume = false
			continue
		}

		switch arg {
		case "--config", "-c":
			nextConfig = true
		case "--server":
			nextServer = true
		case "--token":
			nextToken = true
		case "--workdir":
			nextWorkDir = true
		case "--resume", "-r":
			nextResume = true
		case "--remote":
			opts.startRemote = true
		case "--version", "-v":
			opts.showVersion = true
		default:
			switch {
			case strings.HasPrefix(arg, "--config="):
				opts.configPath = strings.TrimPrefix(arg, "--config=")
			case strings.HasPrefix(arg, "--server="):
				opts.serverURL = strings.TrimPrefix(arg, "--server=")
			case strings.HasPrefix(arg, "--resume="):
				opts.resumeSessionID = strings.TrimPrefix(arg, "--resume=")
			default:
				filtered = append(filtered, arg)
			}
		}
	}

	if nextConfig {
		return nil, fmt.Errorf("--config requires a path argument")
	}
	if nextServer {
		return nil, fmt.Errorf("--server requires a URL argument")
	}
	if nextToken {
		return nil, fmt.Errorf("--token requires a value")
	}
	if nextWorkDir {
		return nil, fmt.Errorf("--workdir requires a path argument")
	}
	if nextResume {
		return nil, fmt.Errorf("--resume requires a session id")
	}

	opts.extraArgs = filtered
	return opts, nil
}

func isInteractiveTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) &&
		term.IsTerminal(int(os.Stdout.Fd()))
}

// transcriptDir maps a working directory onto the agent CLI's per-project
// transcript directory.
func transcriptDir(workDir string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	abs, err := filepath.Abs(workDir)
	if err != nil {
		abs = workDir
	}
	slug := strings.ReplaceAll(abs, string(filepath.Separator), "-")
	return filepath.Join(home, ".claude", "projects", slug)
}

func main() {
	opts, err := parseStartupOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if opts.showVersion {
		fmt.Printf("leash %s (%s, built %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(opts *startupOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.serverURL != "" {
		cfg.Server.URL = opts.serverURL
	}
	if opts.authToken != "" {
		cfg.Server.AuthToken = opts.authToken
	}
	if opts.workDir != "" {
		cfg.Agent.WorkDir = opts.workDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	initial := session.ModeLocal
	if opts.startRemote {
		initial = session.ModeRemote
	}
	if initial == session.ModeLocal && !isInteractiveTerminal() {
		return fmt.Errorf("local mode needs an interactive terminal; use --remote or attach a TTY")
	}

	log, err := logging.NewLogger(cfg.Logging.Dir, session.NewCorrelationID())
	if err != nil {
		return err
	}
	defer log.Close()
	if cfg.Logging.Level != "" {
		log.SetMinLevel(logging.Level(cfg.Logging.Level))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := wire.Dial(ctx, wire.DialOptions{
		URL:       cfg.Server.URL,
		AuthToken: cfg.Server.AuthToken,
		Log:       log,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	sess := session.New(session.Options{
		WorkDir:         cfg.Agent.WorkDir,
		ResumeSessionID: opts.resumeSessionID,
		Env:             cfg.Agent.Env,
		ExtraArgs:       append(cfg.Agent.ExtraArgs, opts.extraArgs...),
		AllowedTools:    cfg.Agent.AllowedTools,
		Client:          client,
	})

	hub := telemetry.NewHub()
	defer hub.Close()

	scanDir := ""
	if dir := transcriptDir(cfg.Agent.WorkDir); dir != "" {
		if _, statErr := os.Stat(dir); statErr == nil {
			scanDir = dir
		}
	}

	loop := control.NewLoop(control.LoopOptions{
		Session: sess,
		Local: launcher.NewLocal(launcher.LocalOptions{
			Session:       sess,
			Config:        cfg,
			Log:           log,
			Hub:           hub,
			TranscriptDir: scanDir,
		}),
		Remote: launcher.NewRemote(launcher.RemoteOptions{
			Session: sess,
			Config:  cfg,
			Log:     log,
			Hub:     hub,
		}),
		Initial: initial,
		OnModeChange: func(mode session.Mode) {
			log.Info(logging.CategoryLoop, "mode_changed", "now in "+string(mode)+" mode", nil)
		},
		Log: log,
		Hub: hub,
	})

	return loop.Run(ctx)
}
