package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"moodlectl/internal/app"
	"moodlectl/internal/certs"
	"moodlectl/internal/config"
	"moodlectl/internal/docker"
	"moodlectl/internal/environment"
	"moodlectl/internal/hostos"
	"moodlectl/internal/logging"
	"moodlectl/internal/menu"
	"moodlectl/internal/schedule"
	storesqlite "moodlectl/internal/store/sqlite"
	"moodlectl/internal/util/execx"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// errUsage makes main print the command list and exit 2.
var errUsage = errors.New("usage")

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "c", "", "Path to config.yaml (default "+config.DefaultPath+" when present)")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		args = []string{"menu"}
	}
	if args[0] == "help" || args[0] == "-h" {
		usage()
		return
	}
	if args[0] == "version" {
		fmt.Printf("moodlectl %s (built %s)\n", Version, BuildTime)
		return
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatal("config", err)
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log := logging.WithComponent("cli")

	if needsRoot(args) {
		if err := hostos.RequireRoot(); err != nil {
			fatal(args[0], err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// one reader on stdin for the menu, the TLS chooser and confirmations
	prompt := menu.NewPrompter(os.Stdin, os.Stdout)

	core, cleanup, err := build(ctx, cfg, prompt, log)
	if err != nil {
		fatal("init", err)
	}
	defer cleanup()

	var cmdErr error
	switch args[0] {
	case "menu":
		// a blocked prompt cannot observe ctx; let SIGINT end the process
		stop()
		m := menu.New(core, prompt, os.Stdout, log)
		m.DockerUser = os.Getenv("SUDO_USER")
		m.ProxyService = cfg.Proxy.Service
		cmdErr = m.Run(ctx)
	case "install":
		cmdErr = cmdInstall(ctx, core, args[1:])
	case "env":
		cmdErr = cmdEnv(ctx, core, args[1:])
	case "backup":
		cmdErr = cmdBackup(ctx, core, prompt, args[1:])
	case "schedule":
		cmdErr = cmdSchedule(ctx, core, args[1:])
	case "tls":
		cmdErr = cmdTLS(ctx, core, args[1:])
	case "proxy":
		cmdErr = cmdProxy(ctx, core, args[1:])
	case "settings":
		cmdErr = cmdSettings(core, args[1:])
	case "uninstall":
		cmdErr = cmdUninstall(ctx, core, prompt, args[1:])
	case "history":
		cmdErr = cmdHistory(core, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		cmdErr = errUsage
	}

	switch {
	case cmdErr == nil:
	case errors.Is(cmdErr, errUsage), errors.Is(cmdErr, flag.ErrHelp):
		cleanup()
		usage()
		os.Exit(2)
	default:
		cleanup()
		fatal(args[0], cmdErr)
	}
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintln(out, "Usage: moodlectl [-c config.yaml] <command> [args]")
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  menu                                 (interactive menu; default)")
	fmt.Fprintln(out, "  install [--start testing,production] [--schedules] [--skip-docker] [--docker-user u] [--certbot]")
	fmt.Fprintln(out, "  env start|stop|restart|status <testing|production>")
	fmt.Fprintln(out, "  env logs <testing|production> [--service s] [--follow] [--tail N]")
	fmt.Fprintln(out, "  backup create <env>")
	fmt.Fprintln(out, "  backup restore <env> <timestamp> [--yes]")
	fmt.Fprintln(out, "  backup list <env>")
	fmt.Fprintln(out, "  backup info <env> <timestamp>")
	fmt.Fprintln(out, "  schedule set <env> [<cron expression|preset>]")
	fmt.Fprintln(out, "  schedule rm <env>")
	fmt.Fprintln(out, "  schedule list")
	fmt.Fprintln(out, "  schedule presets")
	fmt.Fprintln(out, "  tls ensure <env> [--replace] [--type self-signed|letsencrypt|custom] [--email e] [--install-certbot] [--cert f --key f]")
	fmt.Fprintln(out, "  tls renew                            (certbot renew, restarts the proxy on renewal)")
	fmt.Fprintln(out, "  tls info <env>")
	fmt.Fprintln(out, "  tls list                             (certificates recorded by this tool)")
	fmt.Fprintln(out, "  proxy apply [--dry-run] [--reload=true|false]")
	fmt.Fprintln(out, "  settings show [--reveal]")
	fmt.Fprintln(out, "  settings set KEY VALUE")
	fmt.Fprintln(out, "  settings email [--to a] [--server h] [--port p] [--user u] [--password p] [--from-name n]")
	fmt.Fprintln(out, "  uninstall <testing|production|all> [--yes]")
	fmt.Fprintln(out, "  history [--limit N]")
	fmt.Fprintln(out, "  version")
}

func fatal(cmd string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
	os.Exit(1)
}

// readOnly commands work without root; the run history is optional for them.
var readOnly = map[string][]string{
	"history":  {""},
	"settings": {"show"},
	"env":      {"status", "logs"},
	"backup":   {"list", "info"},
	"schedule": {"list", "presets"},
	"tls":      {"info", "list"},
}

func needsRoot(args []string) bool {
	subs, ok := readOnly[args[0]]
	if !ok {
		return true
	}
	sub := ""
	if len(args) > 1 {
		sub = args[1]
	}
	for _, s := range subs {
		if s == sub || s == "" {
			return false
		}
	}
	return true
}

// build wires the host collaborators. The docker SDK client is optional:
// without a reachable daemon the daemon-backed steps are skipped.
func build(ctx context.Context, cfg *config.Config, prompt *menu.Prompter, log zerolog.Logger) (*app.App, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		closers = nil
	}

	osd, err := hostos.Detect(cfg.OSRelease)
	if err != nil {
		return nil, cleanup, err
	}
	log.Debug().Str("os", osd.String()).Msg("host detected")

	deps := app.Deps{
		Runner:  execx.Local{},
		OS:      osd,
		Chooser: menu.TLSChooser{P: prompt},
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Log:     log,
	}

	st, err := storesqlite.Open(cfg.Storage.SQLitePath)
	if err == nil {
		err = st.Migrate()
		if err != nil {
			_ = st.Close()
		}
	}
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.Storage.SQLitePath).Msg("run history disabled")
	} else {
		deps.Store = st
		closers = append(closers, st.Close)
	}

	if dc, err := docker.New(cfg.Docker.Host); err != nil {
		log.Debug().Err(err).Msg("docker sdk unavailable")
	} else {
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		perr := dc.Ping(pctx)
		cancel()
		if perr != nil {
			log.Debug().Err(perr).Msg("docker daemon not reachable")
			_ = dc.Close()
		} else {
			deps.Docker = dc
			closers = append(closers, dc.Close)
		}
	}

	core, err := app.New(cfg, cfg.ResolvePaths(), deps)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return core, cleanup, nil
}

func parseEnv(s string) (environment.Name, error) {
	env, err := environment.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, errUsage)
	}
	return env, nil
}

// parseFlags turns flag errors into usage errors (exit 2).
func parseFlags(fs *flag.FlagSet, args []string) error {
	err := fs.Parse(args)
	if err == nil || errors.Is(err, flag.ErrHelp) {
		return err
	}
	return fmt.Errorf("%v: %w", err, errUsage)
}

// interleave lets flags follow positional arguments ("env logs testing --follow").
func interleave(fs *flag.FlagSet, args []string) ([]string, error) {
	var pos []string
	for {
		if err := parseFlags(fs, args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return pos, nil
		}
		pos = append(pos, args[0])
		args = args[1:]
	}
}

func cmdInstall(ctx context.Context, core *app.App, args []string) error {
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	var (
		start      = fs.String("start", "", "Environments to start afterwards (testing,production)")
		schedules  = fs.Bool("schedules", false, "Install the default nightly backup schedules")
		skipDocker = fs.Bool("skip-docker", false, "Do not install Docker")
		dockerUser = fs.String("docker-user", os.Getenv("SUDO_USER"), "Add this user to the docker group (empty skips)")
		certbot    = fs.Bool("certbot", false, "Install certbot when missing (Let's Encrypt)")
	)
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	opts := app.InstallOptions{Schedules: *schedules, SkipDocker: *skipDocker, DockerUser: *dockerUser, Certbot: *certbot}
	for _, s := range strings.Split(*start, ",") {
		if strings.TrimSpace(s) == "" {
			continue
		}
		env, err := parseEnv(s)
		if err != nil {
			return err
		}
		opts.Start = append(opts.Start, env)
	}

	rep, err := core.Install(ctx, opts)
	menu.WriteInstallReport(os.Stdout, rep)
	if err != nil {
		return err
	}
	fmt.Println("OK: installation finished")
	return nil
}

func cmdEnv(ctx context.Context, core *app.App, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("env <start|stop|restart|status|logs> <env>: %w", errUsage)
	}
	sub := args[0]

	fs := flag.NewFlagSet("env "+sub, flag.ContinueOnError)
	service := fs.String("service", "", "Single service (logs only)")
	follow := fs.Bool("follow", false, "Follow log output (logs only)")
	tail := fs.Int("tail", 100, "Lines of history (logs only)")
	pos, err := interleave(fs, args[1:])
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		return fmt.Errorf("env %s needs exactly one environment: %w", sub, errUsage)
	}
	env, err := parseEnv(pos[0])
	if err != nil {
		return err
	}

	switch sub {
	case "start":
		err = core.EnvStart(ctx, env)
	case "stop":
		err = core.EnvStop(ctx, env)
	case "restart":
		err = core.EnvRestart(ctx, env)
	case "status":
		out, err := core.EnvStatus(ctx, env)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	case "logs":
		err = core.EnvLogs(ctx, os.Stdout, env, *service, *follow, *tail)
		if *follow && ctx.Err() != nil {
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown env subcommand %q: %w", sub, errUsage)
	}
	if err != nil {
		return err
	}
	fmt.Printf("OK: %s %s\n", env, sub)
	return nil
}

func cmdBackup(ctx context.Context, core *app.App, p *menu.Prompter, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("backup <create|restore|list|info> ...: %w", errUsage)
	}
	sub := args[0]
	fs := flag.NewFlagSet("backup "+sub, flag.ContinueOnError)
	yes := fs.Bool("yes", false, "Do not ask for confirmation (restore only)")
	pos, err := interleave(fs, args[1:])
	if err != nil {
		return err
	}
	if len(pos) == 0 {
		return fmt.Errorf("backup %s needs an environment: %w", sub, errUsage)
	}
	env, err := parseEnv(pos[0])
	if err != nil {
		return err
	}

	switch sub {
	case "create":
		if err := core.BackupCreate(ctx, env); err != nil {
			return err
		}
		fmt.Printf("OK: %s backup created\n", env)
	case "restore":
		if len(pos) != 2 {
			return fmt.Errorf("backup restore <env> <timestamp>: %w", errUsage)
		}
		if !*yes {
			fmt.Printf("WARNING: this replaces the %s database and moodledata with backup %s.\n", env, pos[1])
			ok, err := p.ConfirmWord("Continue?", "YES")
			if err != nil {
				return err
			}
			if !ok {
				return menu.ErrCancelled
			}
		}
		if err := core.BackupRestore(ctx, env, pos[1]); err != nil {
			return err
		}
		fmt.Printf("OK: %s restored from %s\n", env, pos[1])
	case "list":
		sets, err := core.BackupList(env)
		if err != nil {
			return err
		}
		menu.WriteBackups(os.Stdout, env, sets, time.Now())
	case "info":
		if len(pos) != 2 {
			return fmt.Errorf("backup info <env> <timestamp>: %w", errUsage)
		}
		d, err := core.BackupInfo(env, pos[1])
		if err != nil {
			return err
		}
		menu.WriteBackupDetails(os.Stdout, d)
	default:
		return fmt.Errorf("unknown backup subcommand %q: %w", sub, errUsage)
	}
	return nil
}

func cmdSchedule(ctx context.Context, core *app.App, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("schedule <set|rm|list|presets> ...: %w", errUsage)
	}
	switch args[0] {
	case "list":
		entries, err := core.ScheduleList(ctx)
		if err != nil {
			return err
		}
		menu.WriteSchedules(os.Stdout, entries, time.Now())
		return nil
	case "presets":
		menu.WritePresets(os.Stdout)
		return nil
	case "set", "rm":
	default:
		return fmt.Errorf("unknown schedule subcommand %q: %w", args[0], errUsage)
	}

	if len(args) < 2 {
		return fmt.Errorf("schedule %s needs an environment: %w", args[0], errUsage)
	}
	env, err := parseEnv(args[1])
	if err != nil {
		return err
	}

	if args[0] == "rm" {
		removed, err := core.ScheduleRemove(ctx, env)
		if err != nil {
			return err
		}
		if !removed {
			fmt.Printf("No schedule installed for %s\n", env)
			return nil
		}
		fmt.Printf("OK: %s schedule removed\n", env)
		return nil
	}

	// the expression may be passed as one quoted argument or as five words
	expr := strings.Join(args[2:], " ")
	if expr == "" {
		expr = schedule.DefaultExpression(env)
	}
	if err := core.ScheduleSet(ctx, env, expr); err != nil {
		return err
	}
	fmt.Printf("OK: %s backups scheduled\n", env)
	return nil
}

func cmdTLS(ctx context.Context, core *app.App, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("tls <ensure|info|list|renew> ...: %w", errUsage)
	}
	sub := args[0]
	switch sub {
	case "list":
		recs, err := core.CertRecords()
		if err != nil {
			return err
		}
		menu.WriteCertRecords(os.Stdout, recs, time.Now())
		return nil
	case "renew":
		if len(args) > 1 {
			return fmt.Errorf("tls renew takes no arguments: %w", errUsage)
		}
		if err := core.TLSRenew(ctx); err != nil {
			return err
		}
		fmt.Println("OK: certificates renewed where due")
		return nil
	}

	fs := flag.NewFlagSet("tls "+sub, flag.ContinueOnError)
	var (
		replace = fs.Bool("replace", false, "Regenerate even when a certificate exists")
		kind    = fs.String("type", "", "self-signed|letsencrypt|custom (default: SSL_CERT_TYPE or ask)")
		email   = fs.String("email", "", "Let's Encrypt contact email")
		crt     = fs.String("cert", "", "Certificate file (custom)")
		key     = fs.String("key", "", "Private key file (custom)")
		install = fs.Bool("install-certbot", false, "Install certbot when missing")
	)
	pos, err := interleave(fs, args[1:])
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		return fmt.Errorf("tls %s needs exactly one environment: %w", sub, errUsage)
	}
	env, err := parseEnv(pos[0])
	if err != nil {
		return err
	}

	switch sub {
	case "info":
		info, err := core.TLSInfo(ctx, env)
		if err != nil {
			return err
		}
		menu.WriteCertInfo(os.Stdout, env, info, time.Now())
		return nil
	case "ensure":
		opts := certs.EnsureOptions{Replace: *replace, Email: *email, CustomCert: *crt, CustomKey: *key, InstallCertbot: *install}
		if *kind != "" {
			if opts.Strategy, err = certs.ParseStrategy(*kind); err != nil {
				return fmt.Errorf("%v: %w", err, errUsage)
			}
		}
		res, err := core.TLSEnsure(ctx, env, opts)
		if err != nil {
			return err
		}
		menu.WriteTLSResult(os.Stdout, env, res)
		return nil
	}
	return fmt.Errorf("unknown tls subcommand %q: %w", sub, errUsage)
}

func cmdProxy(ctx context.Context, core *app.App, args []string) error {
	if len(args) == 0 || args[0] != "apply" {
		return fmt.Errorf("proxy apply [--dry-run] [--reload]: %w", errUsage)
	}
	fs := flag.NewFlagSet("proxy apply", flag.ContinueOnError)
	var (
		dry    = fs.Bool("dry-run", false, "Render only, change nothing")
		reload = fs.Bool("reload", true, "Test and reload the proxy when something changed")
	)
	if err := parseFlags(fs, args[1:]); err != nil {
		return err
	}

	res, applyErr := core.ProxyApply(ctx, app.ApplyRequest{DryRun: *dry, Reload: *reload})
	for _, v := range res.Vhosts {
		switch {
		case v.Status == "fail":
			fmt.Println("FAIL:", v.Name, "-", v.Error)
		case *dry:
			fmt.Printf("dry-run %s: changed=%v\n", v.Name, v.Changed)
		}
	}
	if applyErr != nil {
		return applyErr
	}
	if *dry {
		fmt.Println("dry-run done.")
		return nil
	}
	if len(res.Changed) == 0 {
		fmt.Println("Nothing to apply (no changes).")
		return nil
	}
	fmt.Printf("Applied OK (%d): %s", len(res.Changed), strings.Join(res.Changed, ", "))
	if res.Reloaded {
		fmt.Print(" (proxy reloaded)")
	}
	fmt.Println()
	return nil
}

func cmdSettings(core *app.App, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("settings <show|set|email> ...: %w", errUsage)
	}
	switch args[0] {
	case "show":
		fs := flag.NewFlagSet("settings show", flag.ContinueOnError)
		reveal := fs.Bool("reveal", false, "Print passwords in clear")
		if err := parseFlags(fs, args[1:]); err != nil {
			return err
		}
		list, err := core.SettingsShow(*reveal)
		if err != nil {
			return err
		}
		menu.WriteSettings(os.Stdout, list)
		return nil

	case "set":
		if len(args) != 3 {
			return fmt.Errorf("settings set KEY VALUE: %w", errUsage)
		}
		if err := core.SettingsSet(args[1], args[2]); err != nil {
			return err
		}
		fmt.Printf("OK: %s updated\n", args[1])
		return nil

	case "email":
		fs := flag.NewFlagSet("settings email", flag.ContinueOnError)
		var e app.EmailSettings
		fs.StringVar(&e.To, "to", "", "Report recipient")
		fs.StringVar(&e.Server, "server", "", "SMTP server")
		fs.StringVar(&e.Port, "port", "", "SMTP port")
		fs.StringVar(&e.User, "user", "", "SMTP user")
		fs.StringVar(&e.Password, "password", "", "SMTP password")
		fs.StringVar(&e.FromName, "from-name", "", "Sender name")
		if err := parseFlags(fs, args[1:]); err != nil {
			return err
		}
		if err := core.UpdateEmail(e); err != nil {
			return err
		}
		fmt.Println("OK: email settings saved")
		return nil
	}
	return fmt.Errorf("unknown settings subcommand %q: %w", args[0], errUsage)
}

func cmdUninstall(ctx context.Context, core *app.App, p *menu.Prompter, args []string) error {
	fs := flag.NewFlagSet("uninstall", flag.ContinueOnError)
	yes := fs.Bool("yes", false, "Do not ask for confirmation")
	pos, err := interleave(fs, args)
	if err != nil {
		return err
	}
	if len(pos) != 1 {
		return fmt.Errorf("uninstall <testing|production|all>: %w", errUsage)
	}

	word, target := "YES", pos[0]
	if target == "all" {
		word = "DELETE ALL"
	} else if _, err := parseEnv(target); err != nil {
		return err
	}
	if !*yes {
		fmt.Printf("WARNING: this removes %s containers, volumes and data.\n", target)
		ok, err := p.ConfirmWord("This cannot be undone.", word)
		if err != nil {
			return err
		}
		if !ok {
			return menu.ErrCancelled
		}
	}

	if target == "all" {
		err = core.UninstallAll(ctx)
	} else {
		err = core.UninstallEnv(ctx, environment.Name(target))
	}
	if err != nil {
		return err
	}
	fmt.Printf("OK: %s removed\n", target)
	return nil
}

func cmdHistory(core *app.App, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "Number of runs (0 = all)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	runs, err := core.History(*limit)
	if err != nil {
		return err
	}
	menu.WriteHistory(os.Stdout, runs, time.Now())
	return nil
}
