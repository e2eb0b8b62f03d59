package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/regselect/regselect/internal/address"
	"github.com/regselect/regselect/internal/agent"
	"github.com/regselect/regselect/internal/browser"
	"github.com/regselect/regselect/internal/config"
	"github.com/regselect/regselect/internal/history"
	"github.com/regselect/regselect/internal/inbox"
	"github.com/regselect/regselect/internal/logging"
	"github.com/regselect/regselect/internal/message"
	"github.com/regselect/regselect/internal/notify"
	"github.com/regselect/regselect/internal/report"
	"github.com/regselect/regselect/internal/snapshot"
	"github.com/regselect/regselect/internal/web"
)

var (
	cfgFile string
	dbFile  string
	verbose bool
)

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

func resolveDBPath() string {
	if dbFile != "" {
		return dbFile
	}
	return history.DefaultDBPath()
}

// loadConfig falls back to the built-in defaults when no config file exists
func loadConfig() (*config.Config, error) {
	path := resolveConfigPath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	return logging.New(level, cfg.Log.Format)
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "regselect",
		Short: "regselect - select event registrants by email",
		Long: `regselect walks the paginated registrants table of an event admin page
and ticks the row of every registrant whose email is in your list.

It drives your own Chrome through the DevTools protocol, so start Chrome
with --remote-debugging-port=9222, log in, and open the registrants page.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.regselect/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbFile, "db", "", "history database (default is $HOME/.regselect/history.db)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(inspectCmd())
	rootCmd.AddCommand(captureCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(historyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long:  "Create a configuration file matching the current registrants page markup.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	return cmd
}

func runInit(force bool) error {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}

	if err := config.Save(path, config.Default()); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("✅ Configuration saved to: %s\n", path)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Start Chrome with --remote-debugging-port=9222 and log in")
	fmt.Println("  2. Open the event's registrants page")
	fmt.Println("  3. Run 'regselect serve' for the panel, or 'regselect run --emails list.txt'")
	return nil
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Controller Panel",
		Long: `Attach to the registrants page and start the local Controller Panel.

The panel keeps your email list, starts and stops matching sessions and
shows their progress. It only listens on 127.0.0.1.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Port to listen on (default from config, 8080)")

	return cmd
}

// live holds everything a session against the real browser needs
type live struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *history.Store
	reports *report.Engine
	browser *browser.Browser
	page    *browser.Page
}

func openLive(ctx context.Context) (*live, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	store, err := history.NewStore(resolveDBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize history: %w", err)
	}

	reports, err := report.NewEngine()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize reports: %w", err)
	}

	b, err := browser.New(cfg.Browser, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	page, err := b.Attach(ctx, cfg.Host)
	if err != nil {
		b.Close()
		store.Close()
		return nil, err
	}

	return &live{cfg: cfg, logger: logger, store: store, reports: reports, browser: b, page: page}, nil
}

func (l *live) Close() {
	l.page.Close()
	l.browser.Close()
	l.store.Close()
	l.logger.Sync()
}

// newAgent builds the agent and registers its after-session hooks
func (l *live) newAgent(ctx context.Context, notifier message.Notifier) (*agent.Agent, error) {
	mailer, err := notify.NewMailer(l.cfg.Notify, l.reports, l.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to set up notifications: %w", err)
	}

	ag := agent.New(ctx, l.page, notifier, agent.OptionsFromConfig(l.cfg), l.logger)
	ag.OnFinish(func(sum agent.Summary) {
		if err := l.store.AddSession(sum); err != nil {
			l.logger.Warn("failed to record session", zap.String("session_id", sum.ID), zap.Error(err))
		}
	})
	if dir := l.cfg.Browser.ScreenshotDir; dir != "" {
		ag.OnFinish(func(sum agent.Summary) {
			sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			path, err := l.page.Screenshot(sctx, dir, "session-"+sum.ID)
			if err != nil {
				l.logger.Warn("failed to capture screenshot", zap.Error(err))
				return
			}
			l.logger.Info("screenshot saved", zap.String("path", path))
		})
	}
	if mailer != nil {
		ag.OnFinish(mailer.OnFinish)
	}
	return ag, nil
}

func runServe(port int) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	l, err := openLive(ctx)
	if err != nil {
		return err
	}
	defer l.Close()

	if port == 0 {
		port = l.cfg.Panel.Port
	}

	// sessions outlive the signal so a stop can wind down cleanly
	agentCtx, agentCancel := context.WithCancel(context.Background())
	defer agentCancel()

	feed := message.NewFeed(200)
	ag, err := l.newAgent(agentCtx, feed)
	if err != nil {
		return err
	}

	server, err := web.NewServer(port, l.cfg, l.store, ag, feed, l.reports, l.logger)
	if err != nil {
		return fmt.Errorf("failed to create web server: %w", err)
	}
	server.GuardPage(l.page.URL)

	go func() {
		<-ctx.Done()
		fmt.Println("\nShutting down...")
		stopAndWait(ag, 5*time.Second)
		agentCancel()

		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		server.Shutdown(sctx)
	}()

	fmt.Printf("Starting regselect panel at http://localhost:%d\n", port)
	fmt.Println("Press Ctrl+C to stop")
	return server.Start()
}

// stopAndWait stops the running session and waits up to d for it to end
func stopAndWait(ag *agent.Agent, d time.Duration) {
	s := ag.Current()
	if s == nil {
		return
	}
	ag.Stop()
	select {
	case <-s.Done():
	case <-time.After(d):
	}
}

func runCmd() *cobra.Command {
	var emailsFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one matching session in the terminal",
		Long: `Run one matching session against the attached registrants page and print
its progress. Without --emails the list saved by the panel is used.

Ctrl+C stops the session after the row in progress.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(emailsFile)
		},
	}

	cmd.Flags().StringVar(&emailsFile, "emails", "", "File with one email per line, or - for stdin")

	return cmd
}

func readListFile(name string) (string, error) {
	var data []byte
	var err error
	if name == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read email list: %w", err)
	}
	return string(data), nil
}

// targets parses list text the way the panel does
func targets(text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("please enter at least one email address")
	}
	valid, invalid := address.ParseList(text)
	for _, s := range invalid {
		fmt.Printf("⚠️  Skipping invalid address: %s\n", s)
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("no valid email addresses found")
	}
	return valid, nil
}

func printNotification(n message.Notification) {
	switch n.Action {
	case message.ActionMatchingComplete:
		fmt.Printf("✅ %s\n", n.Message)
	case message.ActionMatchingError:
		fmt.Printf("❌ %s\n", n.Message)
	default:
		switch n.Type {
		case message.StatusError:
			fmt.Printf("❌ %s\n", n.Message)
		case message.StatusStopped:
			fmt.Printf("⏹  %s\n", n.Message)
		default:
			fmt.Printf("   %s\n", n.Message)
		}
		if n.Progress != "" {
			fmt.Printf("     %s\n", n.Progress)
		}
	}
}

func runRun(emailsFile string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := openLive(ctx)
	if err != nil {
		return err
	}
	defer l.Close()

	var text string
	if emailsFile != "" {
		if text, err = readListFile(emailsFile); err != nil {
			return err
		}
	} else if text, err = l.store.GetEmailList(); err != nil {
		return err
	}
	emails, err := targets(text)
	if err != nil {
		return err
	}

	url, err := l.page.URL(ctx)
	if err != nil {
		return fmt.Errorf("failed to read page URL: %w", err)
	}
	if !browser.MatchesHost(url, l.cfg.Host.URLContains) {
		return browser.ErrNoRegistrantPage
	}

	ag, err := l.newAgent(ctx, message.Func(printNotification))
	if err != nil {
		return err
	}

	s, _, err := ag.Start(emails)
	if err != nil {
		return err
	}
	fmt.Printf("🔎 Starting to match %d emails on %s\n", len(emails), url)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-s.Done():
	case <-sigChan:
		ag.Stop()
		<-s.Done()
	}

	email, err := l.reports.Summary(s.Summary())
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Print(email.Body)

	if s.Summary().State == agent.StateErrored {
		return fmt.Errorf("matching failed")
	}
	return nil
}

func inspectCmd() *cobra.Command {
	var emailsFile, outDir string

	cmd := &cobra.Command{
		Use:   "inspect PAGE.html...",
		Short: "Dry-run a session over saved registrants pages",
		Long: `Run a matching session over saved HTML copies of the registrants pages,
one file per table page, in order. Nothing is sent to a browser.

Use 'regselect capture' to save pages. With --out the pages are written
back with the matched rows checked.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(emailsFile, outDir, args)
		},
	}

	cmd.Flags().StringVar(&emailsFile, "emails", "", "File with one email per line, or - for stdin (required)")
	cmd.Flags().StringVar(&outDir, "out", "", "Directory to write the toggled pages to")
	cmd.MarkFlagRequired("emails")

	return cmd
}

func runInspect(emailsFile, outDir string, pages []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	text, err := readListFile(emailsFile)
	if err != nil {
		return err
	}
	emails, err := targets(text)
	if err != nil {
		return err
	}

	doc, err := snapshot.Load(cfg.Host, pages...)
	if err != nil {
		return err
	}

	// saved pages need no settling
	opts := agent.OptionsFromConfig(cfg)
	opts.Settle, opts.Reveal, opts.ToggleGap = 0, 0, 0
	opts.PollInterval = time.Millisecond

	ag := agent.New(context.Background(), doc, message.Func(printNotification), opts, logger)
	s, _, err := ag.Start(emails)
	if err != nil {
		return err
	}
	<-s.Done()

	reports, err := report.NewEngine()
	if err != nil {
		return err
	}
	email, err := reports.Summary(s.Summary())
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Print(email.Body)

	for i, checked := range doc.Checked() {
		fmt.Printf("  %s: %d checked\n", pages[i], len(checked))
	}

	if outDir != "" {
		written, err := doc.WriteDir(outDir)
		if err != nil {
			return err
		}
		fmt.Printf("\n💾 Wrote %d pages to %s\n", len(written), outDir)
	}
	return nil
}

func captureCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Save the current registrants page as HTML",
		Long:  "Save the DOM of the attached registrants page, for use with 'regselect inspect'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapture(out)
		},
	}

	cmd.Flags().StringVar(&out, "out", "page.html", "File to write")

	return cmd
}

func runCapture(out string) error {
	ctx := context.Background()
	l, err := openLive(ctx)
	if err != nil {
		return err
	}
	defer l.Close()

	html, err := l.page.HTML(ctx)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, []byte(html), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	fmt.Printf("💾 Saved %d bytes to %s\n", len(html), out)
	return nil
}

func openStore() (*history.Store, error) {
	store, err := history.NewStore(resolveDBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	return store, nil
}

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show or change the saved email list",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the saved email list",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			text, err := store.GetEmailList()
			if err != nil {
				return err
			}
			valid, invalid := address.ParseList(text)
			for _, e := range valid {
				fmt.Println(e)
			}
			fmt.Fprintf(os.Stderr, "%d valid, %d invalid\n", len(valid), len(invalid))
			for _, e := range invalid {
				fmt.Fprintf(os.Stderr, "  invalid: %s\n", e)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set FILE",
		Short: "Replace the saved email list with FILE (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readListFile(args[0])
			if err != nil {
				return err
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.SaveEmailList(text); err != nil {
				return err
			}
			valid, invalid := address.ParseList(text)
			fmt.Printf("✅ Saved list: %d valid, %d invalid\n", len(valid), len(invalid))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Empty the saved email list",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			return store.ClearEmailList()
		},
	})

	return cmd
}

func importCmd() *cobra.Command {
	var useIMAP, dryRun bool
	var days int
	var fields string

	cmd := &cobra.Command{
		Use:   "import [FILE.eml|DIR...]",
		Short: "Add addresses found in email messages to the list",
		Long: `Collect addresses from saved messages (.eml files or directories of them)
and, with --imap, from the configured IMAP folder. New addresses are
appended to the saved list; existing lines are kept as they are.

--fields selects where addresses come from: from, reply-to, to, cc, body.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !useIMAP && len(args) == 0 {
				return fmt.Errorf("give message files or --imap")
			}
			return runImport(args, useIMAP, days, fields, dryRun)
		},
	}

	cmd.Flags().BoolVar(&useIMAP, "imap", false, "Read the configured IMAP folder")
	cmd.Flags().IntVar(&days, "days", 0, "Days to look back over IMAP (default from config)")
	cmd.Flags().StringVar(&fields, "fields", "", "Comma-separated address fields (default from,reply-to,body)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the addresses without saving")

	return cmd
}

func runImport(files []string, useIMAP bool, days int, fieldList string, dryRun bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fields, err := inbox.ParseFields(fieldList)
	if err != nil {
		return err
	}

	var emails []inbox.Email
	if len(files) > 0 {
		parsed, err := inbox.ReadFiles(files)
		if err != nil {
			return err
		}
		emails = append(emails, parsed...)
	}

	if useIMAP {
		if err := cfg.ValidateInbox(); err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		if days <= 0 {
			days = cfg.Inbox.Days
		}
		monitor := inbox.NewMonitor(cfg.Inbox, logger)
		if err := monitor.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to inbox: %w", err)
		}
		defer monitor.Disconnect()

		fetched, err := monitor.FetchRecentEmails(ctx, days)
		if err != nil {
			return err
		}
		fmt.Printf("📬 Read %d messages from %s (last %d days)\n", len(fetched), cfg.Inbox.Folder, days)
		emails = append(emails, fetched...)
	}

	// our own mailbox and notification addresses are never registrants
	addrs := inbox.Collect(emails, fields, cfg.Inbox.Email, cfg.Notify.From, cfg.Notify.To)
	if dryRun {
		for _, a := range addrs {
			fmt.Println(a)
		}
		fmt.Fprintf(os.Stderr, "%d addresses found in %d messages\n", len(addrs), len(emails))
		return nil
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	text, err := store.GetEmailList()
	if err != nil {
		return err
	}
	merged, added := address.Merge(text, addrs)
	if err := store.SaveEmailList(merged); err != nil {
		return err
	}
	fmt.Printf("✅ Added %d new addresses (%d found in %d messages)\n", added, len(addrs), len(emails))
	return nil
}

func historyCmd() *cobra.Command {
	var limit int
	var clearAll bool
	var show string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show finished sessions and statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(limit, clearAll, show)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of recent sessions to show")
	cmd.Flags().BoolVar(&clearAll, "clear", false, "Delete all recorded sessions")
	cmd.Flags().StringVar(&show, "show", "", "Print the full report of one session")

	return cmd
}

func runHistory(limit int, clearAll bool, show string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if clearAll {
		n, err := store.DeleteSessions()
		if err != nil {
			return err
		}
		fmt.Printf("🗑  Deleted %d sessions\n", n)
		return nil
	}

	reports, err := report.NewEngine()
	if err != nil {
		return err
	}

	if show != "" {
		record, err := store.GetSession(show)
		if err != nil {
			return err
		}
		email, err := reports.Summary(record.Summary())
		if err != nil {
			return err
		}
		fmt.Println(email.Subject)
		fmt.Println()
		fmt.Print(email.Body)
		return nil
	}

	sessions, err := store.GetRecentSessions(limit)
	if err != nil {
		return err
	}
	total, completed, matched, err := store.GetStats()
	if err != nil {
		return err
	}
	text, err := reports.History(report.HistoryData{
		Sessions:     sessions,
		Total:        total,
		Completed:    completed,
		MatchedTotal: matched,
	})
	if err != nil {
		return err
	}
	fmt.Print(text)
	return nil
}
