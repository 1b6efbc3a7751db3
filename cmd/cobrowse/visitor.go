package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"cobrowse/internal/browser"
	"cobrowse/internal/config"
	"cobrowse/internal/dom"
	"cobrowse/internal/logging"
	"cobrowse/internal/protocol"
	"cobrowse/internal/visitor"
)

var (
	visitorWidget  string
	visitorSession string
	visitorHTML    string
	visitorConsent bool
)

var visitorCmd = &cobra.Command{
	Use:   "visitor [url]",
	Short: "Share a page as a co-browsing visitor",
	Long: `Opens url in a browser tab driven over the DevTools protocol and runs the
visitor widget on it. With --html the page is loaded into an in-memory
document instead, which needs no browser.

The widget init object may be given as JSON (comments allowed) with --widget.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runVisitor,
}

func init() {
	visitorCmd.Flags().StringVar(&visitorWidget, "widget", "", "Widget init object (JSON with comments)")
	visitorCmd.Flags().StringVar(&visitorSession, "session", "", "Session id (generated when empty)")
	visitorCmd.Flags().StringVar(&visitorHTML, "html", "", "Serve this HTML file from an in-memory page")
	visitorCmd.Flags().BoolVarP(&visitorConsent, "yes", "y", false, "Grant consent without prompting")
}

// stdinConsent asks on the terminal whether an agent may view the page.
func stdinConsent(in io.Reader, out io.Writer) visitor.ConsentFunc {
	return func(ctx context.Context) (bool, error) {
		fmt.Fprint(out, "An agent would like to view this page. Allow? [y/N] ")
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}

// openPage returns the page to share and a func releasing it.
func openPage(ctx context.Context, url string) (dom.Page, func(), error) {
	if visitorHTML != "" {
		src, err := os.ReadFile(visitorHTML)
		if err != nil {
			return nil, nil, err
		}
		if url == "" {
			url = "file://" + visitorHTML
		}
		doc, err := dom.NewDocument(string(src), url)
		if err != nil {
			return nil, nil, err
		}
		doc.SetViewport(cfg.Browser.ViewportWidth, cfg.Browser.ViewportHeight)
		return doc, func() {}, nil
	}
	if url == "" {
		return nil, nil, errors.New("a url or --html is required")
	}

	l := browser.NewLauncher(browser.Config{
		DebuggerURL:       cfg.Browser.DebuggerURL,
		Headless:          cfg.Browser.Headless,
		ViewportWidth:     cfg.Browser.ViewportWidth,
		ViewportHeight:    cfg.Browser.ViewportHeight,
		NavigationTimeout: cfg.GetNavigationTimeout(),
		PollInterval:      cfg.GetPollInterval(),
	})
	page, err := l.Open(ctx, url)
	if err != nil {
		_ = l.Shutdown()
		return nil, nil, err
	}
	return page, func() {
		if err := l.Shutdown(); err != nil {
			logging.BrowserWarn("shutdown browser: %v", err)
		}
	}, nil
}

func runVisitor(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	if visitorWidget != "" {
		if err := cfg.LoadWidgetJSON(visitorWidget); err != nil {
			return err
		}
	}
	if visitorSession != "" {
		cfg.Widget.SessionID = visitorSession
	}
	vc, err := cfg.VisitorConfig()
	if err != nil {
		return err
	}
	if vc.VisitorID == "" {
		vc.VisitorID = protocol.NewVisitorID()
	}
	if !visitorConsent {
		vc.Consent = stdinConsent(cmd.InOrStdin(), cmd.OutOrStdout())
	}

	var url string
	if len(args) == 1 {
		url = args[0]
	}
	page, release, err := openPage(ctx, url)
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	defer release()

	client, err := dialRelay(ctx, vc.VisitorID)
	if err != nil {
		return err
	}
	defer client.Close()

	w := visitor.New(page, client, vc)
	startCtx, startCancel := context.WithTimeout(ctx, timeout)
	err = w.Start(startCtx)
	startCancel()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sharing %s as session %s\n", page.URL(), w.SessionID())

	if _, statErr := os.Stat(configPath); statErr == nil {
		watcher, err := config.Watch(ctx, configPath, func(c *config.Config) {
			w.SetPolicy(c.Policy())
			w.SetControlEnabled(c.Widget.EnableControl)
			logging.Session("applied reloaded config to session %s", w.SessionID())
		})
		if err != nil {
			logging.ConfigWarn("config reload disabled: %v", err)
		} else {
			defer watcher.Stop()
		}
	}

	select {
	case <-ctx.Done():
		if err := w.End(context.Background(), "visitor closed"); err != nil {
			logging.SessionWarn("end session: %v", err)
		}
	case <-w.Done():
	case <-client.Done():
		_ = w.End(context.Background(), "relay connection lost")
	}

	stats, _ := json.MarshalIndent(w.Stats(), "", "  ")
	fmt.Fprintf(cmd.OutOrStdout(), "session %s ended\n%s\n", w.SessionID(), stats)
	return nil
}
