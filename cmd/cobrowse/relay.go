package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cobrowse/internal/logging"
	"cobrowse/internal/transport/ws"
)

var relayListen string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the websocket relay that visitors and agents meet on",
	Long: `Serves the broadcast and presence hub at /ws and relay statistics at
/healthz. Nothing is persisted; subscribers only see messages sent after they
subscribed.`,
	RunE: runRelay,
}

func init() {
	relayCmd.Flags().StringVar(&relayListen, "listen", "", "Listen address (overrides relay.listen)")
}

// newRelayHandler routes the relay websocket and its health endpoint.
func newRelayHandler(relay *ws.Relay) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", relay)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(relay.Stats())
	})
	return mux
}

func runRelay(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	addr := cfg.Relay.Listen
	if relayListen != "" {
		addr = relayListen
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return serveRelay(ctx, ln, ws.NewRelay(cfg.Relay.APIKey))
}

// serveRelay serves on ln until ctx is done, then drains connections.
func serveRelay(ctx context.Context, ln net.Listener, relay *ws.Relay) error {
	srv := &http.Server{Handler: newRelayHandler(relay), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Relay("relay listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		relay.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err := g.Wait()
	logging.Relay("relay stopped")
	return err
}
