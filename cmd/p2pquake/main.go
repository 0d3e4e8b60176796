// Command p2pquake is the CLI entry point.
//
// Joins the EPSP earthquake notification mesh, relays observations between
// peers and prints what arrives. Received observations can also be streamed
// to local applications over a WebSocket feed (-feed).
//
// Settings come from defaults, then P2PQ_* environment variables, then flags.
// On a terminal, a missing -area is asked for interactively.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"golang.org/x/term"

	"github.com/1ureka/p2pquake/internal/app"
	"github.com/1ureka/p2pquake/internal/config"
	"github.com/1ureka/p2pquake/internal/feed"
	"github.com/1ureka/p2pquake/internal/flood"
	"github.com/1ureka/p2pquake/internal/protocol"
	"github.com/1ureka/p2pquake/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Default()
	if err := cfg.ApplyEnv(); err != nil {
		util.LogWarning("ignoring invalid environment: %v", err)
	}

	// CLI flags.
	servers := flag.String("servers", strings.Join(cfg.ServerHosts, ","), "Comma separated directory servers (host or host:port)")
	area := flag.Int("area", cfg.AreaCode, "Area code announced to the directory, 0~999")
	port := flag.Int("port", cfg.ListenPort, "Inbound peer port, 1~65535")
	maxPeers := flag.Int("maxPeers", cfg.MaxPeers, "Maximum number of peers")
	minPeers := flag.Int("minPeers", cfg.MinPeers, "Reconnect when fewer peers remain")
	echo := flag.Duration("echo", cfg.EchoInterval, "Directory echo interval")
	feedAddr := flag.String("feed", cfg.FeedAddr, "Serve observations over WebSocket on this address (e.g. 127.0.0.1:6980)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	traceMode := flag.Bool("trace", false, "Enable trace logging (every frame)")
	flag.Parse()

	switch {
	case *traceMode:
		util.EnableTrace()
	case *debugMode:
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("p2pquake v%s (EPSP %s)", version, protocol.ProtocolVersion))
	pterm.Println()

	cfg.ServerHosts = config.SplitList(*servers)
	cfg.AreaCode = *area
	cfg.ListenPort = *port
	cfg.MaxPeers = *maxPeers
	cfg.MinPeers = *minPeers
	cfg.EchoInterval = *echo
	cfg.FeedAddr = *feedAddr
	cfg.Debug = *debugMode
	cfg.Trace = *traceMode

	if !flagSet("area") && os.Getenv("P2PQ_AREA") == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		cfg.AreaCode = askArea(cfg.AreaCode)
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}

	run(ctx, cfg)
	util.LogInfo("successfully left the network")
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg config.Config) {
	client := app.New(cfg, app.Options{Version: version})
	defer client.Close()

	client.OnData(printObservation)
	client.OnProbeReply(func(r flood.ProbeReply) {
		util.LogInfo("probe %d: peer %d at %d hops knows %v", r.Nonce, r.Responder, r.ProbeHops, r.Peers)
	})
	client.OnStateChange(func(s app.State) {
		util.LogDebug("state: joined=%t id=%d peers=%d", s.Joined, s.PeerID, s.Peers)
	})

	if cfg.FeedAddr != "" {
		hub := feed.NewHub(client.ProtocolTime)
		if _, err := hub.Start(cfg.FeedAddr); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		defer hub.Close()
		client.OnData(hub.Publish)
	}

	util.StartStatsReporter(ctx)

	if err := client.Run(ctx); err != nil {
		util.LogError("failed to leave the network cleanly: %v", err)
	}
}

// printObservation logs one received observation.
func printObservation(verified bool, pkt *protocol.Packet) {
	mark := "unverified"
	if verified {
		mark = "verified"
	}

	var what string
	switch pkt.Code {
	case protocol.CodeQuakeInfo:
		what = "earthquake information"
	case protocol.CodeTsunamiInfo:
		what = "tsunami information"
	case protocol.CodeUserQuake:
		what = "user quake report"
	case protocol.CodeSeismicIntensity:
		what = "seismic intensity"
	default:
		what = "observation " + strconv.Itoa(pkt.Code)
	}

	util.LogSuccess("%s received (%s, hop %d)", what, mark, pkt.HopCount)
	util.LogDebug("%s", pkt)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// flagSet reports whether name was given on the command line.
func flagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// askArea prompts for an area code until a valid one is entered. An empty
// answer keeps def.
func askArea(def int) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(fmt.Sprintf("Area code (0 ~ 999, empty for %d)", def)).
			Show()

		raw = strings.TrimSpace(raw)
		if raw == "" {
			pterm.Println()
			return def
		}
		code, err := strconv.Atoi(raw)
		if err == nil && code >= 0 && code <= 999 {
			pterm.Println()
			return code
		}

		util.LogWarning("invalid area code: must be 0 ~ 999")
		pterm.Println()
	}
}
