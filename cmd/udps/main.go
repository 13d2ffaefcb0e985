// udps: CLI entry point.
//
// A netcat-like tool over the udps protocol. `udps -s <port>` serves; every
// accepted connection receives stdin and writes to stdout. `udps <host>
// <port>` connects and does the same. Without arguments on a terminal it
// asks for the role and address interactively.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/1ureka/udps/internal/config"
	"github.com/1ureka/udps/internal/util"
)

var version = "dev"

// options are the raw command-line flags. They override the config file only
// when set explicitly.
type options struct {
	configFile string
	server     int
	window     int
	packet     int
	curve      string
	cipher     string
	carrier    string
	debug      bool
	json       bool
}

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "udps [host] [port]",
		Short: "udps - a secure, reliable stream over UDP",
		Long: `udps connects stdin and stdout of two processes through an encrypted,
reliable byte stream carried in UDP datagrams (or WebSocket messages).`,
		Example: `  udps -s 1337
  udps 127.0.0.1 1337
  udps 127.0.0.1:1337 --cipher chacha20-poly1305`,
		Version:       version,
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, opts, args)
			if errors.Is(err, errNoTarget) && term.IsTerminal(int(os.Stdin.Fd())) {
				pterm.Info.Println(fmt.Sprintf("udps v%s", version))
				pterm.Println()
				cfg, err = askConfig(cfg)
			}
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			if cfg.Debug {
				util.EnableDebug()
			}
			if cfg.LogFormat == "json" {
				util.EnableJSON()
			}

			if cfg.Role == config.RoleServer {
				return runServer(cmd.Context(), cfg, os.Stdin, os.Stdout)
			}
			return runClient(cmd.Context(), cfg, os.Stdin, os.Stdout)
		},
	}

	bindFlags(cmd, &opts)
	return cmd
}

func bindFlags(cmd *cobra.Command, opts *options) {
	f := cmd.Flags()
	f.StringVarP(&opts.configFile, "config", "c", "", "configuration file (.toml, .yaml)")
	f.IntVarP(&opts.server, "server", "s", 0, "start a server on the given port")
	f.IntVar(&opts.window, "window", 0, "packets per window")
	f.IntVar(&opts.packet, "packet", 0, "payload bytes per packet")
	f.StringVar(&opts.curve, "curve", "", "key exchange curve (secp521r1, secp384r1, prime256v1, x25519)")
	f.StringVar(&opts.cipher, "cipher", "", "payload cipher (aes-256-gcm, chacha20-poly1305)")
	f.StringVar(&opts.carrier, "carrier", "", "datagram carrier: udp or ws")
	f.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	f.BoolVar(&opts.json, "json", false, "log one JSON object per line")
}

// errNoTarget means neither -s nor a remote address was given.
var errNoTarget = errors.New("server port or remote address missing")

// resolveConfig layers defaults, the config file, flags and positional
// arguments, in that order.
func resolveConfig(cmd *cobra.Command, opts options, args []string) (config.Config, error) {
	cfg := config.Default()
	if opts.configFile != "" {
		var err error
		if cfg, err = config.Load(opts.configFile); err != nil {
			return cfg, err
		}
	}

	changed := cmd.Flags().Changed
	if changed("window") {
		cfg.WindowSize = opts.window
	}
	if changed("packet") {
		cfg.PacketSize = opts.packet
	}
	if changed("curve") {
		cfg.Curve = opts.curve
	}
	if changed("cipher") {
		cfg.Cipher = opts.cipher
	}
	if changed("carrier") {
		cfg.Carrier = config.CarrierKind(opts.carrier)
	}
	if changed("debug") {
		cfg.Debug = opts.debug
	}
	if changed("json") && opts.json {
		cfg.LogFormat = "json"
	}

	switch {
	case changed("server"):
		if len(args) > 0 {
			return cfg, fmt.Errorf("unexpected arguments with --server: %v", args)
		}
		cfg.Role = config.RoleServer
		cfg.Port = opts.server
	case len(args) > 0:
		host, port, err := parseTarget(args)
		if err != nil {
			return cfg, err
		}
		cfg.Role = config.RoleClient
		cfg.Address, cfg.Port = host, port
	case cfg.Role == config.RoleServer || cfg.Address != "":
		// Fully described by the config file.
	default:
		return cfg, errNoTarget
	}
	return cfg, nil
}

// parseTarget accepts `host port` or `host:port`.
func parseTarget(args []string) (string, int, error) {
	var host, rawPort string
	switch len(args) {
	case 1:
		h, p, err := net.SplitHostPort(strings.TrimSpace(args[0]))
		if err != nil {
			return "", 0, fmt.Errorf("invalid address %q: port missing", args[0])
		}
		host, rawPort = h, p
	case 2:
		host, rawPort = strings.TrimSpace(args[0]), strings.TrimSpace(args[1])
	default:
		return "", 0, errNoTarget
	}

	port, err := strconv.Atoi(rawPort)
	if host == "" || err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid address or port: %s %s", host, rawPort)
	}
	return host, port, nil
}
