package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/udps/internal/config"
	"github.com/1ureka/udps/internal/util"
)

// askConfig fills the role and address of cfg from interactive prompts.
func askConfig(cfg config.Config) (config.Config, error) {
	role, err := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Server - wait for connections", "Client - connect to a server"}).
		WithDefaultText("Select your role").
		Show()
	if err != nil {
		return cfg, fmt.Errorf("prompt: %w", err)
	}
	pterm.Println()

	if strings.HasPrefix(role, "Server") {
		port, err := askPort("Port to listen on (1 ~ 65535)")
		if err != nil {
			return cfg, err
		}
		cfg.Role, cfg.Port = config.RoleServer, port
		return cfg, nil
	}

	host, port, err := askAddress()
	if err != nil {
		return cfg, err
	}
	cfg.Role, cfg.Address, cfg.Port = config.RoleClient, host, port
	return cfg, nil
}

// askPort prompts for a port number until a valid one is entered.
func askPort(prompt string) (int, error) {
	for {
		raw, err := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()
		if err != nil {
			return 0, fmt.Errorf("prompt: %w", err)
		}

		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && port >= 1 && port <= 65535 {
			pterm.Println()
			return port, nil
		}

		util.LogWarning("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}

// askAddress prompts for host:port until a valid one is entered.
func askAddress() (string, int, error) {
	for {
		raw, err := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Server address (e.g. 127.0.0.1:1337)").
			Show()
		if err != nil {
			return "", 0, fmt.Errorf("prompt: %w", err)
		}

		host, port, err := parseTarget(strings.Fields(strings.ReplaceAll(raw, ",", " ")))
		if err == nil {
			pterm.Println()
			return host, port, nil
		}

		pterm.Println()
		util.LogWarning("invalid input: %v", err)
	}
}
