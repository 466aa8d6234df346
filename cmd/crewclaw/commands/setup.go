package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/crewclaw/pkg/crewclaw/orchestrator"
)

// newSetupCmd creates the `crewclaw setup` command.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Creates the initial config.yaml through an interactive wizard: service
name, web API address, sandbox kind and notification channels. An API token
is generated and stored in the OS keyring when available; the config file
only ever holds an environment variable reference to it.

Examples:
  crewclaw setup
  crewclaw setup --config ./config.yaml`,
		RunE: runSetup,
	}
}

func runSetup(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	if configPath == "" {
		configPath = "config.yaml"
	}

	if _, err := os.Stat(configPath); err == nil {
		overwrite := false
		confirm := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("%s already exists. Overwrite?", configPath)).
				Description("A .bak copy of the current file is kept.").
				Value(&overwrite),
		))
		if err := confirm.Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Setup cancelled.")
			return nil
		}
	}

	cfg := orchestrator.DefaultConfig()
	sandboxKind := cfg.Sandbox.Kind
	if sandboxKind == "" {
		sandboxKind = "local"
	}
	enableAuth := true
	discordEnabled := false

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Service name").
				Description("Shown in announcements and status output.").
				Value(&cfg.Name),
			huh.NewInput().
				Title("Web API address").
				Description("Listen address for the HTTP API and SSE stream.").
				Value(&cfg.WebUI.Address),
			huh.NewSelect[string]().
				Title("Sandbox kind").
				Description("Where sub-agent commands execute.").
				Options(
					huh.NewOption("local - subprocesses on this machine", "local"),
					huh.NewOption("ssh - commands on a remote host", "ssh"),
				).
				Value(&sandboxKind),
			huh.NewInput().
				Title("Default model").
				Description("Sub-agent model override (empty keeps the runtime default).").
				Value(&cfg.Model),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Protect the web API with a token?").
				Value(&enableAuth),
			huh.NewConfirm().
				Title("Enable the scheduler?").
				Value(&cfg.Scheduler.Enabled),
			huh.NewConfirm().
				Title("Announce task results to Discord?").
				Value(&discordEnabled),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Sandbox.Kind = sandboxKind

	if discordEnabled {
		discordForm := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Discord bot token").
				Description("Stored as a ${DISCORD_BOT_TOKEN} reference; export it or put it in .env.").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Notify.Discord.Token),
			huh.NewInput().
				Title("Discord channel ID").
				Value(&cfg.Notify.Discord.ChannelID),
		))
		if err := discordForm.Run(); err != nil {
			return err
		}
		cfg.Notify.Discord.Enabled = true
	}

	var token string
	if enableAuth {
		var err error
		token, err = generateToken()
		if err != nil {
			return fmt.Errorf("generating API token: %w", err)
		}
		cfg.WebUI.AuthToken = token

		// Point the saved config at the env var instead of the raw secret.
		os.Setenv("CREWCLAW_AUTH_TOKEN", token)
	}
	if cfg.Notify.Discord.Token != "" {
		os.Setenv("DISCORD_BOT_TOKEN", cfg.Notify.Discord.Token)
	}

	if err := orchestrator.SaveConfigToFile(cfg, configPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Printf("Config written to %s\n", configPath)

	if enableAuth {
		storeToken(token)
		if err := writeEnvFile(cfg.Notify.Discord.Token, token); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not write .env: %v\n", err)
			fmt.Printf("Export it yourself: export CREWCLAW_AUTH_TOKEN=%s\n", token)
		} else {
			fmt.Println("Secrets written to .env (loaded automatically by the daemon).")
		}
	}

	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  crewclaw serve")
	fmt.Println("  crewclaw chat")
	return nil
}

// generateToken returns a 256-bit random token in hex.
func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// storeToken puts the API token into the OS keyring so `crewclaw chat` picks
// it up without prompting. Falls back to a printed hint when no keyring is
// available (e.g. headless servers).
func storeToken(token string) {
	if !keyringAvailable() {
		fmt.Println("OS keyring not available; clients need CREWCLAW_AUTH_TOKEN or --token.")
		return
	}
	if err := storeKeyring(keyringAuthToken, token); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not store token in keyring: %v\n", err)
		return
	}
	fmt.Println("API token stored in the OS keyring.")
}

// writeEnvFile appends the generated secrets to .env, creating it with 0600
// when missing. Existing entries for the same variables are kept; godotenv
// uses the first occurrence, so duplicates are avoided instead.
func writeEnvFile(discordToken, authToken string) error {
	existing := ""
	if data, err := os.ReadFile(".env"); err == nil {
		existing = string(data)
	}

	var lines []string
	if authToken != "" && !strings.Contains(existing, "CREWCLAW_AUTH_TOKEN=") {
		lines = append(lines, "CREWCLAW_AUTH_TOKEN="+authToken)
	}
	if discordToken != "" && !strings.Contains(existing, "DISCORD_BOT_TOKEN=") {
		lines = append(lines, "DISCORD_BOT_TOKEN="+discordToken)
	}
	if len(lines) == 0 {
		return nil
	}

	content := existing
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += strings.Join(lines, "\n") + "\n"

	return os.WriteFile(".env", []byte(content), 0o600)
}
