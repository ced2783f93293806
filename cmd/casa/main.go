// casa is the command-line client for the casad controller.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jmerrifield20/casa/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	controllerURL string
	cfgFile       string
	outputFormat  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "casa",
	Short: "Casa home controller CLI",
	Long: `casa talks to a casad controller.

Identify as an actor once, then send device commands; every command is
recorded on the controller's ledger whether or not it is authorized.

  casa identify alice
  casa submit kitchen light 80
  casa snapshot --ancestors`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.AddConfigPath(configDir())
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("casa")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if controllerURL == "" {
			controllerURL = viper.GetString("controller_url")
		}
		if controllerURL == "" {
			controllerURL = "http://localhost:8080"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.casa/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&controllerURL, "controller", "", "casad base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "Output format: text or json")

	rootCmd.AddCommand(identifyCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(versionCmd)
}

func configDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".casa")
}

func sessionPath() string { return filepath.Join(configDir(), "session.json") }

// newClient builds a client, resuming the saved session when there is one.
func newClient() (*client.Client, error) {
	opts := []client.Option{}
	if secret := viper.GetString("admin_secret"); secret != "" {
		opts = append(opts, client.WithAdminSecret(secret))
	}
	if s, err := loadSession(); err == nil {
		opts = append(opts, client.WithSession(*s))
	}
	return client.New(controllerURL, opts...)
}

func loadSession() (*client.Session, error) {
	raw, err := os.ReadFile(sessionPath())
	if err != nil {
		return nil, err
	}
	var s client.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", sessionPath(), err)
	}
	return &s, nil
}

func saveSession(s *client.Session) error {
	if err := os.MkdirAll(configDir(), 0o700); err != nil {
		return err
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(sessionPath(), raw, 0o600)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── identify ─────────────────────────────────────────────────────────────────

var identifyCmd = &cobra.Command{
	Use:   "identify <actor>",
	Short: "Open a session as an actor and save it for later commands",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(controllerURL)
		if err != nil {
			return err
		}
		s, err := c.Identify(context.Background(), args[0])
		if err != nil {
			return err
		}
		if err := saveSession(s); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(s)
		}
		fmt.Printf("Identified as %s (session %s)\n", s.ActorID, s.ID)
		return nil
	},
}

// ── logout ───────────────────────────────────────────────────────────────────

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Close the saved session",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.Close(context.Background()); err != nil && !errors.Is(err, client.ErrNoSession) {
			return err
		}
		if err := os.Remove(sessionPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		fmt.Println("Session closed.")
		return nil
	},
}

// ── submit ───────────────────────────────────────────────────────────────────

var (
	submitForceSeal bool
	submitAs        string
)

var submitCmd = &cobra.Command{
	Use:   "submit <room> <device> <value>",
	Short: "Send a device command under the saved session",
	Long: `Submit sends a command to set device in room to value (0-255).

The command is recorded on the ledger even when it is denied. Use
--force-seal to close the open block before this command is recorded.
With --as the command is recorded for the named actor instead; this needs
admin_secret and no session.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := strconv.ParseUint(args[2], 10, 8)
		if err != nil {
			return fmt.Errorf("value must be 0-255: %w", err)
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		command := client.Command{
			Room:      args[0],
			Device:    args[1],
			Value:     uint8(value),
			ForceSeal: submitForceSeal,
		}
		var res *client.CommandResult
		if submitAs != "" {
			res, err = c.SubmitAs(context.Background(), submitAs, command)
		} else {
			res, err = c.Submit(context.Background(), command)
		}
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(res)
		}

		verdict := "DENIED"
		if res.Decision.Authorized {
			verdict = "AUTHORIZED"
		}
		fmt.Printf("%s (%s)\n", verdict, res.Decision.Reason)
		if res.Receipt != nil {
			fmt.Printf("Recorded in block %d, slot %d\n", res.Receipt.BlockIndex, res.Receipt.Slot)
		}
		if res.Decision.Authorized && !res.Actuated {
			fmt.Println("Warning: the device did not accept the value")
		}
		if !res.Decision.Authorized {
			return fmt.Errorf("command denied: %s", res.Decision.Reason)
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().BoolVar(&submitForceSeal, "force-seal", false, "Seal the open block before recording this command")
	submitCmd.Flags().StringVar(&submitAs, "as", "", "Record the command for this actor (requires admin_secret)")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the casa CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("casa %s\n", version)
	},
}
