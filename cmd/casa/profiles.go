package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jmerrifield20/casa/internal/identity"
	"github.com/jmerrifield20/casa/internal/policy"
	"github.com/jmerrifield20/casa/internal/profiles"
	"github.com/spf13/cobra"
)

func init() {
	profilesCmd.AddCommand(profilesCheckCmd)
	rootCmd.AddCommand(profilesCmd, roomsCmd, checkCmd, hashSecretCmd)
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Work with .casap permission profiles",
}

var profilesCheckCmd = &cobra.Command{
	Use:   "check <dir>",
	Short: "Validate every profile in a directory without contacting the controller",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		specs, readErr := profiles.LoadDir(args[0])

		bad := 0
		for _, s := range specs {
			if err := policy.Validate(s); err != nil {
				fmt.Printf("FAIL  %s: %v\n", s.ActorID, err)
				bad++
				continue
			}
			fmt.Printf("ok    %s (%d rooms)\n", s.ActorID, len(s.Grants))
		}
		if readErr != nil {
			fmt.Printf("FAIL  %v\n", readErr)
			bad++
		}
		if bad > 0 {
			return fmt.Errorf("%d profile problem(s)", bad)
		}
		return nil
	},
}

var roomsCmd = &cobra.Command{
	Use:   "rooms <actor>",
	Short: "List the rooms an actor may operate in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		rooms, err := c.Rooms(context.Background(), args[0])
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(rooms)
		}
		for _, r := range rooms {
			fmt.Println(r)
		}
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <actor> <room> <device>",
	Short: "Evaluate a command against the loaded profiles without recording it",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		d, err := c.Check(context.Background(), args[0], args[1], args[2])
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(d)
		}
		fmt.Printf("authorized=%t reason=%s\n", d.Authorized, d.Reason)
		return nil
	},
}

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret",
	Short: "Read an admin secret from stdin and print its bcrypt hash for casad.admin_secret_hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		secret := strings.TrimRight(line, "\r\n")
		if secret == "" {
			return fmt.Errorf("empty secret")
		}
		hash, err := identity.HashAdminSecret(secret)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}
