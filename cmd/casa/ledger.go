package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/jmerrifield20/casa/pkg/client"
	"github.com/spf13/cobra"
)

func init() {
	ledgerCmd.AddCommand(ledgerStatusCmd, snapshotCmd, verifyCmd, blockCmd, sealCmd)
	rootCmd.AddCommand(ledgerCmd)
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the controller's command ledger",
}

var ledgerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the ledger height, root digest and open block",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		o, err := c.Overview(context.Background())
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(o)
		}
		fmt.Printf("Height:      %d\n", o.Height)
		fmt.Printf("Root:        %s\n", o.Root)
		fmt.Printf("Open block:  %d/%d\n", o.OpenTransactions, o.Capacity)
		if o.Archived != nil {
			fmt.Printf("Archived:    %d\n", *o.Archived)
		}
		return nil
	},
}

var (
	snapAncestors    bool
	snapTransactions bool
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print the chain from the head block",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		head, err := c.Snapshot(context.Background(), snapAncestors, snapTransactions)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(head)
		}
		return printBlocks(head)
	},
}

func init() {
	snapshotCmd.Flags().BoolVar(&snapAncestors, "ancestors", false, "Include every block down to genesis")
	snapshotCmd.Flags().BoolVar(&snapTransactions, "transactions", false, "Include each block's transactions")
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Ask the controller to verify its chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.Verify(context.Background()); err != nil {
			return err
		}
		fmt.Println("Ledger intact.")
		return nil
	},
}

var blockCmd = &cobra.Command{
	Use:   "block <index>",
	Short: "Print one block with its transactions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("index must be a non-negative integer: %w", err)
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		b, err := c.GetBlock(context.Background(), idx)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(b)
		}
		return printBlocks(b)
	},
}

var sealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Seal the open block (requires admin_secret)",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		b, err := c.Seal(context.Background())
		if err != nil {
			return err
		}
		if b == nil {
			fmt.Println("Open block is empty; nothing sealed.")
			return nil
		}
		fmt.Printf("Sealed block %d: %s\n", b.Index, b.Hash)
		return nil
	},
}

func printBlocks(head *client.Block) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for b := head; b != nil; b = b.Previous {
		state := "open"
		if b.Sealed {
			state = "sealed"
		}
		fmt.Fprintf(w, "BLOCK %d\t%s\t%d tx\t%s\n", b.Index, state, b.Count, b.Hash)
		for _, tx := range b.Transactions {
			verdict := "denied"
			if tx.Authorized {
				verdict = "authorized"
			}
			fmt.Fprintf(w, "  %s\t%s/%s=%d\t%s\t%s\n",
				tx.Actor, tx.Room, tx.Device, tx.Value, verdict, tx.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"))
		}
	}
	return w.Flush()
}
