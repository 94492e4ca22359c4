package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	Version   = "dev"
)

type statusView struct {
	HeadHeight   int64     `json:"head_height"`
	HeadHash     string    `json:"head_hash"`
	MerkleRoot   string    `json:"merkle_root"`
	BlockTime    time.Time `json:"block_time"`
	PendingCount int64     `json:"pending_count"`
	DeviceCount  int64     `json:"device_count"`
	Recent       []struct {
		Digest      string    `json:"digest"`
		Status      string    `json:"status"`
		BlockHeight *int64    `json:"block_height"`
		ReceivedAt  time.Time `json:"received_at"`
	} `json:"recent_submissions"`
}

type blockListing struct {
	Blocks []blockInfo `json:"blocks"`
}

type blockInfo struct {
	Height          int64     `json:"height"`
	BlockHash       string    `json:"block_hash"`
	PreviousHash    string    `json:"previous_hash"`
	MerkleRoot      string    `json:"merkle_root"`
	SubmissionCount int       `json:"submission_count"`
	CreatedAt       time.Time `json:"created_at"`
	Submissions     []string  `json:"submissions"`
}

type deviceListing struct {
	Devices []deviceInfo `json:"devices"`
}

type deviceInfo struct {
	DeviceID    string    `json:"device_id"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Submissions int64     `json:"submissions"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Ledgerctl - Proof submission ledger operations",
		Long:  "Inspect the chain head, blocks, and submitting devices of a ledger gateway",
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Ledger gateway URL")

	rootCmd.AddCommand(
		statusCmd(),
		headCmd(),
		blocksCmd(),
		blockCmd(),
		devicesCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the chain head and submission backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status statusView
			if err := fetchJSON("/v1/status", &status); err != nil {
				return err
			}

			fmt.Printf("Ledger Status\n")
			fmt.Printf("=============\n\n")
			fmt.Printf("Head Height:    %d\n", status.HeadHeight)
			fmt.Printf("Head Hash:      %s\n", status.HeadHash)
			fmt.Printf("Merkle Root:    %s\n", status.MerkleRoot)
			fmt.Printf("Block Time:     %s (%s ago)\n", status.BlockTime.Format(time.RFC3339), time.Since(status.BlockTime).Round(time.Second))
			fmt.Printf("Pending:        %d\n", status.PendingCount)
			fmt.Printf("Devices:        %d\n", status.DeviceCount)

			if len(status.Recent) > 0 {
				fmt.Printf("\nRecent Submissions\n")
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "DIGEST\tSTATUS\tBLOCK\tRECEIVED")
				for _, sub := range status.Recent {
					height := "-"
					if sub.BlockHeight != nil {
						height = fmt.Sprintf("%d", *sub.BlockHeight)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s ago\n",
						shortDigest(sub.Digest), sub.Status, height,
						time.Since(sub.ReceivedAt).Round(time.Second))
				}
				w.Flush()
			}
			return nil
		},
	}
}

func headCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "head",
		Short: "Show the head block",
		RunE: func(cmd *cobra.Command, args []string) error {
			var listing blockListing
			if err := fetchJSON("/v1/blocks?limit=1", &listing); err != nil {
				return err
			}
			if len(listing.Blocks) == 0 {
				return fmt.Errorf("chain is empty")
			}
			b := listing.Blocks[0]
			fmt.Printf("Height:        %d\n", b.Height)
			fmt.Printf("Hash:          %s\n", b.BlockHash)
			fmt.Printf("Previous:      %s\n", b.PreviousHash)
			fmt.Printf("Merkle Root:   %s\n", b.MerkleRoot)
			fmt.Printf("Submissions:   %d\n", b.SubmissionCount)
			fmt.Printf("Created:       %s\n", b.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func blocksCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:     "blocks",
		Aliases: []string{"ls", "list"},
		Short:   "List recent blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			var listing blockListing
			if err := fetchJSON(fmt.Sprintf("/v1/blocks?limit=%d", limit), &listing); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "HEIGHT\tHASH\tSUBMISSIONS\tCREATED")
			fmt.Fprintln(w, "------\t----\t-----------\t-------")
			for _, b := range listing.Blocks {
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\n",
					b.Height, shortDigest(b.BlockHash), b.SubmissionCount,
					b.CreatedAt.Format(time.RFC3339))
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of blocks to list")
	return cmd
}

func blockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "block [height]",
		Short: "Show one block with its submission digests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var block blockInfo
			if err := fetchJSON("/v1/blocks?height="+args[0], &block); err != nil {
				return err
			}

			fmt.Printf("Block %d\n", block.Height)
			fmt.Printf("========================================\n\n")
			fmt.Printf("Hash:          %s\n", block.BlockHash)
			fmt.Printf("Previous:      %s\n", block.PreviousHash)
			fmt.Printf("Merkle Root:   %s\n", block.MerkleRoot)
			fmt.Printf("Submissions:   %d\n", block.SubmissionCount)
			fmt.Printf("Created:       %s\n", block.CreatedAt.Format(time.RFC3339))
			for i, digest := range block.Submissions {
				fmt.Printf("  [%d] %s\n", i, digest)
			}
			return nil
		},
	}
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List submitting devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			var listing deviceListing
			if err := fetchJSON("/v1/devices", &listing); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tSUBMISSIONS\tFIRST SEEN\tLAST SEEN")
			fmt.Fprintln(w, "------\t-----------\t----------\t---------")
			for _, d := range listing.Devices {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s ago\n",
					d.DeviceID, d.Submissions,
					d.FirstSeen.Format("2006-01-02"),
					time.Since(d.LastSeen).Round(time.Second))
			}
			w.Flush()
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ledgerctl version %s\n", Version)
		},
	}
}

func fetchJSON(path string, out interface{}) error {
	resp, err := http.Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func shortDigest(s string) string {
	if len(s) <= 16 {
		return s
	}
	return s[:16] + "..."
}
