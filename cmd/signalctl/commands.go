package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/incrypt/backend/internal/ledger"
	"github.com/incrypt/backend/internal/reputation"
)

var errMismatch = errors.New("receipt hash mismatch")

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "signalctl",
		Short:         "Verify receipts and inspect agent reputation",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("SIGNAL_SERVER_URL")
	if server == "" {
		server = "http://localhost:3001"
	}
	root.PersistentFlags().String("server", server, "Signal backend base URL")
	root.PersistentFlags().Duration("timeout", 10*time.Second, "HTTP timeout")

	root.AddCommand(verifyCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(hashCmd())
	root.AddCommand(leaderboardCmd())
	return root
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <hash>",
		Short: "Fetch a receipt and recompute its hash locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFrom(cmd)

			var receipt ledger.Receipt
			if err := c.get("/api/receipt/"+url.PathEscape(args[0]), &receipt); err != nil {
				return err
			}
			if !strings.EqualFold(receipt.Hash, args[0]) {
				return fmt.Errorf("%w: asked for %s, server returned %s", errMismatch, args[0], receipt.Hash)
			}
			if err := ledger.Verify(&receipt); err != nil {
				return fmt.Errorf("%w: %v", errMismatch, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK %s tx=%s\n", receipt.Hash, receipt.TransactionSignature)
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Recompute the hash of every recent receipt",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			c := clientFrom(cmd)

			var receipts []*ledger.Receipt
			if err := c.get(fmt.Sprintf("/api/receipts?limit=%d", limit), &receipts); err != nil {
				return err
			}

			bad := 0
			out := cmd.OutOrStdout()
			for _, r := range receipts {
				if err := ledger.Verify(r); err != nil {
					bad++
					fmt.Fprintf(out, "MISMATCH %s\n", r.Hash)
					continue
				}
				fmt.Fprintf(out, "OK       %s\n", r.Hash)
			}
			fmt.Fprintf(out, "%d receipts checked, %d mismatched\n", len(receipts), bad)
			if bad > 0 {
				return errMismatch
			}
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", ledger.DefaultListLimit, "Number of receipts to check")
	return cmd
}

func hashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Compute a receipt hash from its fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			tx, _ := cmd.Flags().GetString("tx")
			signal, _ := cmd.Flags().GetString("signal")
			ts, _ := cmd.Flags().GetInt64("timestamp")
			client, _ := cmd.Flags().GetString("client")

			fmt.Fprintln(cmd.OutOrStdout(), ledger.ComputeHash(ledger.Record{
				TransactionSignature: tx,
				SignalContent:        signal,
				RequestTimestamp:     ts,
				ClientPublicKey:      client,
			}))
			return nil
		},
	}
	cmd.Flags().String("tx", "", "Transaction signature")
	cmd.Flags().String("signal", "", "Serialized signal content")
	cmd.Flags().Int64("timestamp", 0, "Request timestamp in epoch milliseconds")
	cmd.Flags().String("client", "", "Client public key, if any")
	_ = cmd.MarkFlagRequired("tx")
	_ = cmd.MarkFlagRequired("signal")
	_ = cmd.MarkFlagRequired("timestamp")
	return cmd
}

func leaderboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Show agents ranked by reputation",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			var rows []*reputation.AgentReputation
			if err := clientFrom(cmd).get(fmt.Sprintf("/api/reputation/leaderboard?limit=%d", limit), &rows); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RANK\tAGENT\tSCORE\tSUCCESS\tFAILED\tTOTAL")
			for i, r := range rows {
				fmt.Fprintf(tw, "%d\t%s\t%.2f\t%d\t%d\t%d\n",
					i+1, r.AgentID, r.ReputationScore, r.Successes, r.Failures, r.TotalRequests)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntP("limit", "n", 10, "Number of agents")
	return cmd
}

type apiClient struct {
	base string
	http *http.Client
}

func clientFrom(cmd *cobra.Command) *apiClient {
	server, _ := cmd.Flags().GetString("server")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return &apiClient{
		base: strings.TrimRight(server, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// get decodes the data field of a success envelope into out.
func (c *apiClient) get(path string, out interface{}) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	var body struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK || !body.Success {
		return fmt.Errorf("%s: %d %s", path, resp.StatusCode, body.Error)
	}
	return json.Unmarshal(body.Data, out)
}
