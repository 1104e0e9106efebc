package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/irctrakz/tpmeter/pkg/control"
	"github.com/irctrakz/tpmeter/pkg/core"
	"github.com/spf13/cobra"
)

var (
	testDuration time.Duration
	historyDB    string
	historyLimit int
)

var startCmd = &cobra.Command{
	Use:   "start <peer>",
	Short: "Run a throughput test towards a mesh node and print the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, err := core.ParseAddr(args[0])
		if err != nil {
			return err
		}

		// interrupting the command stops the test on the node
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		res, err := control.NewAPIClient(apiAddr).StartTest(ctx, peer, testDuration)
		if err != nil && res.Status == 0 {
			return err
		}
		printResult(cmd.OutOrStdout(), res)
		return err
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <peer>",
	Short: "Stop the test with a mesh node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, err := core.ParseAddr(args[0])
		if err != nil {
			return err
		}
		return control.NewAPIClient(apiAddr).StopTest(cmd.Context(), peer)
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List the sessions of a node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		sessions, err := control.NewAPIClient(apiAddr).Sessions(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, sessions)
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PEER\tUID\tROLE\tACTIVE\tBYTES\tCWND\tSRTT")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%d\t%s\t%t\t%d\t%d\t%v\n", s.Peer, s.UID, s.Role, s.Active, s.Bytes, s.Cwnd, s.SRTT)
		}
		return w.Flush()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List stored results, newest first",
	Long:  "List stored results from the node API, or directly from a history database with --db.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		records, err := loadHistory(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, records)
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tPEER\tROLE\tSTATUS\tBYTES\tELAPSED\tRATE")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%v\t%s\n",
				r.Time.Local().Format(time.DateTime), r.Peer, r.Role, r.Status,
				r.TotalBytes, r.Elapsed.Round(time.Millisecond), formatRate(r.Throughput))
		}
		return w.Flush()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "tpmeter", version)
	},
}

func init() {
	startCmd.Flags().DurationVarP(&testDuration, "duration", "d", 0, "test length (node default when zero)")
	historyCmd.Flags().StringVar(&historyDB, "db", "", "read a history database file instead of the API")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of records")
}

func loadHistory(ctx context.Context) ([]control.Record, error) {
	if historyDB == "" {
		return control.NewAPIClient(apiAddr).Results(ctx, historyLimit)
	}
	h, err := control.OpenHistory(historyDB)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return h.List(historyLimit)
}

func printResult(out io.Writer, res control.TestResponse) {
	if jsonOutput {
		writeJSON(out, res)
		return
	}
	if res.Status.IsError() {
		fmt.Fprintf(out, "%s: %s\n", res.Peer, res.Status)
		return
	}
	fmt.Fprintf(out, "%s: %s, %d bytes in %v (%s)\n",
		res.Peer, res.Status, res.TotalBytes, res.Elapsed.Round(time.Millisecond), formatRate(res.Throughput))
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatRate formats bytes per second as bits per second.
func formatRate(bytesPerSec float64) string {
	bits := bytesPerSec * 8
	switch {
	case bits >= 1e9:
		return fmt.Sprintf("%.2f Gbit/s", bits/1e9)
	case bits >= 1e6:
		return fmt.Sprintf("%.2f Mbit/s", bits/1e6)
	case bits >= 1e3:
		return fmt.Sprintf("%.2f kbit/s", bits/1e3)
	default:
		return fmt.Sprintf("%.0f bit/s", bits)
	}
}
