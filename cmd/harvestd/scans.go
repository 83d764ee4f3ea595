package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"harvestd/internal/domain"
	"harvestd/internal/ports"
	"harvestd/internal/services/scanner"
)

var (
	flagStatus string
	flagDomain string
)

func init() {
	scansListCmd.Flags().StringVar(&flagStatus, "status", "", "only show scans in this status")
	scansListCmd.Flags().StringVar(&flagDomain, "domain", "", "only show scans of this registrable domain")
}

var scansCmd = &cobra.Command{
	Use:   "scans",
	Short: "inspect stored scans",
}

var scansListCmd = &cobra.Command{
	Use:   "list",
	Short: "list scans, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var filter ports.ListFilter
		if flagStatus != "" {
			st, err := domain.ParseStatus(flagStatus)
			if err != nil {
				return err
			}
			filter.Status = st
		}
		filter.Domain = flagDomain

		store, closeStore, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore.Close()

		all, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		scans := scanner.Filter(all, filter)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDOMAIN\tSTATUS\tSTARTED\tDURATION")
		for _, s := range scans {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Domain, statusColor(s.Status), s.StartTime.Format(time.RFC3339), duration(s))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "\n%d scan(s)\n", len(scans))
		return nil
	},
}

var scansGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "print one scan as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore.Close()

		scan, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%s %s\n", statusColor(scan.Status), scan.Domain)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(scan)
	},
}

func statusColor(s domain.Status) string {
	switch s {
	case domain.StatusCompleted:
		return color.GreenString(string(s))
	case domain.StatusFailed:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

func duration(s domain.Scan) string {
	if s.EndTime == nil {
		return "-"
	}
	return s.EndTime.Sub(s.StartTime).Round(time.Second).String()
}
