package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/christian-lee/birdsong/internal/export"
	"github.com/christian-lee/birdsong/internal/store"
)

var (
	exportFormat string
	exportOut    string
	convertOut   string
	sessionsMax  int
)

var exportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export an archived session as CSV or Parquet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := store.NewStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		id := args[0]
		entries, err := st.Entries(id)
		if err != nil {
			return fmt.Errorf("session %s: %w", id, err)
		}

		out := exportOut
		if out == "" {
			out = export.FilePrefix + id + "." + exportFormat
		}
		switch exportFormat {
		case "csv":
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := export.WriteCSV(f, entries, location(cfg)); err != nil {
				return fmt.Errorf("write csv: %w", err)
			}
		case "parquet":
			if err := export.WriteParquet(out, entries); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown format %q (csv, parquet)", exportFormat)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d detections\n", out, len(entries))
		return nil
	},
}

var convertCmd = &cobra.Command{
	Use:   "convert <file.parquet>",
	Short: "Convert a Parquet export back to the CSV layout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		entries, err := export.ReadParquet(args[0])
		if err != nil {
			return err
		}

		out := convertOut
		if out == "" {
			out = strings.TrimSuffix(args[0], filepath.Ext(args[0])) + ".csv"
		}
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := export.WriteCSV(f, entries, location(cfg)); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d detections\n", out, len(entries))
		return f.Close()
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List archived sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := store.NewStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		list, err := st.ListSessions(sessionsMax)
		if err != nil {
			return err
		}
		loc := location(cfg)
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SESSION\tSTARTED\tDURATION\tEVENTS")
		for _, s := range list {
			dur := "running"
			if !s.EndedAt.IsZero() {
				dur = s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", s.ID, s.StartedAt.In(loc).Format(export.DateTimeLayout), dur, s.Events)
		}
		return tw.Flush()
	},
}

var signaturesCmd = &cobra.Command{
	Use:   "signatures",
	Short: "Print the configured species signatures",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		table, err := cfg.Table()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tSPECIES\tLOW\tMID\tHIGH")
		for _, s := range table.Signatures() {
			fmt.Fprintf(tw, "%s\t%s %s\t%.2f\t%.2f\t%.2f\n", s.Key, s.Emoji, s.Label(), s.Vector.Low, s.Vector.Mid, s.Vector.High)
		}
		return tw.Flush()
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "csv", "output format (csv, parquet)")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output path")
	convertCmd.Flags().StringVarP(&convertOut, "out", "o", "", "output path (default: input with .csv)")
	sessionsCmd.Flags().IntVarP(&sessionsMax, "limit", "n", 20, "max sessions to list")
}
