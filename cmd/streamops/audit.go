package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/streamops/internal/audit"
	"github.com/antonkrylov/streamops/internal/config"
)

func newAuditCmd(root *rootOptions) *cobra.Command {
	var (
		file     string
		action   string
		operator string
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print records from the audit log file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				cfg, err := config.Load(root.configPath)
				if err != nil {
					return err
				}
				file = cfg.Audit.File
			}
			if file == "" {
				return fmt.Errorf("no audit file: pass --file or set audit.file")
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tACTION\tOPERATOR\tTARGET\tOUTCOME\tDETAILS")
			err := audit.ReadFile(file, func(rec audit.Record) error {
				if action != "" && rec.Action != action {
					return nil
				}
				if operator != "" && rec.Operator != operator {
					return nil
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					rec.Time.Local().Format(time.DateTime), rec.Action, rec.Operator, rec.Target, rec.Outcome, formatFields(rec.Fields))
				return nil
			})
			if ferr := tw.Flush(); err == nil {
				err = ferr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "audit log file (default: audit.file from config)")
	cmd.Flags().StringVar(&action, "action", "", "only show records with this action")
	cmd.Flags().StringVar(&operator, "operator", "", "only show records for this operator")
	return cmd
}

func formatFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+truncate(strings.ReplaceAll(fields[k], "\n", `\n`), 60))
	}
	return strings.Join(parts, " ")
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}
