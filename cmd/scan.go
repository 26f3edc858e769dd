package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dhcgn/newsletter-archive/content"
	"github.com/dhcgn/newsletter-archive/filter"
	"github.com/dhcgn/newsletter-archive/mbox"
	"github.com/dhcgn/newsletter-archive/model"
	"github.com/dhcgn/newsletter-archive/stats"
	"github.com/dhcgn/newsletter-archive/subject"
)

type scanOptions struct {
	reportDir     string
	top           int
	includeHeader []string
	excludeHeader []string
}

// scanResult tallies an mbox file the way an archive run would see it.
type scanResult struct {
	Total    int
	Filtered int
	// Titles counts messages per normalized title. Titles with more than one
	// message collapse into a single archive entry.
	Titles  map[string]int
	Senders map[string]int
}

// Entries is the number of archive entries the scanned messages produce.
func (r scanResult) Entries() int {
	return len(r.Titles)
}

// Collisions lists titles shared by more than one message.
func (r scanResult) Collisions() map[string]int {
	out := make(map[string]int)
	for title, n := range r.Titles {
		if n > 1 {
			out[title] = n
		}
	}
	return out
}

func newScanCommand() *cobra.Command {
	opts := &scanOptions{}

	cmd := &cobra.Command{
		Use:   "scan [mbox file]",
		Short: "Analyse an mbox file and preview the resulting archive entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := filter.New(filter.Options{
				IncludeHeader: opts.includeHeader,
				ExcludeHeader: opts.excludeHeader,
			})
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			src, err := mbox.Open(args[0], nil)
			if err != nil {
				return err
			}
			defer src.Close()

			headers, err := src.Headers(cmd.Context())
			if err != nil {
				return err
			}

			res := scanHeaders(headers, f)
			printScan(cmd.OutOrStdout(), args[0], res, opts.top)

			if opts.reportDir == "" {
				return nil
			}
			if err := saveCSVReports(res, opts.reportDir); err != nil {
				return fmt.Errorf("save csv reports: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nReports saved to directory: %s\n", opts.reportDir)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.reportDir, "report-dir", "", "Directory for CSV reports (disabled when empty)")
	flags.IntVarP(&opts.top, "top", "t", 10, "Number of top items to display")
	flags.StringArrayVar(&opts.includeHeader, "include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with --exclude-header)")
	flags.StringArrayVar(&opts.excludeHeader, "exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with --include-header)")
	_ = cmd.MarkFlagDirname("report-dir")

	return cmd
}

func scanHeaders(headers []model.Header, f *filter.Filter) scanResult {
	res := scanResult{
		Total:   len(headers),
		Titles:  make(map[string]int),
		Senders: make(map[string]int),
	}
	for _, h := range headers {
		if !f.Allows(h.Raw) {
			res.Filtered++
			continue
		}
		res.Titles[subject.Normalize(content.HeaderSubject(h.Raw))]++
		res.Senders[content.HeaderSender(h.Raw)]++
	}
	return res
}

func printScan(w io.Writer, path string, res scanResult, top int) {
	var filterPercent float64
	if res.Total > 0 {
		filterPercent = float64(res.Filtered) / float64(res.Total) * 100
	}
	fmt.Fprintf(w, "Scanned %s: %d messages (skipped %d by filters, %.2f%%)\n", path, res.Total, res.Filtered, filterPercent)
	fmt.Fprintf(w, "Archive entries: %d\n\n", res.Entries())

	collisions := res.Collisions()
	if len(collisions) > 0 {
		fmt.Fprintf(w, "Shared titles (only the last message is archived):\n")
		stats.PrettyPrintTop(w, collisions, top)
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Top %d senders:\n", top)
	stats.PrettyPrintTop(w, res.Senders, top)
}

func saveCSVReports(res scanResult, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	titles := [][]string{{"ID", "Title", "Messages"}}
	for _, c := range stats.Top(res.Titles, 0) {
		titles = append(titles, []string{subject.ID(c.Key), c.Key, strconv.Itoa(c.Value)})
	}
	if err := writeCSV(filepath.Join(dir, "report_titles.csv"), titles); err != nil {
		return err
	}

	senders := [][]string{{"Sender", "Messages"}}
	for _, c := range stats.Top(res.Senders, 0) {
		senders = append(senders, []string{c.Key, strconv.Itoa(c.Value)})
	}
	return writeCSV(filepath.Join(dir, "report_senders.csv"), senders)
}

func writeCSV(path string, records [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	if err := writer.WriteAll(records); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
