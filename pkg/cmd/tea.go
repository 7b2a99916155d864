package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tea"
	"github.com/tea/pkg/export"
	"github.com/tea/pkg/lookup"
)

type Flags struct {
	Database   string
	SubnetBits int
	MaxSubnets int
	Workers    int
	Tolerance  time.Duration

	LookupBase string
	LookupRate time.Duration

	Verbose bool
}

func (f *Flags) configuration() tea.Configuration {
	return tea.Configuration{
		Database:       f.Database,
		SubnetBits:     f.SubnetBits,
		MaxSubnets:     f.MaxSubnets,
		LookupWorkers:  f.Workers,
		StaleTolerance: f.Tolerance,
	}
}

func (f *Flags) engine() *tea.Engine {
	opts := []lookup.Option{lookup.WithRate(f.LookupRate)}
	if f.LookupBase != "" {
		opts = append(opts, lookup.WithBase(f.LookupBase))
	}
	return tea.NewEngine(f.configuration(), lookup.NewClient(opts...))
}

func Run() error {
	var f Flags
	def := tea.DefaultConfiguration()

	com := &cobra.Command{
		Use:   "tea",
		Short: "Correlate and persist network exposure data",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			if f.Verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	fl := com.PersistentFlags()
	fl.StringVar(&f.Database, "db", def.Database, "Exposure database location")
	fl.IntVar(&f.SubnetBits, "subnet-bits", def.SubnetBits, "Prefix length for ASN lookup grouping")
	fl.IntVar(&f.MaxSubnets, "max-subnets", def.MaxSubnets, "Subnet count above which an ASN keeps only representative prefixes")
	fl.IntVar(&f.Workers, "workers", def.LookupWorkers, "Concurrent subnet lookups")
	fl.DurationVar(&f.Tolerance, "tolerance", def.StaleTolerance, "Staleness tolerance window")
	fl.StringVar(&f.LookupBase, "api", "", "ASN lookup API base URL. Empty uses the default")
	fl.DurationVar(&f.LookupRate, "rate", time.Second, "Minimum interval between ASN lookups")
	fl.BoolVarP(&f.Verbose, "verbose", "v", false, "Debug logging")

	com.AddCommand(
		scanCommand(&f),
		viewCommand(&f),
		exportCommand(&f),
	)

	return com.Execute()
}

type ScanFlags struct {
	Domain     string
	Candidates []string
	Details    string
	Discovery  bool
}

func scanCommand(f *Flags) *cobra.Command {
	var s ScanFlags

	cmd := &cobra.Command{
		Use:   "scan [target]... [-d domain] [-c candidates]... [-D details] [--discovery]",
		Short: "Merge scan data into the exposure database",
		RunE: func(cmd *cobra.Command, args []string) error {
			observations := tea.ObservationsFromArgs(args)
			for _, path := range s.Candidates {
				obs, err := tea.ObservationsFromFile(path)
				if err != nil {
					return err
				}
				observations = append(observations, obs...)
			}
			if len(observations) == 0 {
				return errors.New("no candidates: pass targets or -c files")
			}

			engine := f.engine()
			ctx := cmd.Context()

			if s.Discovery {
				report, err := engine.Discover(ctx, s.Domain, observations)
				if err != nil {
					return errors.Wrap(err, "discovery failed")
				}
				printRun(report)
				return nil
			}

			var details map[string]tea.HostDetail
			if s.Details != "" {
				d, err := tea.DetailsFromFile(s.Details)
				if err != nil {
					return err
				}
				details = d
			}

			report, err := engine.Run(ctx, s.Domain, observations, details)
			if err != nil {
				return errors.Wrap(err, "scan failed")
			}
			printRun(report)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&s.Domain, "domain", "d", "", "Domain the candidates belong to")
	flags.StringArrayVarP(&s.Candidates, "candidates", "c", []string{}, "Candidate files (JSON or plain lines)")
	flags.StringVarP(&s.Details, "details", "D", "", "Host detail file (JSON object keyed by IP)")
	flags.BoolVar(&s.Discovery, "discovery", false, "Persist hosts and ASN data only, skip port detail")

	return cmd
}

func printRun(report *tea.RunReport) {
	fmt.Printf("run %d: %d host(s), %d candidate(s) skipped, %d row(s) saved, %d failed\n",
		report.Run.ID, report.Hosts, report.Skipped,
		report.Save.SavedRows(), report.Save.FailedRows())
}

func viewCommand(f *Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "view [ip]...",
		Short: "Show the stored exposure with freshness per record",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine := f.engine()
			report, err := engine.Classify(args...)
			if err != nil {
				return errors.Wrap(err, "failed to load exposure")
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "IP\tSTATUS\tPORTS (new/reaff/stale)\tVULNS (new/reaff/stale)")
			for _, hs := range report.Hosts {
				fmt.Fprintf(w, "%s\t%s\t%d/%d/%d\t%d/%d/%d\n",
					hs.IP, hs.Status,
					hs.Ports.New, hs.Ports.Reaffirmed, hs.Ports.Stale,
					hs.Vulns.New, hs.Vulns.Reaffirmed, hs.Vulns.Stale)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			fmt.Printf("\nlatest scan %s, tolerance %s\n",
				report.LatestScan.Format(time.RFC3339), report.Tolerance)
			fmt.Printf("hosts: %d current (%d new), %d stale\n",
				report.HostTotals.Current(), report.HostTotals.New, report.HostTotals.Stale)
			return nil
		},
	}
}

func exportCommand(f *Flags) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export [ip]... [-o file]",
		Short: "Export the stored exposure as CSV, one row per host-port",
		RunE: func(cmd *cobra.Command, args []string) error {
			hosts, err := f.engine().Exposure(args...)
			if err != nil {
				return errors.Wrap(err, "failed to load exposure")
			}

			if out == "" {
				return export.CSV(os.Stdout, hosts)
			}
			if err := export.CSVFile(out, hosts); err != nil {
				return err
			}
			log.Info().Msgf("exported %d host(s) to %s", len(hosts), out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file. Empty writes to stdout")
	return cmd
}
