// cmd/cellwatch/evidence.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/signalnine/cellwatch/internal/evidence"
	"github.com/signalnine/cellwatch/internal/store"
)

var evidenceOut string

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Download recording artifacts",
}

var evidenceGetCmd = &cobra.Command{
	Use:   "get <recording> <kind>",
	Short: "Download one artifact of a recording",
	Long: "Download one artifact of a recording. Kinds: " +
		strings.Join(kindNames(), ", ") + ".",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		kind, err := evidence.ParseKind(args[1])
		if err != nil {
			return err
		}

		if evidenceOut == "-" {
			path, err := kind.Path(id)
			if err != nil {
				return err
			}
			return streamToStdout(cmd.Context(), path)
		}

		dest := evidenceOut
		if dest == "" {
			name := kind.FileName(id)
			if cfg.CompressRawLogs && kind == evidence.RawLog {
				name += ".zst"
			}
			dest = filepath.Join(cfg.EvidenceDir, id, name)
		}

		r, closeLedger, err := newRetriever()
		if err != nil {
			return err
		}
		defer closeLedger()

		res, err := r.Retrieve(cmd.Context(), id, kind, dest)
		return reportRetrieval(res, err)
	},
}

var evidenceFetchCmd = &cobra.Command{
	Use:   "fetch <path-or-url>",
	Short: "Download any device path or URL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if evidenceOut == "-" {
			return streamToStdout(cmd.Context(), args[0])
		}

		dest := evidenceOut
		if dest == "" {
			base := path.Base(strings.SplitN(args[0], "?", 2)[0])
			if base == "." || base == "/" {
				return errors.New("cannot derive a file name, use -o")
			}
			dest = filepath.Join(cfg.EvidenceDir, base)
		}

		r, closeLedger, err := newRetriever()
		if err != nil {
			return err
		}
		defer closeLedger()

		res, err := r.RetrievePath(cmd.Context(), args[0], dest)
		return reportRetrieval(res, err)
	},
}

var evidenceListCmd = &cobra.Command{
	Use:   "list [recording]",
	Short: "List retrieved artifacts from the local ledger",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ledger, err := store.Open(cfg.LedgerPath)
		if err != nil {
			return err
		}
		defer ledger.Close()

		if evidenceTotals {
			return printTotals(cmd.Context(), ledger)
		}

		var entries []store.Entry
		if len(args) == 1 {
			entries, err = ledger.ByRecording(cmd.Context(), args[0])
		} else {
			entries, err = ledger.Recent(cmd.Context(), 50)
		}
		if err != nil {
			return err
		}

		if jsonOut {
			if entries == nil {
				entries = []store.Entry{}
			}
			return printJSON(entries)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RETRIEVED\tRECORDING\tKIND\tSIZE\tDIGEST\tPATH")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.16s\t%s\n",
				humanize.Time(e.RetrievedAt),
				e.RecordingID,
				e.Kind,
				humanize.Bytes(uint64(e.Bytes)),
				e.Digest,
				e.Path)
		}
		return tw.Flush()
	},
}

var evidenceVerifyCmd = &cobra.Command{
	Use:   "verify <file>...",
	Short: "Check local files against the digests in the ledger",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ledger, err := store.Open(cfg.LedgerPath)
		if err != nil {
			return err
		}
		defer ledger.Close()

		unknown := 0
		for _, file := range args {
			digest, n, err := evidence.DigestFile(file)
			if err != nil {
				return err
			}
			matches, err := ledger.LookupDigest(cmd.Context(), digest)
			if err != nil {
				return err
			}
			if len(matches) == 0 {
				unknown++
				fmt.Printf("%s  %s  %.16s  not in ledger\n", file, humanize.Bytes(uint64(n)), digest)
				continue
			}
			m := matches[0]
			fmt.Printf("%s  %s  %.16s  %s %s, retrieved %s\n",
				file, humanize.Bytes(uint64(n)), digest, m.RecordingID, m.Kind, humanize.Time(m.RetrievedAt))
		}
		if unknown > 0 {
			return fmt.Errorf("%d of %d files not found in the ledger", unknown, len(args))
		}
		return nil
	},
}

var evidenceTotals bool

func init() {
	for _, c := range []*cobra.Command{evidenceGetCmd, evidenceFetchCmd} {
		c.Flags().StringVarP(&evidenceOut, "output", "o", "", `destination file, "-" for stdout`)
	}
	evidenceListCmd.Flags().BoolVar(&evidenceTotals, "totals", false, "print bytes retrieved per kind")
	evidenceCmd.AddCommand(evidenceGetCmd)
	evidenceCmd.AddCommand(evidenceFetchCmd)
	evidenceCmd.AddCommand(evidenceListCmd)
	evidenceCmd.AddCommand(evidenceVerifyCmd)
}

// streamToStdout writes a device path to stdout without touching the
// ledger; the digest goes to stderr.
func streamToStdout(ctx context.Context, path string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	r := evidence.NewRetriever(client, evidence.Config{Logger: logger})

	n, digest, err := r.Stream(ctx, path, os.Stdout)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s  %s\n", humanize.Bytes(uint64(n)), digest)
	return nil
}

func printTotals(ctx context.Context, ledger *store.Ledger) error {
	totals, err := ledger.TotalBytes(ctx)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(totals)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tSIZE")
	for _, k := range evidence.Kinds() {
		if n, ok := totals[k]; ok {
			fmt.Fprintf(tw, "%s\t%s\n", k, humanize.Bytes(uint64(n)))
		}
	}
	// fetched by path, kind unknown
	if n, ok := totals[""]; ok {
		fmt.Fprintf(tw, "other\t%s\n", humanize.Bytes(uint64(n)))
	}
	return tw.Flush()
}

// newRetriever wires the device client and the evidence ledger
func newRetriever() (*evidence.Retriever, func(), error) {
	client, err := newClient()
	if err != nil {
		return nil, nil, err
	}

	ledger, err := store.Open(cfg.LedgerPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}

	r := evidence.NewRetriever(client, evidence.Config{
		CompressRawLogs: cfg.CompressRawLogs,
		Recorder:        ledger,
		Logger:          logger,
	})
	return r, func() { ledger.Close() }, nil
}

func reportRetrieval(res *evidence.Result, err error) error {
	var te *evidence.TransferError
	if errors.As(err, &te) {
		fmt.Fprintf(os.Stderr, "partial file left at %s (%s written)\n", te.Path, humanize.Bytes(uint64(te.Written)))
	}
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(res)
	}
	fmt.Printf("%s  %s  %s\n", res.Path, humanize.Bytes(uint64(res.Bytes)), res.Digest)
	return nil
}

func kindNames() []string {
	var names []string
	for _, k := range evidence.Kinds() {
		names = append(names, string(k))
	}
	return names
}
