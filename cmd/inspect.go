package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"firestige.xyz/dpd/internal/analyzer"
	"firestige.xyz/dpd/internal/analyzer/builtin"
	"firestige.xyz/dpd/internal/config"
	"firestige.xyz/dpd/internal/core"
	"firestige.xyz/dpd/internal/metrics"
	"firestige.xyz/dpd/internal/session"
	"firestige.xyz/dpd/internal/signature"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Identify the protocols of every connection in capture files",
	Long: `Read pcap or pcapng files, detect the application protocol of every
connection and print a per-connection summary.

Files are analyzed concurrently, one engine per file.

Examples:
  dpd inspect -r trace.pcap
  dpd inspect -r a.pcap -r b.pcapng --format json
  dpd inspect -r trace.pcap -s extra-signatures.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runInspect(ctx, cfg, inspectOpts, cmd.OutOrStdout())
	},
}

type inspectOptions struct {
	Files      []string
	Signatures []string
	Format     string
	Jobs       int
}

var inspectOpts inspectOptions

func init() {
	inspectCmd.Flags().StringArrayVarP(&inspectOpts.Files, "read", "r", nil,
		"capture file to read (repeatable, required)")
	inspectCmd.Flags().StringArrayVarP(&inspectOpts.Signatures, "signatures", "s", nil,
		"additional signature file (repeatable)")
	inspectCmd.Flags().StringVar(&inspectOpts.Format, "format", "text",
		"output format: text, json or yaml")
	inspectCmd.Flags().IntVarP(&inspectOpts.Jobs, "jobs", "j", runtime.GOMAXPROCS(0),
		"files analyzed concurrently")
	inspectCmd.MarkFlagRequired("read")
}

func runInspect(ctx context.Context, c *config.Config, opts inspectOptions, w io.Writer) error {
	if len(opts.Files) == 0 {
		return fmt.Errorf("no capture files given")
	}
	switch opts.Format {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unsupported format %q (must be text, json or yaml)", opts.Format)
	}

	registry, err := newRegistry(c)
	if err != nil {
		return err
	}
	matcher, err := newMatcher(c, opts.Signatures)
	if err != nil {
		return err
	}

	if c.Metrics.Enabled {
		srv := metrics.NewServer(c.Metrics.Listen, c.Metrics.Path)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer srv.Stop(context.Background())
	}

	reports := make([]*session.Report, len(opts.Files))
	g, gctx := errgroup.WithContext(ctx)
	if opts.Jobs > 0 {
		g.SetLimit(opts.Jobs)
	}
	for i, path := range opts.Files {
		g.Go(func() error {
			rep, err := inspectFile(gctx, c, registry, matcher, path)
			if err != nil {
				return err
			}
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return writeReports(w, reports, opts.Format)
}

func inspectFile(ctx context.Context, c *config.Config, registry *analyzer.Registry,
	matcher signature.Matcher, path string) (*session.Report, error) {
	src, err := session.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	slog.Info("inspecting capture", "file", path, "link_type", src.LinkType().String())

	engine := session.NewEngine(c.EngineConfig(), registry, matcher)
	rep, err := engine.Run(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", path, err)
	}
	rep.Source = path

	slog.Info("capture done",
		"file", path,
		"packets", rep.Packets,
		"connections", rep.Connections)
	return rep, nil
}

// newRegistry returns the built-in analyzers adjusted by configuration.
func newRegistry(c *config.Config) (*analyzer.Registry, error) {
	r := analyzer.NewRegistry()
	if err := builtin.Register(r); err != nil {
		return nil, err
	}
	for _, tag := range c.Analyzers.Disabled {
		if !r.Has(core.Tag(tag)) {
			return nil, fmt.Errorf("analyzers.disabled: %w: %s", core.ErrAnalyzerNotFound, tag)
		}
		r.Disable(core.Tag(tag))
	}
	for _, tag := range c.Analyzers.PacketOriented {
		r.SetPacketOriented(core.Tag(tag))
	}
	return r, nil
}

// newMatcher compiles the configured signatures plus extra files. It returns
// a nil Matcher when detection is disabled.
func newMatcher(c *config.Config, extra []string) (signature.Matcher, error) {
	if !c.PIA.DPDEnabled {
		return nil, nil
	}

	var rules []*signature.Rule
	if c.Signatures.Builtin {
		builtinRules, err := signature.Defaults()
		if err != nil {
			return nil, err
		}
		rules = append(rules, builtinRules...)
	}
	files := append(append([]string(nil), c.Signatures.Files...), extra...)
	fileRules, err := signature.LoadFiles(files...)
	if err != nil {
		return nil, err
	}
	rules = append(rules, fileRules...)

	engine, err := signature.NewEngine(rules)
	if err != nil {
		return nil, err
	}
	slog.Debug("signatures loaded", "rules", len(rules), "files", len(files))
	return engine, nil
}

func writeReports(w io.Writer, reports []*session.Report, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(reports); err != nil {
			return err
		}
		return enc.Close()
	default:
		return writeText(w, reports)
	}
}

func writeText(w io.Writer, reports []*session.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, rep := range reports {
		fmt.Fprintf(tw, "# %s (%s): %d packets, %d connections\n",
			rep.Source, rep.LinkType, rep.Packets, rep.Connections)
		if len(rep.Drops) > 0 {
			fmt.Fprintf(tw, "# dropped: %s\n", formatDrops(rep.Drops))
		}
		fmt.Fprintln(tw, "UID\tCONN\tANALYZERS\tPACKETS\tSTREAM\tLABELS")
		for _, s := range rep.Closed {
			stream := s.StreamBuffer
			if stream == "" {
				stream = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				s.UID, s.Conn, joinTags(s.Analyzers), s.PacketBuffer, stream, formatLabels(s.Labels))
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func joinTags(tags []core.Tag) string {
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = t.String()
	}
	return strings.Join(parts, ">")
}

func formatLabels(l core.Labels) string {
	if len(l) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + l[k]
	}
	return strings.Join(parts, " ")
}

func formatDrops(d map[string]uint64) string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, d[k])
	}
	return strings.Join(parts, " ")
}
