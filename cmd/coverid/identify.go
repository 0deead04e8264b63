package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	coverid "github.com/menta2k/cover-identifier"
	"github.com/menta2k/cover-identifier/internal/metrics"
	"github.com/menta2k/cover-identifier/internal/utils"
	"github.com/menta2k/cover-identifier/pkg/types"
)

type identifyOptions struct {
	rect       string
	withScore  bool
	cropDir    string
	cropFormat string
	overlay    bool
	jobs       int
	summary    bool
}

// batchRecord is one JSON line of a multi-image run.
type batchRecord struct {
	Path string `json:"path"`
	types.Record
}

func newIdentifyCommand(ctx *commandContext) *cobra.Command {
	var opts identifyOptions

	cmd := &cobra.Command{
		Use:   "identify <image|dir>...",
		Short: "Identify the album on one or more photos",
		Long: `Identify the album on each photo and print the result as JSON.

A single photo prints one object; several photos or a directory print one
JSON line per photo, each carrying its path. The exit status is 1 when any
photo could not be identified.`,
		Example: `  coverid identify shelf.jpg
  coverid identify --rect 120,80,620,580 --with-score shelf.jpg
  coverid identify --save-crop ./crops --overlay photos/`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIdentify(cmd, ctx, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.rect, "rect", "r", "", "Cover rectangle x1,y1,x2,y2 in pixels; 0,0,0,0 or omitted means the whole photo")
	cmd.Flags().BoolVar(&opts.withScore, "with-score", false, "Include the similarity score in the output")
	cmd.Flags().StringVar(&opts.cropDir, "save-crop", "", "Write the selected cover region of each photo to this directory")
	cmd.Flags().StringVar(&opts.cropFormat, "crop-format", "", "Format of saved crops: jpg, png or webp")
	cmd.Flags().BoolVar(&opts.overlay, "overlay", false, "With --save-crop, also write each photo with the selected region outlined")
	cmd.Flags().IntVarP(&opts.jobs, "jobs", "j", 0, "Photos identified in parallel (default: embedding.pool_size)")
	cmd.Flags().BoolVar(&opts.summary, "summary", false, "Print an outcome table to stderr after a batch")

	return cmd
}

func runIdentify(cmd *cobra.Command, cc *commandContext, opts identifyOptions, args []string) error {
	cfg, log, err := cc.ensureConfig()
	if err != nil {
		return err
	}

	rect, err := parseRect(opts.rect)
	if err != nil {
		return usageError("invalid --rect: %v", err)
	}
	inputs, err := utils.ExpandInputs(args)
	if err != nil {
		return usageError("%v", err)
	}
	if len(inputs) == 0 {
		return usageError("no images found in %s", strings.Join(args, ", "))
	}

	if opts.cropDir != "" {
		cfg.Output.CropDir = opts.cropDir
	}
	if opts.cropFormat != "" {
		cfg.Output.CropFormat = opts.cropFormat
	}
	if opts.overlay {
		cfg.Output.Overlay = true
	}
	if err := cfg.Validate(); err != nil {
		return usageError("%v", err)
	}
	withScore := opts.withScore || cfg.Output.WithScore

	jobs := opts.jobs
	if jobs <= 0 {
		jobs = cfg.Embedding.PoolSize
	}

	m := metrics.New()
	id, err := coverid.New(cmd.Context(), cfg, coverid.WithLogger(log), coverid.WithMetrics(m))
	if err != nil {
		return &exitError{code: exitFailure, err: fmt.Errorf("failed to initialize: %w", err)}
	}
	defer id.Close()

	stderr := cmd.ErrOrStderr()
	batch := len(inputs) > 1

	progress := func() {}
	if batch && isTerminal(stderr) {
		bar := progressbar.NewOptions(len(inputs),
			progressbar.OptionSetDescription("identifying"),
			progressbar.OptionSetWriter(stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		progress = func() { _ = bar.Add(1) }
	}

	outcomes, err := identifyAll(cmd.Context(), id, inputs, rect, jobs, progress)
	if err != nil {
		return err
	}

	if err := writeOutcomes(cmd.OutOrStdout(), inputs, outcomes, withScore); err != nil {
		return err
	}

	if batch && (opts.summary || isTerminal(stderr)) {
		fmt.Fprintln(stderr, renderSummary(outcomes))
	}

	if path := cfg.Metrics.Textfile; path != "" {
		reg := prometheus.NewRegistry()
		if err := m.Register(reg); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		if err := prometheus.WriteToTextfile(path, reg); err != nil {
			log.Sugar().Warnf("failed to write metrics textfile %s: %v", path, err)
		}
	}

	for _, o := range outcomes {
		if !o.OK() {
			return &exitError{code: exitFailure}
		}
	}
	return nil
}

// identifyAll runs up to jobs identifications at once. Outcomes keep the
// order of inputs.
func identifyAll(ctx context.Context, id *coverid.Identifier, inputs []string, rect *types.BoundingBox, jobs int, progress func()) ([]types.Outcome, error) {
	if jobs < 1 {
		jobs = 1
	}
	outcomes := make([]types.Outcome, len(inputs))
	next := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < jobs; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				outcomes[i] = id.Identify(ctx, inputs[i], rect)
				progress()
			}
		}()
	}

feed:
	for i := range inputs {
		select {
		case next <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(next)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func writeOutcomes(w io.Writer, inputs []string, outcomes []types.Outcome, withScore bool) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if len(inputs) == 1 {
		return enc.Encode(outcomes[0].Record(withScore))
	}
	for i, o := range outcomes {
		if err := enc.Encode(batchRecord{Path: inputs[i], Record: o.Record(withScore)}); err != nil {
			return err
		}
	}
	return nil
}

func renderSummary(outcomes []types.Outcome) string {
	counts := map[string]int{}
	for _, o := range outcomes {
		key := "success"
		if !o.OK() && o.Failure != nil {
			key = string(o.Failure.Kind)
		}
		counts[key]++
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([][]string, 0, len(keys)+1)
	for _, k := range keys {
		rows = append(rows, []string{k, strconv.Itoa(counts[k])})
	}
	rows = append(rows, []string{"total", strconv.Itoa(len(outcomes))})
	return renderTable([]string{"Outcome", "Photos"}, rows, []columnAlignment{alignLeft, alignRight})
}

// parseRect parses "x1,y1,x2,y2". An empty string means no rectangle.
func parseRect(s string) (*types.BoundingBox, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("expected x1,y1,x2,y2, got %q", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("coordinate %d: %w", i+1, err)
		}
		v[i] = n
	}
	return &types.BoundingBox{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}, nil
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
