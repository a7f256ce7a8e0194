package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	internal "github.com/ZanzyTHEbar/sftpipe/sftpipe"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/config"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/pipeline"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/registry"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/sink"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/source"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/template"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/tokenizer"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const usage = `usage: sftpipe [run|datasets|templates|prompt] [flags]

  run        build training examples for --datasets (default)
  datasets   list the datasets known to the registry
  templates  list the template styles
  prompt     render an inference prompt for --query
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	fs := pflag.NewFlagSet(internal.DefaultAppName, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	config.RegisterFlags(fs)
	configPath := fs.String("config", "", "config file (searched in ., .. and "+internal.DefaultConfigPath+" when empty)")
	query := fs.String("query", "", "user query for the prompt command")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadConfig(*configPath, fs)
	if err != nil {
		return err
	}
	logger := internal.NewLogger(stderr, cfg.Log.Level, cfg.Log.Pretty)

	reg, err := registry.LoadFile(cfg.Registry)
	if err != nil {
		return err
	}
	styles, err := template.NewSet(reg.Templates())
	if err != nil {
		return err
	}

	switch cmd {
	case "run":
		return runPipeline(ctx, cfg, reg, styles, stdout, logger)
	case "datasets":
		return listDatasets(reg, stdout)
	case "templates":
		for _, name := range styles.Names() {
			fmt.Fprintln(stdout, name)
		}
		return nil
	case "prompt":
		style, err := styles.Get(cfg.Template)
		if err != nil {
			return err
		}
		if *query == "" {
			return common.ConfigErrorf("query", "--query is required")
		}
		fmt.Fprintln(stdout, template.RenderPrompt(style, nil, *query, ""))
		return nil
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func listDatasets(reg *registry.Registry, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFORMAT\tMULTI-TURN\tLOCATION")
	for _, id := range reg.IDs() {
		d, err := reg.Lookup(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", d.ID, d.Format, d.MultiTurn, d.Location)
	}
	return tw.Flush()
}

func runPipeline(ctx context.Context, cfg *config.Config, reg *registry.Registry, styles *template.Set, stdout io.Writer, logger zerolog.Logger) error {
	tok, err := tokenizer.Load(cfg.TokenizerOptions())
	if err != nil {
		return err
	}

	opts := cfg.PipelineOptions()
	if cfg.S3.Region != "" || cfg.S3.Endpoint != "" {
		client, err := source.NewS3Client(cfg.S3Options())
		if err != nil {
			return err
		}
		opts.Source.S3 = client
	}

	p, err := pipeline.New(reg, styles, tok, opts, logger)
	if err != nil {
		return err
	}
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, run, err := p.Stream(streamCtx, cfg.Datasets...)
	if err != nil {
		return err
	}

	out, store, err := openSinks(cfg, run.ID())
	if err != nil {
		cancel()
		for range ch {
		}
		run.Wait()
		return err
	}
	if store != nil {
		defer store.Close()
	}

	written, drainErr := sink.Drain(ctx, ch, out)
	report, runErr := run.Wait()
	closeErr := out.Close()

	if store != nil && report != nil {
		if err := store.SaveReport(context.Background(), report); err != nil {
			logger.Error().Err(err).Msg("failed to save run report")
		}
	}

	processed, emitted, skipped := report.Totals()
	fmt.Fprintf(stdout, "run %s: processed=%d emitted=%d skipped=%d written=%d\n",
		report.RunID, processed, emitted, skipped, written)
	if report.Warning {
		fmt.Fprintln(stdout, "warning: more than the allowed share of a dataset was skipped, see log")
	}

	if drainErr != nil {
		return drainErr
	}
	if runErr != nil {
		return runErr
	}
	return closeErr
}

// openSinks builds the JSONL outputs, optionally mirrored into libsql, and
// the train/eval splitter over them
func openSinks(cfg *config.Config, runID string) (sink.Sink, *sink.Store, error) {
	var store *sink.Store
	if cfg.Output.Database.Enabled {
		s, err := sink.OpenStore(cfg.Output.Database.DSN, cfg.Output.Database.AuthToken)
		if err != nil {
			return nil, nil, err
		}
		store = s
	}

	open := func(path, split string) (sink.Sink, error) {
		f, err := sink.CreateJSONL(path)
		if err != nil {
			return nil, err
		}
		if store == nil {
			return f, nil
		}
		return sink.Tee(f, store.Sink(runID, split)), nil
	}

	train, err := open(cfg.Output.Path, "train")
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, nil, err
	}
	var eval sink.Sink
	if cfg.Output.EvalPath != "" {
		if eval, err = open(cfg.Output.EvalPath, "eval"); err != nil {
			train.Close()
			if store != nil {
				store.Close()
			}
			return nil, nil, err
		}
	}

	splitter, err := sink.NewSplitter(train, eval, cfg.Output.EvalFraction, cfg.Output.MaxEval, cfg.Output.Seed)
	if err != nil {
		train.Close()
		if store != nil {
			store.Close()
		}
		return nil, nil, err
	}
	return splitter, store, nil
}
