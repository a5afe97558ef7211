package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"pipelined.dev/framepipe"
	"pipelined.dev/framepipe/fstream"
	"pipelined.dev/framepipe/imgseq"
	"pipelined.dev/framepipe/log"
	"pipelined.dev/framepipe/manifest"
	"pipelined.dev/framepipe/model"
)

const streamExt = ".fst"

type processCommand struct {
	fs *flag.FlagSet

	configPath string
	in         string
	out        string
	workers    int
	mode       string
	models     stringList
	queue      int
	onError    string
	timeout    time.Duration
	manifest   string
	debugAddr  string
	progress   int
	fps        float64
	format     string
	otlp       string
}

func (cmd *processCommand) Name() string {
	return "process"
}

func (cmd *processCommand) Help() string {
	return "Process frames with listed models"
}

func (cmd *processCommand) Register(fs *flag.FlagSet) {
	cmd.fs = fs
	fs.StringVar(&cmd.configPath, "config", "", "yaml file with flag values, flags take precedence")
	fs.StringVar(&cmd.in, "in", "", "input images directory or "+streamExt+" stream (required)")
	fs.StringVar(&cmd.out, "out", "", "output images directory or "+streamExt+" stream (required)")
	fs.IntVar(&cmd.workers, "workers", runtime.NumCPU(), "number of parallel workers")
	fs.StringVar(&cmd.mode, "mode", "pool", "execution mode: single or pool")
	fs.Var(&cmd.models, "model", "comma separated model names to apply (required)")
	fs.IntVar(&cmd.queue, "queue", 0, "work queue size, twice the number of workers if zero")
	fs.StringVar(&cmd.onError, "on-error", "abort", "failed frame handling: abort, skip or pass")
	fs.DurationVar(&cmd.timeout, "timeout", 0, "time limit of a single frame transformation")
	fs.StringVar(&cmd.manifest, "manifest", "", "file to write frame digests into")
	fs.StringVar(&cmd.debugAddr, "debug-addr", "", "address of debug http endpoint, e.g. localhost:6060")
	fs.IntVar(&cmd.progress, "progress", 10, "report progress every n frames")
	fs.Float64Var(&cmd.fps, "fps", 30, "frame rate of images input and stream output")
	fs.StringVar(&cmd.format, "format", "png", "output images format: png or jpeg")
	fs.StringVar(&cmd.otlp, "otlp", "", "otlp http endpoint to export traces, e.g. localhost:4318")
}

func (cmd *processCommand) Run(out io.Writer) error {
	if cmd.configPath != "" {
		cfg, err := loadConfig(cmd.configPath)
		if err != nil {
			return err
		}
		cmd.apply(cfg)
	}
	if err := cmd.Validate(); err != nil {
		return err
	}
	logger := log.GetLogger()

	mode, err := framepipe.ParseMode(cmd.mode)
	if err != nil {
		return err
	}
	policy, err := framepipe.ParseErrorPolicy(cmd.onError)
	if err != nil {
		return err
	}
	allocator, err := model.Lookup(cmd.models.String())
	if err != nil {
		return err
	}
	source, err := openSource(cmd.in, cmd.fps)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	printer := newProgressPrinter(out)
	options := []framepipe.Option{
		framepipe.WithName("framepipe"),
		framepipe.WithMode(mode),
		framepipe.WithWorkers(cmd.workers),
		framepipe.WithErrorPolicy(policy),
		framepipe.WithTransformTimeout(cmd.timeout),
		framepipe.WithLogger(logger),
		framepipe.WithProgress(cmd.progress, printer.print),
	}
	if cmd.queue > 0 {
		options = append(options, framepipe.WithQueueSize(cmd.queue))
	}
	if cmd.otlp != "" {
		tp, err := setupTracing(ctx, cmd.otlp)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdownTracing(tp); err != nil {
				logger.WithError(err).Warn("failed to shutdown tracing")
			}
		}()
		options = append(options, framepipe.WithTracerProvider(tp))
	}

	sink, err := openSink(cmd.out, cmd.fps, cmd.format)
	if err != nil {
		return err
	}
	if cmd.manifest != "" {
		if sink, err = manifest.Create(sink, cmd.manifest); err != nil {
			return err
		}
	}
	p, err := framepipe.New(source, allocator, sink, options...)
	if err != nil {
		return release(sink, err)
	}
	if cmd.debugAddr != "" {
		srv, err := startDebugServer(cmd.debugAddr, p, logger)
		if err != nil {
			return release(sink, err)
		}
		defer srv.shutdown()
	}

	res, err := p.Run(ctx)
	printer.done()
	printResult(out, res, cmd.out)
	return err
}

// apply sets values from the config file for flags which were not set
// explicitly.
func (cmd *processCommand) apply(cfg *fileConfig) {
	set := map[string]bool{}
	if cmd.fs != nil {
		cmd.fs.Visit(func(f *flag.Flag) {
			set[f.Name] = true
		})
	}
	setString := func(name string, dst *string, v string) {
		if !set[name] && v != "" {
			*dst = v
		}
	}
	setInt := func(name string, dst *int, v int) {
		if !set[name] && v != 0 {
			*dst = v
		}
	}
	setString("in", &cmd.in, cfg.In)
	setString("out", &cmd.out, cfg.Out)
	setString("mode", &cmd.mode, cfg.Mode)
	setString("on-error", &cmd.onError, cfg.OnError)
	setString("manifest", &cmd.manifest, cfg.Manifest)
	setString("debug-addr", &cmd.debugAddr, cfg.DebugAddr)
	setString("format", &cmd.format, cfg.Format)
	setString("otlp", &cmd.otlp, cfg.OTLP)
	setInt("workers", &cmd.workers, cfg.Workers)
	setInt("queue", &cmd.queue, cfg.Queue)
	setInt("progress", &cmd.progress, cfg.Progress)
	if !set["model"] && len(cfg.Models) > 0 {
		cmd.models = append(stringList(nil), cfg.Models...)
	}
	if !set["timeout"] && cfg.Timeout != 0 {
		cmd.timeout = cfg.Timeout
	}
	if !set["fps"] && cfg.FPS != 0 {
		cmd.fps = cfg.FPS
	}
}

func (cmd *processCommand) Validate() error {
	var message string
	if cmd.in == "" {
		message = message + "Missing -in required flag\n"
	}
	if cmd.out == "" {
		message = message + "Missing -out required flag\n"
	}
	if len(cmd.models) == 0 {
		message = message + "Missing -model required flag\n"
	}
	if message != "" {
		return errors.New(strings.TrimSpace(message))
	}
	return nil
}

// release closes the sink which wasn't handed over to a running pipe.
func release(sink framepipe.Sink, err error) error {
	if cerr := sink.Close(); cerr != nil {
		return errors.Join(err, fmt.Errorf("error closing sink: %w", cerr))
	}
	return err
}

func isStream(path string) bool {
	return strings.EqualFold(filepath.Ext(path), streamExt)
}

func openSource(path string, fps float64) (framepipe.Source, error) {
	if isStream(path) {
		return &fstream.Source{Path: path}, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("unsupported input %s: expected directory or %s stream", path, streamExt)
	}
	return &imgseq.Source{Dir: path, FPS: fps}, nil
}

func openSink(path string, fps float64, format string) (framepipe.Sink, error) {
	if isStream(path) {
		return &fstream.Sink{Path: path, FPS: fps}, nil
	}
	switch strings.ToLower(format) {
	case "png":
		return &imgseq.Sink{Dir: path, Format: imgseq.PNG}, nil
	case "jpeg", "jpg":
		return &imgseq.Sink{Dir: path, Format: imgseq.JPEG}, nil
	}
	return nil, fmt.Errorf("unknown output format %q", format)
}

func printResult(out io.Writer, res framepipe.Result, path string) {
	fmt.Fprintf(out, "Run: %s\n", res.RunID)
	fmt.Fprintf(out, "Mode: %s, workers: %d\n", res.Mode, res.Workers)
	fmt.Fprintf(out, "Total frames: %d\n", res.Frames)
	fmt.Fprintf(out, "Written frames: %d\n", res.Written)
	fmt.Fprintf(out, "Skipped frames: %d\n", res.Skipped)
	fmt.Fprintf(out, "Elapsed: %v\n", res.Elapsed.Round(time.Millisecond))
	if res.Complete {
		fmt.Fprintf(out, "Output: %s\n", path)
	} else {
		fmt.Fprintf(out, "Output is incomplete: %s\n", path)
	}
}
