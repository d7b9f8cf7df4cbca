// Package main is the embedstream command line: the HTTP gateway plus a few
// offline helpers.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"embedstream/config"
	"embedstream/internal/app"
	"embedstream/internal/embed"
	"embedstream/internal/logging"
	"embedstream/internal/server"
	"embedstream/internal/stream"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "embedstream",
		Usage: "Batched embedding and text streaming gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file",
				EnvVars: []string{"EMBEDSTREAM_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Override logging.format (json, pretty)",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Override logging.level (debug, info, warn, error)",
			},
		},
		Before: setup,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP gateway",
				Action: serveCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "port",
						Usage: "Override server.port",
					},
				},
			},
			{
				Name:   "embed",
				Usage:  "Embed every non-empty line of a file",
				Action: embedCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "model",
						Aliases: []string{"m"},
						Usage:   "Configured provider name (defaults to embedding.default_model)",
					},
					&cli.StringFlag{
						Name:     "file",
						Aliases:  []string{"f"},
						Usage:    "Input file, one value per line (- for stdin)",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "max-retries",
						Usage: "Retries per chunk (defaults to embedding.max_retries)",
						Value: -1,
					},
				},
			},
			{
				Name:   "frame",
				Usage:  "Convert NDJSON stream units on stdin into data stream records on stdout",
				Action: frameCommand,
			},
			{
				Name:   "token",
				Usage:  "Issue a bearer token signed with server.master_key",
				Action: tokenCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "subject",
						Usage: "Token subject",
						Value: "embedstream-cli",
					},
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "Token lifetime",
						Value: 24 * time.Hour,
					},
				},
			},
		},
	}
}

type runtime struct {
	cfg *config.Config
	log *slog.Logger
}

// setup loads configuration and installs the process logger.
func setup(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	format := cfg.Logging.Format
	if f := c.String("log-format"); f != "" {
		format = f
	}
	level := cfg.Logging.Level
	if l := c.String("log-level"); l != "" {
		level = l
	}
	log, err := logging.New(format, level, c.App.ErrWriter)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	if c.App.Metadata == nil {
		c.App.Metadata = map[string]interface{}{}
	}
	c.App.Metadata["runtime"] = &runtime{cfg: cfg, log: log}
	return nil
}

func runtimeFrom(c *cli.Context) (*runtime, error) {
	rt, ok := c.App.Metadata["runtime"].(*runtime)
	if !ok {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

func serveCommand(c *cli.Context) error {
	rt, err := runtimeFrom(c)
	if err != nil {
		return err
	}
	if p := c.String("port"); p != "" {
		rt.cfg.Server.Port = p
	}
	if len(rt.cfg.Providers) == 0 {
		return errors.New("at least one provider must be configured")
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, rt.cfg, app.Options{Logger: rt.log})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Start(":" + rt.cfg.Server.Port)
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		rt.log.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := a.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	return err
}

func embedCommand(c *cli.Context) error {
	rt, err := runtimeFrom(c)
	if err != nil {
		return err
	}
	values, err := readValues(c.String("file"), c.App.Reader)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return errors.New("input contains no values")
	}

	a, err := app.New(c.Context, rt.cfg, app.Options{Logger: rt.log})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = a.Shutdown(shutdownCtx)
	}()

	model, err := a.Registry().Embedder(c.String("model"))
	if err != nil {
		return err
	}
	opts := a.EmbedOptions()
	if n := c.Int("max-retries"); n >= 0 {
		opts = append(opts, embed.WithMaxRetries(n))
	}

	res, err := embed.EmbedMany(c.Context, model, values, opts...)
	if err != nil {
		return err
	}

	dims := 0
	if len(res.Embeddings) > 0 {
		dims = len(res.Embeddings[0])
	}
	tokens := "unknown"
	if res.Usage.Known() {
		tokens = fmt.Sprintf("%.0f", res.Usage.Tokens)
	}
	fmt.Fprintf(c.App.Writer, "model: %s\nembeddings: %d\ndimensions: %d\ntokens: %s\n",
		model.ModelID(), len(res.Embeddings), dims, tokens)
	return nil
}

// readValues returns the non-blank lines of path, or of stdin when path is "-".
func readValues(path string, stdin io.Reader) ([]string, error) {
	var r io.Reader
	if path == "-" {
		r = stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	var values []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			values = append(values, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return values, nil
}

func frameCommand(c *cli.Context) error {
	src := stream.NewLineSource(io.NopCloser(c.App.Reader))
	return stream.PipeTextStream(c.Context, c.App.Writer, src, nil)
}

func tokenCommand(c *cli.Context) error {
	rt, err := runtimeFrom(c)
	if err != nil {
		return err
	}
	if rt.cfg.Server.MasterKey == "" {
		return errors.New("server.master_key is not set")
	}
	tok, err := server.IssueToken(rt.cfg.Server.MasterKey, c.String("subject"), c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, tok)
	return nil
}
