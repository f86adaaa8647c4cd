// pyrbuild generates the resolution pyramid of a container.
//
// Each level is the previous one Gaussian-filtered and subsampled until the
// longest side fits the maximum display length. A container that already
// holds a matching pyramid is left untouched.
//
// Usage:
//
//	pyrbuild [options] container
//
// Options:
//
//	-config <file>    YAML configuration (flags override it)
//	-key <name>       original dataset name
//	-downsample <n>   reduction factor between levels
//	-sigma <s>        Gaussian standard deviation
//	-radius <n>       filter half-width
//	-blocksize <n>    side of the blocks filtered at once
//	-max-length <n>   stop once the longest side fits
//	-no-pyramid       only record the image range
//	-workers <n>      blocks filtered concurrently
//	-codec <name>     level codec (none, zip, zstd, j2k)
//	-q                no progress output
//	-version          show version information
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/mrjoshuak/go-pyramid/config"
	"github.com/mrjoshuak/go-pyramid/pyramid"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "pyramid.yaml", "YAML configuration file")
	key := flag.String("key", "", "original dataset name")
	downsample := flag.Int("downsample", 0, "reduction factor between levels")
	sigma := flag.Float64("sigma", 0, "Gaussian standard deviation (0: 2*downsample/6)")
	radius := flag.Int("radius", 0, "filter half-width")
	blocksize := flag.Int("blocksize", 0, "side of the blocks filtered at once")
	maxLength := flag.Int("max-length", 0, "stop adding levels once the longest side fits")
	noPyramid := flag.Bool("no-pyramid", false, "only record the image range")
	workers := flag.Int("workers", 0, "blocks filtered concurrently")
	codec := flag.String("codec", "", "level codec (none, zip, zstd, j2k)")
	quiet := flag.Bool("q", false, "no progress output")
	showVersion := flag.Bool("version", false, "show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: pyrbuild [options] container\n\n")
		fmt.Fprintf(os.Stderr, "Generate the resolution pyramid of a container.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("pyrbuild version %s\n", version)
		os.Exit(0)
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "key":
			cfg.Build.Key = *key
		case "downsample":
			cfg.Build.Downsample = *downsample
		case "sigma":
			cfg.Build.Sigma = *sigma
		case "radius":
			cfg.Build.Radius = *radius
		case "blocksize":
			cfg.Build.BlockSize = *blocksize
		case "max-length":
			cfg.Build.MaxDisplayLength = *maxLength
		case "no-pyramid":
			cfg.Build.NoPyramid = *noPyramid
		case "workers":
			cfg.Build.Workers = *workers
		case "codec":
			cfg.Build.Codec = *codec
		}
	})

	if err := run(cfg, flag.Arg(0), *quiet); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, path string, quiet bool) error {
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return err
	}
	opts, err := cfg.BuildOptions(logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	type outcome struct {
		res *pyramid.Result
		err error
	}
	done := make(chan outcome, 1)
	pyramid.Generate(ctx, path, opts,
		func(p pyramid.Progress) {
			if !quiet && p.Total > 0 {
				fmt.Fprintf(os.Stderr, "\rblocks %d/%d (%3.0f%%)", p.Done, p.Total, 100*float64(p.Done)/float64(p.Total))
			}
		},
		func(res *pyramid.Result, err error) {
			done <- outcome{res, err}
		})

	out := <-done
	if !quiet {
		fmt.Fprintln(os.Stderr)
	}
	if out.err != nil {
		return out.err
	}

	res := out.res
	if res.AlreadyBuilt {
		fmt.Printf("%s: pyramid already present\n", path)
	}
	fmt.Printf("%s: %d levels, range [%g, %g]\n", path, res.Levels, res.ImageMin, res.ImageMax)
	for i, s := range res.Shapes {
		fmt.Printf("  level %d: %dx%d\n", i, s[1], s[0])
	}
	return nil
}
