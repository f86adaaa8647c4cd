// pyrimport stores an image file as a new pyramid container.
//
// PNG, JPEG, TIFF, BMP and WebP inputs are accepted. Gray images become a
// 2-D dataset, everything else three RGB channels.
//
// Usage:
//
//	pyrimport [options] image container
//
// Options:
//
//	-config <file>  YAML configuration
//	-key <name>     dataset name
//	-codec <name>   chunk codec (none, zip, zstd, j2k) - default: zstd
//	-chunk <n>      chunk side in pixels
//	-build          generate the pyramid after importing
//	-version        show version information
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mrjoshuak/go-pyramid/compression"
	"github.com/mrjoshuak/go-pyramid/config"
	"github.com/mrjoshuak/go-pyramid/pyramid"
	"github.com/mrjoshuak/go-pyramid/pyrutil"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "pyramid.yaml", "YAML configuration file")
	key := flag.String("key", "", "dataset name")
	codecStr := flag.String("codec", "zstd", "chunk codec (none, zip, zstd, j2k)")
	chunk := flag.Int("chunk", 0, "chunk side in pixels")
	build := flag.Bool("build", false, "generate the pyramid after importing")
	showVersion := flag.Bool("version", false, "show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: pyrimport [options] image container\n\n")
		fmt.Fprintf(os.Stderr, "Store an image file as a new pyramid container.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("pyrimport version %s\n", version)
		os.Exit(0)
	}
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}

	codec, err := compression.ParseCodec(*codecStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid codec: %s\n", *codecStr)
		fmt.Fprintf(os.Stderr, "Valid options are: none, zip, zstd, j2k\n")
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *key != "" {
		cfg.Build.Key = *key
	}

	src, dst := flag.Arg(0), flag.Arg(1)
	opts := pyrutil.ImportOptions{Key: cfg.Build.Key, Codec: codec, ChunkSize: *chunk}
	if err := pyrutil.ImportFile(dst, src, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	info, err := pyrutil.GetContainerInfo(dst, cfg.Build.Key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s: %dx%d %s %s, %s\n", dst, info.Cols, info.Rows, info.ColorMode, info.DType, info.Codec)

	if !*build {
		return
	}
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	bopts, err := cfg.BuildOptions(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	res, err := pyramid.Build(context.Background(), dst, bopts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s: %d pyramid levels\n", dst, res.Levels)
}
