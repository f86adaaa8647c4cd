// pyrcheck validates pyramid containers.
//
// Every chunk of the original dataset and of each pyramid level is decoded,
// level shapes are checked against the downsample factor and the pyramid
// metadata is checked for consistency.
//
// Usage:
//
//	pyrcheck [-q] [-i] [-key name] <container> [<container> ...]
//
// Options:
//
//	-q         Only output errors. Exit code indicates pass/fail.
//	-i         Print a summary of each container.
//	-key       Name of the original dataset.
//	-version   Show version information.
//
// Exit codes:
//
//	0: All containers valid
//	1: One or more containers invalid
//	2: Error (bad usage, etc.)
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mrjoshuak/go-pyramid/pyrutil"
)

const version = "1.0.0"

func main() {
	quiet := flag.Bool("q", false, "only output errors")
	showInfo := flag.Bool("i", false, "print a summary of each container")
	key := flag.String("key", "data", "name of the original dataset")
	showVersion := flag.Bool("version", false, "show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: pyrcheck [options] <container> [<container> ...]\n\n")
		fmt.Fprintf(os.Stderr, "Validate pyramid containers.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("pyrcheck version %s\n", version)
		os.Exit(0)
	}
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Error: No input containers specified")
		flag.Usage()
		os.Exit(2)
	}

	validCount := 0
	for _, path := range flag.Args() {
		result, err := pyrutil.ValidateContainer(path, *key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: error: %v\n", path, err)
			continue
		}
		if result.Valid {
			validCount++
		}

		if *quiet {
			for _, msg := range result.Errors {
				fmt.Fprintf(os.Stderr, "%s: %s\n", path, msg)
			}
			continue
		}
		printResult(path, result)
		if *showInfo && result.Valid {
			if info, err := pyrutil.GetContainerInfo(path, *key); err == nil {
				printInfo(info)
			}
		}
	}

	if flag.NArg() > 1 && !*quiet {
		fmt.Printf("\n%d of %d containers valid\n", validCount, flag.NArg())
	}
	if validCount != flag.NArg() {
		os.Exit(1)
	}
}

func printResult(path string, r *pyrutil.ValidationResult) {
	status := "OK"
	if !r.Valid {
		status = "INVALID"
	}
	fmt.Printf("%s: %s\n", path, status)
	for _, msg := range r.Errors {
		fmt.Printf("  error: %s\n", msg)
	}
	for _, msg := range r.Warnings {
		fmt.Printf("  warning: %s\n", msg)
	}
}

func printInfo(info *pyrutil.ContainerInfo) {
	mode := info.ColorMode
	if mode == "" {
		mode = "-"
	}
	fmt.Printf("  dataset:  %s %dx%d, %d channels, %s, %s, mode %s\n",
		info.Key, info.Cols, info.Rows, info.Channels, info.DType, info.Codec, mode)
	fmt.Printf("  chunks:   %dx%d\n", info.ChunkCols, info.ChunkRows)
	if info.HasPyramid {
		fmt.Printf("  pyramid:  %d levels, range [%g, %g]\n", info.MaxLevel, info.ImageMin, info.ImageMax)
		for _, lv := range info.Levels {
			fmt.Printf("    level %d: %dx%d %s\n", lv.Level, lv.Cols, lv.Rows, lv.Codec)
		}
	}
	fmt.Printf("  size:     %d bytes\n", info.DiskSize)
}
