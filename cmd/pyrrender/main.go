// pyrrender renders one viewport of a pyramid container to an image file.
//
// Usage:
//
//	pyrrender [options] container output
//
// Options:
//
//	-config <file>      YAML configuration
//	-zoom <n>           zoom level (default: coarsest level)
//	-rect l,t,w,h       viewport in the pixels of the zoomed level
//	-levels s,m,h       shadow, midtone and highlight
//	-auto               derive levels from the rendered crop
//	-thumb <n>          scale the output so its longest side is at most n
//	-format <name>      png or j2k - default: png
//	-version            show version information
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mrjoshuak/go-pyramid/config"
	"github.com/mrjoshuak/go-pyramid/pyrutil"
	"github.com/mrjoshuak/go-pyramid/view"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "pyramid.yaml", "YAML configuration file")
	zoom := flag.Int("zoom", 0, "zoom level (default: coarsest level)")
	rectStr := flag.String("rect", "", "viewport as left,top,width,height")
	levelsStr := flag.String("levels", "", "levels as shadow,mid,highlight")
	auto := flag.Bool("auto", false, "derive levels from the rendered crop")
	thumb := flag.Int("thumb", 0, "longest output side (0: unscaled)")
	format := flag.String("format", "png", "output format (png, j2k)")
	showVersion := flag.Bool("version", false, "show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: pyrrender [options] container output\n\n")
		fmt.Fprintf(os.Stderr, "Render a viewport of a pyramid container.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("pyrrender version %s\n", version)
		os.Exit(0)
	}
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}

	req := view.Request{AutoLevels: *auto}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "zoom" {
			req.Zoom = zoom
		}
	})
	if *rectStr != "" {
		v, err := parseFloats(*rectStr, 4)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: -rect: %v\n", err)
			os.Exit(1)
		}
		req.Rect = &view.Rect{Left: v[0], Top: v[1], Width: v[2], Height: v[3]}
	}
	if *levelsStr != "" {
		v, err := parseFloats(*levelsStr, 3)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: -levels: %v\n", err)
			os.Exit(1)
		}
		req.Levels = &view.Levels{Shadow: v[0], Mid: v[1], Highlight: v[2]}
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := render(cfg, flag.Arg(0), flag.Arg(1), req, *thumb, *format); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func render(cfg *config.Config, path, out string, req view.Request, thumb int, format string) error {
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return err
	}
	c, err := view.Open(path, cfg.ViewOptions(logger))
	if err != nil {
		return err
	}
	defer c.Close()

	frame := c.Render(req)
	if err := c.LastError(); err != nil {
		return err
	}
	if frame == nil {
		return errors.New("viewport lies outside the image")
	}
	logger.Info("rendered", "level", frame.Level, "zoom", frame.Zoom,
		"rows", frame.Rows, "cols", frame.Width, "tiles", frame.Range.Count())

	img := pyrutil.Thumbnail(frame.Image(), thumb)
	switch strings.ToLower(format) {
	case "png":
		return pyrutil.ExportPNG(out, img)
	case "j2k":
		return pyrutil.ExportJ2K(out, img)
	}
	return fmt.Errorf("unknown format %q", format)
}

func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("want %d comma-separated values, got %d", n, len(parts))
	}
	v := make([]float64, n)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		v[i] = f
	}
	return v, nil
}
