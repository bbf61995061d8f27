package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"time"

	"darkfield/pkg/config"
	"darkfield/pkg/paraview"
	"darkfield/pkg/pipeline"
	"darkfield/pkg/reader"
	"darkfield/pkg/visualization"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "", "Optional YAML configuration file; flags override it")
	inputPath := flag.String("input", "", "HDF5 file containing the scan layers")
	scanList := flag.String("scans", "", "Comma-separated scan ids in stacking order, e.g. 1.1,2.1,3.1")
	dataName := flag.String("data", "", "In-group path to the detector frame stack")
	motorList := flag.String("motors", "", "Comma-separated in-group motor dataset paths, outermost first")
	threshold := flag.String("threshold", "", "Background subtraction: none, auto, or a fixed value")
	roiSpec := flag.String("roi", "", "Detector region as rowMin:rowMax,colMin:colMax (default: full detector)")
	outputPath := flag.String("output", "", "Output file for the moment volumes (.vtk)")
	mosaicityDir := flag.String("mosaicity-dir", "", "Optional directory for per-layer mosaicity PNG images")
	workers := flag.Int("workers", runtime.NumCPU(), "Number of layers to reduce concurrently")
	writeConfig := flag.String("write-config", "", "Write a default configuration file to the given path and exit")
	flag.Parse()

	if *writeConfig != "" {
		if err := config.CreateDefaultConfigFile(*writeConfig); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *writeConfig)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(cfg, *inputPath, *scanList, *dataName, *motorList, *threshold, *roiSpec, *outputPath, *workers)

	// Validate inputs
	if cfg.Input.Path == "" || len(cfg.Input.ScanIDs) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	thr, err := cfg.Threshold()
	if err != nil {
		log.Fatalf("Invalid threshold: %v", err)
	}
	roi, err := cfg.Region()
	if err != nil {
		log.Fatalf("Invalid roi: %v", err)
	}

	src, err := reader.NewMosaScan(cfg.Input.Path, cfg.Input.DataName, cfg.Input.MotorNames, cfg.Input.MotorPrecision)
	if err != nil {
		log.Fatalf("Invalid scan layout: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("DARK-FIELD X-RAY MICROSCOPY MOMENT MAP COMPILATION")
	fmt.Println("================================")
	fmt.Printf("Input:  %s (%d layers)\n", cfg.Input.Path, len(cfg.Input.ScanIDs))
	fmt.Printf("Output: %s\n", cfg.Output.Path)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := pipeline.Options{
		Threshold: thr,
		ROI:       roi,
		Workers:   cfg.Processing.Workers,
	}
	if cfg.Output.Verbose {
		opts.Progress = func(layer, total int, elapsed time.Duration) {
			fmt.Printf("Layer %d/%d compiled in %.2f seconds\n", layer+1, total, elapsed.Seconds())
		}
	}

	fmt.Println("Starting layer compilation...")
	startTime := time.Now()
	mean3d, cov3d, err := pipeline.CompileLayers(ctx, src, cfg.Input.ScanIDs, opts)
	if err != nil {
		if mean3d != nil {
			log.Printf("Compilation stopped after %d of %d layers: %v", mean3d.Layers, len(cfg.Input.ScanIDs), err)
		} else {
			log.Fatalf("Compilation failed: %v", err)
		}
	}
	processingTime := time.Since(startTime)

	fmt.Printf("\nCompiled %d layers in %.2f seconds\n", mean3d.Layers, processingTime.Seconds())
	fmt.Printf("Volume shape: (%d, %d, %d) with %d motor dimensions\n",
		mean3d.Layers, mean3d.Rows, mean3d.Cols, mean3d.Dims)
	fmt.Printf("Used %d workers\n", cfg.Processing.Workers)

	if err := paraview.Write(cfg.Output.Path, mean3d, cov3d); err != nil {
		log.Fatalf("Failed to write output: %v", err)
	}
	fmt.Printf("Moment volumes saved to: %s\n", cfg.Output.Path)

	if *mosaicityDir != "" {
		fmt.Printf("\nRendering mosaicity maps to: %s\n", *mosaicityDir)
		// The motor grid is shared across layers; take it from the first one.
		_, motors, err := src.ReadScan(cfg.Input.ScanIDs[0], roi)
		if err != nil {
			log.Fatalf("Failed to read motor axes: %v", err)
		}
		if err := visualization.SaveLayerSequence(mean3d, motors, nil, *mosaicityDir); err != nil {
			log.Fatalf("Failed to render mosaicity maps: %v", err)
		}
		fmt.Printf("Rendered %d layers\n", mean3d.Layers)
	}
}

// applyFlags overlays non-empty command line values onto the loaded config.
func applyFlags(cfg *config.Config, input, scans, data, motors, threshold, roi, output string, workers int) {
	if input != "" {
		cfg.Input.Path = input
	}
	if scans != "" {
		cfg.Input.ScanIDs = splitList(scans)
	}
	if data != "" {
		cfg.Input.DataName = data
	}
	if motors != "" {
		cfg.Input.MotorNames = splitList(motors)
		// Flags carry no per-motor precision; reuse the configured value for
		// every axis.
		precision := 4
		if len(cfg.Input.MotorPrecision) > 0 {
			precision = cfg.Input.MotorPrecision[0]
		}
		cfg.Input.MotorPrecision = make([]int, len(cfg.Input.MotorNames))
		for i := range cfg.Input.MotorPrecision {
			cfg.Input.MotorPrecision[i] = precision
		}
	}
	if threshold != "" {
		cfg.Processing.Threshold = threshold
	}
	if roi != "" {
		cfg.Processing.ROI = parseROI(roi)
	}
	if output != "" {
		cfg.Output.Path = output
	}
	if workers > 0 {
		cfg.Processing.Workers = workers
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseROI accepts "rowMin:rowMax,colMin:colMax" and returns the four bounds,
// or nil on malformed input (config validation reports the error).
func parseROI(s string) []int {
	var r1, r2, c1, c2 int
	if _, err := fmt.Sscanf(s, "%d:%d,%d:%d", &r1, &r2, &c1, &c2); err != nil {
		return []int{0}
	}
	return []int{r1, r2, c1, c2}
}
