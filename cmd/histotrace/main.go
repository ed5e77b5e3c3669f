package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"log"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/disintegration/imaging"
	"golang.org/x/image/tiff"

	"histotrace/internal/logging"
	"histotrace/pkg/config"
	"histotrace/pkg/features"
	"histotrace/pkg/label"
	"histotrace/pkg/pipeline"
	"histotrace/pkg/raster"
	"histotrace/pkg/render"
)

func main() {
	// Parse command line arguments
	inputPath := flag.String("input", "", "Input image (PNG, JPEG, TIFF or BMP)")
	outputPath := flag.String("output", "objects.geojson", "Output GeoJSON filename")
	configPath := flag.String("config", "histotrace.yaml", "Configuration file (a missing file uses defaults)")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to the config path and exit")
	threshold := flag.Float64("threshold", 0.5, "Low threshold override")
	sigma := flag.Float64("sigma", 0, "Gaussian smoothing sigma override")
	workers := flag.Int("workers", 0, "Tile worker count override")
	overlayPath := flag.String("overlay", "", "Write a PNG overlay of the thresholded mask")
	featuresDir := flag.String("features-dir", "", "Compute feature maps and save them as 16-bit TIFFs in this directory")
	pretty := flag.Bool("pretty", false, "Indent the GeoJSON output")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	// Validate inputs
	if *inputPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Explicitly set flags win over the config file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "threshold":
			cfg.Processing.ThresholdLow = *threshold
		case "sigma":
			cfg.Processing.SmoothSigma = *sigma
		case "workers":
			cfg.Processing.NumWorkers = *workers
		case "pretty":
			cfg.Output.Pretty = *pretty
		case "verbose":
			cfg.Output.Verbose = *verbose
		}
	})

	logger := logging.New("histotrace", cfg.Output.Verbose)

	img, err := imaging.Open(*inputPath)
	if err != nil {
		log.Fatalf("Failed to open input image: %v", err)
	}
	src := raster.FromImage(imaging.Grayscale(img))

	params := paramsFromConfig(cfg)
	params.Progress = func(done, total int) {
		fmt.Printf("\rTiles processed: %d/%d", done, total)
	}

	pipe, err := pipeline.NewPipeline(params)
	if err != nil {
		log.Fatalf("Invalid parameters: %v", err)
	}
	pipe.SetLogger(logger)

	// Interrupt cancels the run between tiles
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Printf("Tracing %s (%dx%d)...\n", filepath.Base(*inputPath), src.W, src.H)
	res, err := pipe.Run(ctx, src)
	fmt.Println()
	if err != nil {
		log.Fatalf("Tracing failed: %v", err)
	}

	if err := writeGeoJSONFile(*outputPath, res.Polygons, cfg.Output.Pretty); err != nil {
		log.Fatalf("Failed to write output: %v", err)
	}

	fmt.Printf("Traced %d objects from %d tiles in %.2f seconds\n",
		len(res.Polygons), res.Tiles, res.Elapsed.Seconds())
	fmt.Printf("Output saved to: %s\n", *outputPath)

	if *overlayPath != "" {
		mask := src.Threshold(float32(cfg.Processing.ThresholdLow), float32(cfg.Processing.ThresholdHigh))
		overlay, err := render.Overlay(src, mask, color.RGBA{R: 230, G: 60, B: 60, A: 255}, 0.45)
		if err != nil {
			log.Fatalf("Failed to render overlay: %v", err)
		}
		if err := imaging.Save(overlay, *overlayPath); err != nil {
			log.Fatalf("Failed to save overlay: %v", err)
		}
		fmt.Printf("Overlay saved to: %s\n", *overlayPath)
	}

	if *featuresDir != "" {
		if err := exportFeatures(pipe.Engine(), src, cfg, *featuresDir); err != nil {
			log.Fatalf("Feature export failed: %v", err)
		}
	}
}

// paramsFromConfig maps the YAML configuration onto pipeline settings.
// Values are passed through unchecked; NewPipeline validates them.
func paramsFromConfig(cfg *config.Config) pipeline.Params {
	return pipeline.Params{
		TileSize:        cfg.Processing.TileSize,
		Overlap:         cfg.Processing.TileOverlap,
		Parallelism:     cfg.Processing.NumWorkers,
		ThresholdLow:    float32(cfg.Processing.ThresholdLow),
		ThresholdHigh:   float32(cfg.Processing.ThresholdHigh),
		SmoothSigma:     cfg.Processing.SmoothSigma,
		CleanupRadius:   cfg.Cleanup.OpeningRadius,
		MinObjectPixels: cfg.Cleanup.MinObjectPixels,
		Connectivity:    label.Connectivity(cfg.Cleanup.Connectivity),
		MinArea:         cfg.Merge.MinObjectArea,
		MinHoleArea:     cfg.Merge.MinHoleArea,
		Calibration: raster.PixelCalibration{
			PixelWidth:  cfg.Calibration.PixelWidth,
			PixelHeight: cfg.Calibration.PixelHeight,
			ZSpacing:    cfg.Calibration.ZSpacing,
			Downsample:  cfg.Calibration.Downsample,
		},
	}
}

// exportFeatures computes the configured feature maps over the whole
// plane and saves each one as a 16-bit grayscale TIFF.
func exportFeatures(eng *features.Engine, src *raster.Raster, cfg *config.Config, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	spec := features.FeatureSpec{Border: raster.ParseBorder(cfg.Features.Border)}
	for _, s := range cfg.Features.Sigmas {
		spec.Sigmas = append(spec.Sigmas, features.IsoScale(s))
	}
	for _, name := range cfg.Features.Names {
		f, err := features.ParseFeature(name)
		if err != nil {
			return err
		}
		spec.Features = append(spec.Features, f)
	}

	maps, err := eng.Compute2D(src, spec)
	if err != nil {
		return err
	}
	for _, fm := range maps {
		path := filepath.Join(dir, fm.Name+".tiff")
		if err := saveTIFF(path, render.GrayAuto(fm.Data)); err != nil {
			return err
		}
		fmt.Printf("Feature map saved to: %s\n", path)
	}
	return nil
}

func saveTIFF(path string, img image.Image) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate})
}
