// Command rezoomtrain trains the grid detector on synthetic batches,
// logging metrics, annotated images and checkpoints to the output dir.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/FlavioCFOliveira/GoRezoom/internal/decoder"
	"github.com/FlavioCFOliveira/GoRezoom/internal/eval"
	"github.com/FlavioCFOliveira/GoRezoom/internal/hyp"
	"github.com/FlavioCFOliveira/GoRezoom/internal/synth"
	"github.com/FlavioCFOliveira/GoRezoom/internal/train"
	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
)

func check(err error) {
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func main() {
	parser := argparse.NewParser("rezoomtrain", "Train the rezoom grid detector on synthetic data")
	hypesFile := parser.String("c", "hypes", &argparse.Options{Help: "Hyperparameter JSON file (built-in defaults if empty)", Required: false, Default: ""})
	outputDir := parser.String("o", "output", &argparse.Options{Help: "Output directory, overrides dirs.output_dir", Required: false, Default: ""})
	maxIter := parser.Int("n", "max_iter", &argparse.Options{Help: "Number of training steps, overrides solver.max_iter", Required: false, Default: 0})
	batchSize := parser.Int("b", "batch_size", &argparse.Options{Help: "Batch size, overrides batch_size", Required: false, Default: 0})
	seed := parser.Int("s", "seed", &argparse.Options{Help: "Random seed for weights and data", Required: false, Default: 1})
	resume := parser.String("r", "resume", &argparse.Options{Help: "Weights file to continue from", Required: false, Default: ""})
	rezoom := parser.Flag("", "rezoom", &argparse.Options{Help: "Enable the rezoom head with the default offsets (only without --hypes)"})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)

	var h *hyp.Hypes
	if *hypesFile != "" {
		h, err = hyp.Load(*hypesFile)
		check(err)
	} else {
		h = hyp.Default()
		if *rezoom {
			h.UseRezoom = true
			h.Reregress = true
			h.EarlyFeatChannels = 8
			h.RezoomWCoords = []float64{-0.25, 0.25}
			h.RezoomHCoords = []float64{-0.25, 0.25}
		}
	}
	if *outputDir != "" {
		h.Dirs.OutputDir = *outputDir
	}
	if *maxIter > 0 {
		h.Solver.MaxIter = *maxIter
	}
	if *batchSize > 0 {
		h.BatchSize = *batchSize
	}
	h.Solver.RndSeed = int64(*seed)
	check(h.Validate())
	check(os.MkdirAll(h.Dirs.OutputDir, 0755))

	b, err := json.MarshalIndent(h, "", "  ")
	check(err)
	check(os.WriteFile(filepath.Join(h.Dirs.OutputDir, "hypes.json"), b, 0644))

	var w *decoder.Weights
	if *resume != "" {
		w, err = decoder.Load(*resume, h)
		if err == nil {
			logger.Infof("Resuming from %s at step %d", *resume, w.Step)
		}
	} else {
		w, err = decoder.NewWeights(h, uint64(*seed))
	}
	check(err)
	logger.Infof("Decoder has %d parameters", w.NumParams())

	csvSink, err := eval.NewCSVSink(filepath.Join(h.Dirs.OutputDir, "eval.csv"), *resume != "")
	check(err)
	defer csvSink.Close()
	ev := eval.New(h, eval.MultiSink{eval.LogSink{Log: logger}, csvSink}, logger)

	trainer, err := train.New(h, w, ev, logger)
	check(err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	src := synth.NewSource(h, uint64(*seed))
	src.Images = true
	err = trainer.Run(ctx, src,
		train.NewCSVLogger(filepath.Join(h.Dirs.OutputDir, "train.csv"), *resume != ""),
		train.NewCheckpoint(filepath.Join(h.Dirs.OutputDir, "best.gob")),
		train.Logger{Interval: h.Logging.DisplayIter},
	)
	if err != nil && ctx.Err() == nil {
		check(err)
	}
	final := filepath.Join(h.Dirs.OutputDir, "weights.gob")
	check(w.Save(final))
	logger.Infof("Trained %d steps, weights saved to %s", trainer.GlobalStep(), final)
}
