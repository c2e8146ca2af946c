package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/detrain/pkg/config"
	"github.com/cyclopcam/detrain/pkg/dist"
	"github.com/cyclopcam/detrain/pkg/statsdb"
	"github.com/cyclopcam/detrain/pkg/viz"
	"github.com/cyclopcam/logs"
)

func check(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func main() {
	parser := argparse.NewParser("detrain", "DETR training utilities")

	coordCmd := parser.NewCommand("coordinator", "Run the rendezvous server of a multi-worker run")
	coordListen := coordCmd.String("l", "listen", &argparse.Options{Help: "Listen address", Default: ":29500"})
	coordWorld := coordCmd.Int("n", "world", &argparse.Options{Help: "Number of workers", Required: true})

	pingCmd := parser.NewCommand("ping", "Join a coordinator and run one all-reduce, to check connectivity")
	pingURL := pingCmd.String("c", "coordinator", &argparse.Options{Help: "Coordinator URL, eg http://10.0.0.2:29500", Required: true})
	pingRank := pingCmd.Int("r", "rank", &argparse.Options{Help: "Rank of this worker", Required: true})
	pingWorld := pingCmd.Int("n", "world", &argparse.Options{Help: "Number of workers", Required: true})

	historyCmd := parser.NewCommand("history", "Show the statistics of past runs")
	historyDB := historyCmd.String("d", "db", &argparse.Options{Help: "Stats database", Default: "stats.sqlite"})
	historyRun := historyCmd.String("r", "run", &argparse.Options{Help: "Run name. If omitted, all runs are listed"})
	historyKey := historyCmd.String("k", "key", &argparse.Options{Help: "Stat to find the best epoch of", Default: "loss"})

	plotCmd := parser.NewCommand("plot", "Render a stored batch to PNG")
	plotInput := plotCmd.String("i", "input", &argparse.Options{Help: "Sample JSON file", Required: true})
	plotOutput := plotCmd.String("o", "output", &argparse.Options{Help: "Output PNG file", Required: true})
	plotIndex := plotCmd.Int("s", "sample", &argparse.Options{Help: "Index of the image in the batch", Default: 0})
	plotCoco := plotCmd.Flag("", "coco", &argparse.Options{Help: "Targets are COCO [cx, cy, w, h] boxes"})
	plotPred := plotCmd.Flag("p", "predictions", &argparse.Options{Help: "Plot the predictions instead of the targets"})
	plotNoObject := plotCmd.Int("", "noobject", &argparse.Options{Help: "Class index of 'no object'", Default: 1})
	plotNoClamp := plotCmd.Flag("", "noclamp", &argparse.Options{Help: "Do not clamp out-of-range coordinates"})

	configCmd := parser.NewCommand("config", "Validate a config file, or write the default config")
	configInput := configCmd.String("c", "config", &argparse.Options{Help: "Config file to validate. If omitted, the defaults are used"})
	configOutput := configCmd.String("o", "output", &argparse.Options{Help: "Write the resulting config here"})

	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	check(err)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch {
	case coordCmd.Happened():
		check(runCoordinator(ctx, logger, *coordListen, *coordWorld))
	case pingCmd.Happened():
		check(runPing(ctx, logger, *pingURL, *pingRank, *pingWorld))
	case historyCmd.Happened():
		check(showHistory(logger, *historyDB, *historyRun, *historyKey))
	case plotCmd.Happened():
		check(plot(logger, *plotInput, *plotOutput, *plotIndex, *plotCoco, *plotPred, *plotNoObject, !*plotNoClamp))
	case configCmd.Happened():
		check(checkConfig(logger, *configInput, *configOutput))
	}
}

func runCoordinator(ctx context.Context, log logs.Log, listen string, worldSize int) error {
	if worldSize < 1 {
		return fmt.Errorf("World size must be at least 1")
	}
	coord := dist.NewCoordinator(log, worldSize)
	server := &http.Server{
		Addr:    listen,
		Handler: coord.Handler(),
	}
	go func() {
		<-ctx.Done()
		coord.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()
	log.Infof("Coordinator for %v workers listening on %v", worldSize, listen)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runPing(ctx context.Context, log logs.Log, url string, rank, worldSize int) error {
	pg, err := dist.Connect(ctx, url, rank, worldSize)
	if err != nil {
		return err
	}
	defer pg.Close()
	start := time.Now()
	values := []float64{1}
	if err := pg.AllReduceSum(ctx, values); err != nil {
		return err
	}
	log.Infof("Rank %v of %v: all-reduce returned %v in %v", rank, worldSize, values[0], time.Since(start))
	if int(values[0]) != worldSize {
		return fmt.Errorf("All-reduce returned %v, expected %v", values[0], worldSize)
	}
	return nil
}

func showHistory(log logs.Log, dbFilename, runName, key string) error {
	if _, err := os.Stat(dbFilename); err != nil {
		return err
	}
	db, err := statsdb.Open(log, dbFilename)
	if err != nil {
		return err
	}
	defer db.Close()

	if runName == "" {
		runs, err := db.ListRuns()
		if err != nil {
			return err
		}
		for _, r := range runs {
			fmt.Printf("%5v  %-20v  %v\n", r.ID, r.Name, r.CreatedAt.Get().Local().Format(time.DateTime))
		}
		return nil
	}

	run, err := db.RunByName(runName)
	if err != nil {
		return err
	}
	stats, err := db.EpochStats(run.ID)
	if err != nil {
		return err
	}
	for _, s := range stats {
		fmt.Printf("%4v  %-5v  %-28v  %.6f\n", s.Epoch, s.Phase, s.Key, s.Value)
	}
	best, err := db.Best(run.ID, statsdb.PhaseTest, key, false)
	if errors.Is(err, statsdb.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	fmt.Printf("Lowest test %v: %.6f at epoch %v\n", key, best.Value, best.Epoch)
	return nil
}

func plot(log logs.Log, input, output string, index int, coco, predictions bool, noObject int, clamp bool) error {
	sample, err := viz.LoadSample(input)
	if err != nil {
		return err
	}
	if predictions {
		if sample.Outputs == nil {
			return fmt.Errorf("%v has no predictions", input)
		}
		images, counts, err := viz.PlotPrediction(sample.Samples, sample.Outputs, noObject)
		if err != nil {
			return err
		}
		ext := filepath.Ext(output)
		base := output[:len(output)-len(ext)]
		for i, img := range images {
			fn := output
			if len(images) > 1 {
				fn = fmt.Sprintf("%v-%v%v", base, i, ext)
			}
			log.Infof("Image %v: %v predictions", i, counts[i])
			if err := viz.SavePNG(img, fn); err != nil {
				return err
			}
		}
		return nil
	}

	var img image.Image
	if coco {
		img, err = viz.PlotCocoSample(sample.Samples, sample.Targets, index)
	} else {
		img, err = viz.PlotTargets(sample.Samples, sample.Targets, index, clamp)
	}
	if err != nil {
		return err
	}
	return viz.SavePNG(img, output)
}

func checkConfig(log logs.Log, input, output string) error {
	cfg := config.Default()
	if input != "" {
		var err error
		cfg, err = config.LoadConfig(input)
		if err != nil {
			return err
		}
		log.Infof("%v is valid", input)
	}
	if output != "" {
		return cfg.Save(output)
	}
	return nil
}
