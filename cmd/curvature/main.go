package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/23skdu/longbow-curvature/internal/config"
	"github.com/23skdu/longbow-curvature/internal/curvature"
	"github.com/23skdu/longbow-curvature/internal/data"
	"github.com/23skdu/longbow-curvature/internal/export"
	"github.com/23skdu/longbow-curvature/internal/fisher"
	"github.com/23skdu/longbow-curvature/internal/logger"
	"github.com/23skdu/longbow-curvature/internal/monitoring"
	"github.com/23skdu/longbow-curvature/internal/nn"
	"github.com/23skdu/longbow-curvature/internal/swag"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"gonum.org/v1/gonum/floats"
)

func main() {
	cfg := config.Default()

	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (console, json)")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Address to serve /metrics and /healthz, empty to disable")
	backend := flag.String("backend", string(cfg.Backend), "Curvature backend (ggn, ef)")
	flag.BoolVar(&cfg.Stochastic, "stochastic", cfg.Stochastic, "Use the Monte-Carlo Fisher for the ggn backend")
	flag.BoolVar(&cfg.LastLayer, "last-layer", cfg.LastLayer, "Estimate curvature of the last layer only")
	flag.Float64Var(&cfg.Factor, "factor", cfg.Factor, "Scale applied to loss and curvature")
	flag.IntVar(&cfg.MCSamples, "mc-samples", cfg.MCSamples, "Monte-Carlo samples per example")
	flag.Uint64Var(&cfg.Seed, "seed", cfg.Seed, "Random seed")
	flag.IntVar(&cfg.DatasetSize, "n", cfg.DatasetSize, "Number of synthetic examples")
	flag.IntVar(&cfg.Classes, "classes", cfg.Classes, "Number of classes")
	flag.IntVar(&cfg.InputDim, "dim", cfg.InputDim, "Input dimension")
	flag.Float64Var(&cfg.Spread, "spread", cfg.Spread, "Standard deviation of each class blob")
	flag.IntVar(&cfg.BatchSize, "batch", cfg.BatchSize, "Mini-batch size")
	flag.IntVar(&cfg.HiddenWidth, "hidden", cfg.HiddenWidth, "Hidden layer width")
	flag.IntVar(&cfg.TrainEpochs, "epochs", cfg.TrainEpochs, "Training epochs before curvature estimation")
	flag.Float64Var(&cfg.TrainLR, "lr", cfg.TrainLR, "Training learning rate")
	flag.IntVar(&cfg.Swag.NSnapshotsTotal, "swag-snapshots", cfg.Swag.NSnapshotsTotal, "SWAG snapshots")
	flag.IntVar(&cfg.Swag.SnapshotFreq, "swag-freq", cfg.Swag.SnapshotFreq, "Epochs between SWAG snapshots")
	flag.Float64Var(&cfg.Swag.LR, "swag-lr", cfg.Swag.LR, "SWAG learning rate")
	flag.StringVar(&cfg.ExportPath, "out", cfg.ExportPath, "Directory for Arrow IPC output")
	flag.StringVar(&cfg.FlightAddr, "flight", cfg.FlightAddr, "Arrow Flight endpoint to publish results to")
	flag.Parse()
	cfg.Backend = config.Backend(*backend)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log := logger.Log.With("main")

	hm := monitoring.NewHealthMonitor()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := hm.Start(cfg.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", "err", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, hm) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		log.Warn("interrupted, shutting down")
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hm.Stop(shutdown)

	if runErr != nil {
		log.Error("run failed", "err", runErr)
		os.Exit(1)
	}
}

// run trains a small classifier on synthetic blobs and estimates its
// curvature and SWAG variance.
func run(ctx context.Context, cfg config.Config, hm *monitoring.HealthMonitor) error {
	log := logger.Log.With("main")

	ds, err := data.GaussianBlobs(cfg.DatasetSize, cfg.Classes, cfg.InputDim, cfg.Spread, cfg.Seed)
	if err != nil {
		return err
	}
	loader, err := data.NewLoader(ds, cfg.BatchSize, true, cfg.Seed)
	if err != nil {
		return err
	}

	src := rand.NewPCG(cfg.Seed, cfg.Seed+1)
	model, err := nn.NewSequential(
		nn.NewLinear("fc1", cfg.InputDim, cfg.HiddenWidth, true, src),
		nn.NewTanh("act1", cfg.HiddenWidth),
		nn.NewLinear("fc2", cfg.HiddenWidth, cfg.Classes, true, src),
	)
	if err != nil {
		return err
	}

	opt, err := nn.NewSGD(nn.SGDConfig{LearningRate: cfg.TrainLR, Momentum: 0.9})
	if err != nil {
		return err
	}
	crit := nn.CrossEntropy{Reduction: nn.ReductionMean}
	for epoch := 0; epoch < cfg.TrainEpochs; epoch++ {
		loader.Reset()
		loss, err := nn.TrainEpoch(model, opt, crit, loader.Next)
		if err != nil {
			return fmt.Errorf("training epoch %d: %w", epoch, err)
		}
		log.Debug("training epoch", "epoch", epoch, "loss", loss)
	}
	hm.RecordStage("train")
	log.Info("model trained", "params", model.NumParams(), "epochs", cfg.TrainEpochs)

	b, err := newBackend(cfg, model)
	if err != nil {
		return err
	}
	all := ds.All()

	loss, diag, err := b.Diag(all.X, all.Labels)
	if err != nil {
		return err
	}
	hm.RecordStage("diag")
	log.Info("diagonal curvature",
		"variant", b.Variant().String(),
		"loss", loss,
		"trace", floats.Sum(diag),
		"max", floats.Max(diag))

	_, kron, diags, err := b.Kron(all.X, all.Labels, ds.Len())
	if err != nil {
		return err
	}
	for _, d := range diags {
		hm.AddAlert("warning", "curvature", d.String())
	}
	hm.RecordStage("kron")
	log.Info("kronecker curvature", "groups", kron.Len(), "trace", kron.Trace())

	first := ds.Gather([]int{0})
	J, _, err := b.Jacobians(first.X)
	if err != nil {
		return err
	}
	hm.RecordStage("jacobians")
	log.Info("jacobians", "outputs", J.Outputs, "params", J.Params)

	variance, err := swag.FitDiagonalVariance(model, loader, crit, cfg.Swag)
	if err != nil {
		return err
	}
	hm.RecordStage("swag")
	log.Info("swag variance", "mean", floats.Sum(variance)/float64(len(variance)), "max", floats.Max(variance))

	if !cfg.ExportEnabled() {
		return nil
	}
	return publish(ctx, cfg, model, b.Variant().String(), diag, kron, variance)
}

func newBackend(cfg config.Config, model *nn.Model) (*curvature.Backend, error) {
	engine := fisher.NewEngine(
		fisher.WithMCSamples(cfg.MCSamples),
		fisher.WithSource(rand.NewPCG(cfg.Seed, cfg.Seed+2)),
	)
	opts := []curvature.Option{
		curvature.WithEngine(engine),
		curvature.WithFactor(cfg.Factor),
		curvature.WithLastLayer(cfg.LastLayer),
		curvature.WithStochastic(cfg.Stochastic),
	}
	if cfg.Backend == config.BackendEF {
		return curvature.NewEF(model, curvature.LikelihoodClassification, opts...)
	}
	return curvature.NewGGN(model, curvature.LikelihoodClassification, opts...)
}

func publish(ctx context.Context, cfg config.Config, model *nn.Model, variant string, diag []float64, kron *curvature.KronFactors, variance []float64) error {
	mem := memory.NewGoAllocator()

	var sinks []export.Sink
	if cfg.ExportPath != "" {
		fs, err := export.NewFileSink(cfg.ExportPath, mem)
		if err != nil {
			return err
		}
		sinks = append(sinks, fs)
	}
	if cfg.FlightAddr != "" {
		pub, err := export.NewPublisher(cfg.FlightAddr)
		if err != nil {
			return err
		}
		defer pub.Close()
		sinks = append(sinks, pub)
	}

	diagRec, err := export.VectorRecord(mem, model, variant+"_diag", diag)
	if err != nil {
		return err
	}
	defer diagRec.Release()
	varRec, err := export.VectorRecord(mem, model, "swag_variance", variance)
	if err != nil {
		return err
	}
	defer varRec.Release()
	kronRec := export.KronRecord(mem, kron)
	defer kronRec.Release()

	for _, sink := range sinks {
		if err := sink.Put(ctx, variant+"_diag", diagRec); err != nil {
			return err
		}
		if err := sink.Put(ctx, variant+"_kron", kronRec); err != nil {
			return err
		}
		if err := sink.Put(ctx, "swag_variance", varRec); err != nil {
			return err
		}
	}
	return nil
}
