// Command archer benchmarks distributed linear regression over a cluster of
// partition workers. The default mode drives the benchmark; -listen runs a
// worker serving partitions over Arrow Flight instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"runtime/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-archer/internal/bench"
	"github.com/23skdu/longbow-archer/internal/cluster"
)

var (
	nWorkers      = flag.Int("workers", 2, "Local cluster size when no scheduler file is given")
	xPath         = flag.String("x", "", "Directory of feature shard files")
	yPath         = flag.String("y", "", "Directory of label shard files")
	nGB           = flag.Int("gb", 0, "Shard files to load per directory (0 = one per worker)")
	nFeatures     = flag.Int("features", 0, "Feature column count")
	schedulerFile = flag.String("scheduler-file", "", "Attach to the cluster described by this JSON file")
	outPath       = flag.String("out", "", "CSV file to append the benchmark summary to")
	reps          = flag.Int("reps", 5, "Benchmark repetitions")
	poolLimit     = flag.String("pool", "0", "Per-worker buffer pool ceiling (e.g. 4GB, 512MB)")
	listenAddr    = flag.String("listen", "", "Run as a worker listening on this address (e.g. :9090)")
	metricsAddr   = flag.String("metrics", "", "Serve Prometheus metrics on this address (e.g. :8080)")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
)

func parseBytes(s string) int64 {
	if s == "" || s == "0" {
		return 0
	}
	var val int64
	var unit string
	fmt.Sscanf(s, "%d%s", &val, &unit)

	switch unit {
	case "GB", "G":
		return val * 1024 * 1024 * 1024
	case "MB", "M":
		return val * 1024 * 1024
	case "KB", "K":
		return val * 1024
	default:
		return val
	}
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Error().Err(err).Msg("Metrics listener failed")
			}
		}()
		log.Info().Str("addr", *metricsAddr).Msg("Serving Prometheus metrics")
	}

	poolBytes := parseBytes(*poolLimit)

	// Worker mode: serve partitions over Arrow Flight until killed.
	if *listenAddr != "" {
		srv := cluster.NewServer(cluster.NewLocalWorker(0, poolBytes))
		if err := srv.Init(*listenAddr); err != nil {
			log.Fatal().Err(err).Str("addr", *listenAddr).Msg("Failed to start worker")
		}
		log.Info().Str("addr", srv.Addr()).Msg("Worker listening")
		if err := srv.Serve(); err != nil {
			log.Fatal().Err(err).Msg("Worker server failed")
		}
		return
	}

	if *xPath == "" || *yPath == "" {
		log.Fatal().Msg("Benchmark mode needs -x and -y shard directories")
	}

	s, err := bench.Run(context.Background(), bench.Config{
		Workers:       *nWorkers,
		XPath:         *xPath,
		YPath:         *yPath,
		NGB:           *nGB,
		NFeatures:     *nFeatures,
		SchedulerFile: *schedulerFile,
		OutPath:       *outPath,
		Reps:          *reps,
		PoolBytes:     poolBytes,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Benchmark failed")
	}
	log.Info().
		Int("workers", s.Workers).
		Int("samples", s.Samples).
		Int("features", s.Features).
		Int("valid", s.Valid).
		Float64("fit_mean_s", s.FitMean).
		Float64("fit_min_s", s.FitMin).
		Float64("predict_mean_s", s.PredictMean).
		Float64("predict_min_s", s.PredictMin).
		Float64("mse_mean", s.MSEMean).
		Msg("Benchmark summary")
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("archer"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
