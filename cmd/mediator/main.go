package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tailored-agentic-units/mediator/container"
	"github.com/tailored-agentic-units/mediator/event"
	"github.com/tailored-agentic-units/mediator/mediator"
	"github.com/tailored-agentic-units/mediator/observability"
	"github.com/tailored-agentic-units/mediator/saga"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to mediator config JSON file (defaults when empty)")
		scenario   = flag.String("scenario", "success", "Order scenario: success, ship-fails, fallback, recover")
		verbose    = flag.Bool("verbose", false, "Enable verbose logging to stderr")
		metrics    = flag.String("metrics", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	)
	flag.Parse()

	cfg := mediator.DefaultConfig()
	if *configFile != "" {
		loaded, err := mediator.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = *loaded
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	observability.RegisterObserver("slog", observability.NewSlogObserver(logger))

	if *metrics != "" {
		reg := prometheus.NewRegistry()
		prom, err := observability.NewPrometheusObserver(reg, "mediator")
		if err != nil {
			log.Fatalf("Failed to create metrics: %v", err)
		}
		observability.RegisterObserver("prometheus", observability.NewMultiObserver(observability.NewSlogObserver(logger), prom))
		cfg.Observer = "prometheus"

		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metrics, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := container.New()
	requests := mediator.NewRequestMap()
	events := event.NewMap()

	m, err := mediator.New(ctx, &cfg, c,
		mediator.WithRequests(requests),
		mediator.WithEvents(events),
		mediator.WithMiddleware(mediator.Logging(observability.NewSlogObserver(logger))),
	)
	if err != nil {
		log.Fatalf("Failed to create mediator: %v", err)
	}

	code := run(ctx, m, c, requests, events, *scenario, cfg.Broker.Driver != "")
	if err := m.Close(); err != nil {
		log.Printf("Failed to close mediator: %v", err)
	}
	stop()
	os.Exit(code)
}

// run places one order for scenario and returns the process exit code.
func run(ctx context.Context, m *mediator.Mediator, c *container.Container, requests *mediator.RequestMap, events *event.Map, scenario string, notify bool) int {
	s := newShop(scenario)
	if err := s.register(c, m.Breaker()); err != nil {
		log.Printf("Failed to register handlers: %v", err)
		return 1
	}
	if err := s.bind(m, c, requests, events, notify); err != nil {
		log.Printf("Failed to bind handlers: %v", err)
		return 1
	}

	if scenario == "recover" {
		if err := runRecover(ctx, m, s); err != nil {
			log.Printf("Recovery failed: %v", err)
			return 1
		}
		return 0
	}

	order, err := mediator.As[*Order](m.Send(ctx, PlaceOrder{Item: "widget", Qty: 2, Amount: 4000}))
	if err != nil {
		var stepErr *saga.StepError
		if errors.As(err, &stepErr) {
			fmt.Printf("\nOrder failed at %s and was rolled back: %v\n", stepErr.Step, stepErr.Err)
			printHistory(ctx, m, stepErr.SagaID)
			return 1
		}
		log.Printf("Order failed: %v", err)
		return 1
	}

	fmt.Printf("\nOrder %s placed\n", order.ID)
	fmt.Printf("  reservation: %s\n  payment:     %s (%s)\n  tracking:    %s\n",
		order.ReservationID, order.PaymentID, order.Gateway, order.TrackingID)
	printHistory(ctx, m, order.ID)
	return 0
}

// runRecover interrupts an order after its first step, then recovers it
// the way a restarted process would.
func runRecover(ctx context.Context, m *mediator.Mediator, s *shop) error {
	order := &Order{Item: "widget", Qty: 1, Amount: 2000}
	id, results := mediator.StreamSaga(ctx, m, s.saga, order, "")
	for res, err := range results {
		if err != nil {
			return err
		}
		fmt.Printf("  %s -> %v\n", res.Step, res.Response)
		fmt.Printf("saga %s interrupted after %s\n", id, res.Step)
		break
	}

	recovered, err := mediator.RecoverPending(ctx, m, s.saga, saga.FromMap[Order])
	if err != nil {
		return err
	}
	fmt.Printf("\nRecovered %d saga(s): %v\n", len(recovered), recovered)
	printHistory(ctx, m, id)
	return nil
}

func printHistory(ctx context.Context, m *mediator.Mediator, id string) {
	state, err := m.Storage().LoadSagaState(ctx, id, false)
	if err != nil {
		log.Printf("Failed to load saga %s: %v", id, err)
		return
	}

	fmt.Printf("\nSaga %s (%s) %s\n", state.ID, state.Name, state.Status)
	for _, e := range state.History {
		line := fmt.Sprintf("  %-10s %-10s %-9s", e.StepName, e.Action, e.Status)
		if e.Detail != "" {
			line += " " + e.Detail
		}
		fmt.Println(line)
	}
}
