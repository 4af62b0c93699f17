// Command phasyncdemo drives the phasync public API end to end: a
// ping-pong channel round-trip, a fan-out publisher, and a timeout race,
// each runnable as its own subcommand. Grounded on the cobra wiring in
// ChuLiYu-raft-recovery/internal/cli and the teacher event-loop's own
// examples/ directory.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/phasync/gophasync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var metricsPort int

func main() {
	if err := buildCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildCLI() *cobra.Command {
	root := &cobra.Command{
		Use:   "phasyncdemo",
		Short: "Exercises the phasync cooperative runtime's public API",
	}
	root.PersistentFlags().IntVar(&metricsPort, "metrics-port", 0, "serve Prometheus metrics on this port (0 disables)")

	root.AddCommand(buildPingPongCommand())
	root.AddCommand(buildFanoutCommand())
	root.AddCommand(buildTimeoutCommand())
	return root
}

func maybeServeMetrics() phasync.DriverOption {
	if metricsPort == 0 {
		return nil
	}
	reg := prometheus.NewRegistry()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", metricsPort)
		fmt.Fprintf(os.Stderr, "serving metrics on %s/metrics\n", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			fmt.Fprintln(os.Stderr, "metrics server error:", err)
		}
	}()
	return phasync.WithMetrics(reg)
}

func buildPingPongCommand() *cobra.Command {
	var rounds int
	cmd := &cobra.Command{
		Use:   "pingpong",
		Short: "Bounce a value between two tasks over an unbuffered channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPingPong(rounds)
		},
	}
	cmd.Flags().IntVar(&rounds, "rounds", 10000, "number of round-trips")
	return cmd
}

func runPingPong(rounds int) error {
	start := time.Now()
	_, err := phasync.Run(context.Background(), func(ctx context.Context) (any, error) {
		ping, err := phasync.NewChannel(ctx, 0)
		if err != nil {
			return nil, err
		}
		// pongBox hands the pong channel from the partner task (its
		// creator) back to root, so root never blocks on a channel it
		// created itself before the partner has touched it (§4.6
		// creator-task guard).
		pongBox, err := phasync.NewChannel(ctx, 1)
		if err != nil {
			return nil, err
		}

		partner, err := phasync.Spawn(ctx, func(ctx context.Context) (any, error) {
			pong, err := phasync.NewChannel(ctx, 0)
			if err != nil {
				return nil, err
			}
			if err := pongBox.Write(ctx, pong); err != nil {
				return nil, err
			}
			for i := 0; i < rounds; i++ {
				v, _, err := ping.Read(ctx)
				if err != nil {
					return nil, err
				}
				if err := pong.Write(ctx, v); err != nil {
					return nil, err
				}
			}
			return nil, nil
		})
		if err != nil {
			return nil, err
		}

		pongAny, _, err := pongBox.Read(ctx)
		if err != nil {
			return nil, err
		}
		pong := pongAny.(*phasync.Channel)

		for i := 0; i < rounds; i++ {
			if err := ping.Write(ctx, i); err != nil {
				return nil, err
			}
			if _, _, err := pong.Read(ctx); err != nil {
				return nil, err
			}
		}
		_, err = phasync.Await(ctx, partner)
		return nil, err
	}, maybeServeMetrics())
	if err != nil {
		return err
	}
	fmt.Printf("completed %d round-trips in %s\n", rounds, time.Since(start))
	return nil
}

func buildFanoutCommand() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "fanout",
		Short: "Publish 1..n to several subscribers and sum what each observes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFanout(n)
		},
	}
	cmd.Flags().IntVar(&n, "n", 100, "highest value published")
	return cmd
}

func runFanout(n int) error {
	_, err := phasync.Run(context.Background(), func(ctx context.Context) (any, error) {
		source, err := phasync.NewChannel(ctx, 0)
		if err != nil {
			return nil, err
		}
		pub, err := phasync.NewPublisher(ctx, source)
		if err != nil {
			return nil, err
		}

		const subscribers = 3
		group, err := phasync.SpawnConcurrent(ctx, subscribers, func(ctx context.Context, idx int) (any, error) {
			sub := pub.Subscribe()
			sum := 0
			for {
				v, ok, err := sub.Next(ctx)
				if err != nil {
					return nil, err
				}
				if !ok {
					return sum, nil
				}
				sum += v.(int)
			}
		})
		if err != nil {
			return nil, err
		}

		for i := 1; i <= n; i++ {
			if err := source.Write(ctx, i); err != nil {
				return nil, err
			}
		}
		source.Close()

		result, err := phasync.Await(ctx, group)
		if err != nil {
			return nil, err
		}
		for _, r := range result.([]phasync.GroupResult) {
			fmt.Printf("subscriber sum: %v (err=%v)\n", r.Value, r.Err)
		}
		return nil, nil
	}, maybeServeMetrics())
	return err
}

func buildTimeoutCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeout",
		Short: "Race a channel read against a short deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTimeoutRace()
		},
	}
	return cmd
}

func runTimeoutRace() error {
	_, err := phasync.Run(context.Background(), func(ctx context.Context) (any, error) {
		ch, err := phasync.NewChannel(ctx, 0)
		if err != nil {
			return nil, err
		}
		_, err = phasync.Spawn(ctx, func(ctx context.Context) (any, error) {
			return nil, phasync.Sleep(ctx, time.Second)
		})
		if err != nil {
			return nil, err
		}

		deadline, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, _, rerr := ch.Read(deadline)
		fmt.Printf("read result: %v\n", rerr)
		return nil, nil
	}, maybeServeMetrics())
	return err
}
