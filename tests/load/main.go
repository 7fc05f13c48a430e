// Command load drives the full consume-queue-execute pipeline in memory
// with synthetic opportunities and reports throughput. No chain access and
// no redis: the in-memory broker and simulated strategies stand in for
// both sides.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/mevlab/arb-engine/breaker"
	"github.com/mevlab/arb-engine/consumer"
	"github.com/mevlab/arb-engine/core"
	"github.com/mevlab/arb-engine/engine"
	"github.com/mevlab/arb-engine/params"
	"github.com/mevlab/arb-engine/queue"
	"github.com/mevlab/arb-engine/risk"
	"github.com/mevlab/arb-engine/strategy"
	"github.com/mevlab/arb-engine/stream"
)

const (
	NumOpportunities = 5000
	BatchSize        = 50
	PublishInterval  = time.Millisecond
	DrainTimeout     = 2 * time.Minute
)

var opportunityTypes = []string{"simple", "flash-loan", "cross-chain"}

func syntheticValues(i int) map[string]any {
	typ := opportunityTypes[i%len(opportunityTypes)]
	return map[string]any{
		"id":             fmt.Sprintf("load-%06d", i),
		"type":           typ,
		"tokenIn":        "WETH",
		"tokenOut":       "USDC",
		"amountIn":       "1000000000000000000",
		"expectedProfit": strconv.FormatFloat(50+rand.Float64()*200, 'f', 2, 64),
		"confidence":     strconv.FormatFloat(0.6+rand.Float64()*0.4, 'f', 3, 64),
		"expiresAt":      strconv.FormatInt(time.Now().Add(time.Minute).UnixMilli(), 10),
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()

	cfg := params.DefaultConfig()
	cfg.Risk.MaxInFlightTrades = 16
	cfg.Engine.MaxConcurrentExecutions = 8
	cfg.Engine.TickInterval = 10 * time.Millisecond
	cfg.Consumer.Block = 10 * time.Millisecond

	stats := &core.ExecutionStats{}
	q, err := queue.New(cfg.Queue)
	if err != nil {
		return err
	}
	broker := stream.NewMemBroker()
	cons := consumer.New(cfg.Consumer, broker, q, stats)
	cb := breaker.New(cfg.Breaker)
	orchestrator := risk.NewOrchestrator(cfg.Risk, stats)

	factory := strategy.NewFactory()
	strategy.RegisterSimulatedAll(factory)

	eng := engine.New(cfg.Engine, q, cb, orchestrator, factory, nil, cons, nil, nil, stats)

	if err := cons.Start(ctx); err != nil {
		return err
	}
	eng.Start(ctx)
	start := time.Now()

	go func() {
		for i := 0; i < NumOpportunities; i++ {
			if _, err := broker.Publish(ctx, cfg.Consumer.Stream, syntheticValues(i)); err != nil {
				fmt.Fprintln(os.Stderr, "publish failed:", err)
				return
			}
			if i%BatchSize == BatchSize-1 {
				time.Sleep(PublishInterval)
			}
		}
	}()

	for {
		done := stats.Successful.Load() + stats.Failed.Load() + stats.Rejected.Load()
		if done >= NumOpportunities {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain timeout: %d of %d settled", done, NumOpportunities)
		case <-time.After(50 * time.Millisecond):
		}
	}
	elapsed := time.Since(start)

	cons.Stop()
	eng.Stop()

	snap := stats.Snapshot()
	fmt.Printf("settled %d opportunities in %s (%.0f/s)\n",
		NumOpportunities, elapsed.Round(time.Millisecond),
		float64(NumOpportunities)/elapsed.Seconds())
	for _, key := range []string{"received", "successful", "failed", "rejected", "queueRejects", "riskEVRejections"} {
		fmt.Printf("  %-20s %d\n", key, snap[key])
	}
	return nil
}
