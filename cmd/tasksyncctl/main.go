package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/tasksync/internal/opsclient"
)

const usage = `usage: tasksyncctl [flags] <command> [args]

commands:
  platforms              platform health
  probe                  probe every platform now
  ingress                normalizer, queue and engine counters
  item <id>              tracked item with per-platform pair state
  dead-letters           list dead letters (--platform, --limit)
  replay <id>            re-enqueue a dead letter
  ack <id>               acknowledge and drop a dead letter
`

var errUsage = errors.New("usage")

func main() {
	baseURL := flag.String("base-url", envOrDefault("TASKSYNC_BASE_URL", "http://127.0.0.1:8080"), "tasksync base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("TASKSYNC_TOKEN")), "bearer token")
	platform := flag.String("platform", "", "dead-letters platform filter")
	limit := flag.Int("limit", 100, "dead-letters limit")
	interval := flag.Duration("interval", durationEnv("TASKSYNC_CTL_INTERVAL", 5*time.Second), "watch interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("TASKSYNC_CTL_INTERVAL_JITTER", 0.2), "watch interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("TASKSYNC_CTL_TIMEOUT", 15*time.Second), "per-request timeout")
	watch := flag.Bool("watch", false, "repeat the command every interval")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or TASKSYNC_TOKEN)")
	}
	if *interval <= 0 {
		*interval = 5 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	client := opsclient.New(*baseURL, *token, &http.Client{Timeout: *timeout})
	cmd := command{platform: *platform, limit: *limit, args: flag.Args()}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	once := func() error {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		return cmd.run(ctx, client, os.Stdout)
	}

	if err := once(); err != nil {
		if errors.Is(err, errUsage) {
			flag.Usage()
			os.Exit(2)
		}
		if !*watch {
			log.Fatalf("%v", err)
		}
		log.Printf("tasksyncctl: %v", err)
	}
	if !*watch {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			return
		case <-timer.C:
			if err := once(); err != nil {
				log.Printf("tasksyncctl: %v", err)
			}
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

type command struct {
	platform string
	limit    int
	args     []string
}

func (c command) run(ctx context.Context, client *opsclient.Client, out io.Writer) error {
	if len(c.args) == 0 {
		return errUsage
	}
	name, rest := c.args[0], c.args[1:]
	needID := func() (string, error) {
		if len(rest) != 1 || strings.TrimSpace(rest[0]) == "" {
			return "", fmt.Errorf("%w: %s requires one id", errUsage, name)
		}
		return strings.TrimSpace(rest[0]), nil
	}

	var (
		result any
		err    error
	)
	switch name {
	case "platforms":
		result, err = client.Platforms(ctx)
	case "probe":
		result, err = client.Probe(ctx)
	case "ingress":
		result, err = client.Ingress(ctx)
	case "dead-letters":
		result, err = client.DeadLetters(ctx, c.platform, c.limit)
	case "item", "replay", "ack":
		id, idErr := needID()
		if idErr != nil {
			return idErr
		}
		switch name {
		case "item":
			result, err = client.Item(ctx, id)
		case "replay":
			result, err = client.Replay(ctx, id)
		default:
			result, err = client.Ack(ctx, id)
		}
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads base by ±ratio using sample in [0, 1].
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
