package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/poolwatch/internal/config"
	"github.com/austindbirch/poolwatch/internal/logging"
	"github.com/austindbirch/poolwatch/internal/metrics"
	"github.com/austindbirch/poolwatch/internal/queue"
	"github.com/austindbirch/poolwatch/internal/trigger"
)

// NSQStats represents the JSON structure returned by NSQ stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

var (
	// Triggers waiting on the worker channel across every stage topic
	queueBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "poolwatch_trigger_backlog",
		Help: "Triggers waiting on the worker channel across all stage topics",
	})

	channelInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "poolwatch_nsq_channel_inflight",
		Help: "In-flight messages for NSQ channels by topic and channel",
	}, []string{"topic", "channel"})
)

var logger = logging.New("nsq-monitor")

func main() {
	cfg := config.FromEnv()
	nsqdHTTP := getEnv("NSQD_HOST", cfg.NSQ.NsqdHTTPAddr)
	port := getEnv("PORT", "8084")
	interval := getEnvInt("POLL_INTERVAL_SECONDS", 15)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	reg.MustRegister(queueBacklog, channelInflight)

	m := &monitor{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: nsqdHTTP,
		channel: cfg.NSQ.WorkerChannel,
		topics:  watchedTopics(cfg.NSQ.DLQTopic),
	}

	logger.Plain().WithFields(map[string]any{
		"nsqd":     nsqdHTTP,
		"interval": interval,
		"port":     port,
	}).Info("NSQ monitor starting")

	go m.run(time.Duration(interval) * time.Second)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		logger.Plain().WithError(err).Fatal("metrics server failed")
	}
}

// watchedTopics are the stage trigger topics plus the dead-letter topic.
func watchedTopics(dlqTopic string) map[string]bool {
	topics := map[string]bool{}
	for _, p := range queue.Paths {
		topics[trigger.Topic(p)] = true
	}
	if dlqTopic != "" {
		topics[dlqTopic] = true
	}
	return topics
}

type monitor struct {
	client  *http.Client
	baseURL string
	channel string
	topics  map[string]bool
}

func (m *monitor) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if err := m.update(); err != nil {
			logger.Plain().WithError(err).Error("Error updating metrics")
		}
	}
}

func (m *monitor) update() error {
	base := m.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	resp, err := m.client.Get(strings.TrimSuffix(base, "/") + "/stats?format=json")
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqd stats returned %d", resp.StatusCode)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	var backlog int64
	for _, topic := range stats.Topics {
		if !m.topics[topic.TopicName] {
			continue
		}
		for _, ch := range topic.Channels {
			if ch.ChannelName == m.channel {
				backlog += ch.Depth
			}
			metrics.UpdateNSQTopicDepth(topic.TopicName, ch.ChannelName, ch.Depth)
			channelInflight.WithLabelValues(topic.TopicName, ch.ChannelName).Set(float64(ch.InFlightCount))
		}
	}
	queueBacklog.Set(float64(backlog))
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
