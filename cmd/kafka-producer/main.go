package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gamestats-mongo/internal/domain"
	"github.com/gamestats-mongo/internal/logger"
	"github.com/google/uuid"
)

var serverNames = []string{"lobby-1", "lobby-2", "arena-eu", "arena-na", "skywars-3"}

// newBundle builds one synthetic game round for a handful of players
func newBundle(namespace string, players []uuid.UUID, rng *rand.Rand) *domain.UploadBundle {
	round := make(map[uuid.UUID]domain.StatUpdates)
	count := rng.Intn(8) + 2
	for i := 0; i < count; i++ {
		player := players[rng.Intn(len(players))]
		round[player] = domain.StatUpdates{
			"kills":      domain.IntTotalIncrement(rng.Intn(6)),
			"deaths":     domain.IntTotalIncrement(rng.Intn(2)),
			"placing":    domain.IntRollingSample(rng.Intn(count) + 1),
			"time_alive": domain.FloatRollingSample(30 + rng.Float64()*270),
			"damage":     domain.FloatTotalIncrement(rng.Float64() * 400),
		}
	}

	return &domain.UploadBundle{
		ServerName: serverNames[rng.Intn(len(serverNames))],
		Namespace:  namespace,
		Stats: domain.StatsBundle{
			Players: round,
			Global: domain.StatUpdates{
				"games_played": domain.IntTotalIncrement(1),
				"players":      domain.IntRollingSample(len(round)),
			},
		},
	}
}

func main() {
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "stats-uploads", "Kafka topic")
	namespace := flag.String("namespace", "ffa", "Stats namespace")
	totalPlayers := flag.Int("players", 200, "Number of distinct players")
	bundlesPerSecond := flag.Int("rate", 20, "Upload bundles per second")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	flag.Parse()

	log := logger.New("info")

	if *totalPlayers < 1 || *bundlesPerSecond < 1 {
		log.Fatal().Msg("players and rate must be positive")
	}

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("  Kafka Stats Upload Producer")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Brokers:          %s\n", *brokers)
	fmt.Printf("  Topic:            %s\n", *topic)
	fmt.Printf("  Namespace:        %s\n", *namespace)
	fmt.Printf("  Players:          %d\n", *totalPlayers)
	fmt.Printf("  Bundles/sec:      %d\n", *bundlesPerSecond)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(strings.Split(*brokers, ","), config)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create producer")
	}

	var successCount, errorCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Warn().Err(err).Msg("producer error")
		}
	}()

	players := make([]uuid.UUID, *totalPlayers)
	for i := range players {
		players[i] = uuid.New()
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	shutdown := func(reason string) {
		fmt.Printf("\n\n%s, shutting down...\n", reason)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("\n✓ Completed. Sent: %d, Errors: %d\n", atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	ticker := time.NewTicker(time.Second / time.Duration(*bundlesPerSecond))
	defer ticker.Stop()

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	var bundleCount int64
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	for {
		select {
		case <-sigChan:
			shutdown("Interrupted")
			return

		case <-ticker.C:
			if *duration > 0 && time.Now().After(endTime) {
				shutdown("Duration reached")
				return
			}

			bundle := newBundle(*namespace, players, rng)
			data, err := json.Marshal(bundle)
			if err != nil {
				log.Error().Err(err).Msg("failed to marshal bundle")
				continue
			}

			producer.Input() <- &sarama.ProducerMessage{
				Topic: *topic,
				Key:   sarama.StringEncoder(bundle.Namespace),
				Value: sarama.ByteEncoder(data),
			}
			atomic.AddInt64(&bundleCount, 1)

		case <-statsTicker.C:
			fmt.Printf("[%s] Bundles: %d | Sent: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				atomic.LoadInt64(&bundleCount),
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&errorCount),
			)
		}
	}
}
