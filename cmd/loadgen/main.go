package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
)

// ClaimAttempt mirrors the wire format consumed from the claim topic
type ClaimAttempt struct {
	GameID string `json:"game_id"`
	UserID string `json:"user_id"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
}

var userPrefixes = []string{
	"Phoenix", "Shadow", "Thunder", "Storm", "Blaze", "Ninja", "Dragon", "Wolf", "Hawk", "Viper",
	"Ghost", "Titan", "Frost", "Cyber", "Nova", "Raven", "Omega", "Alpha", "Delta", "Sigma",
}

func getUserName(idx int) string {
	prefixIdx := idx % len(userPrefixes)
	suffix := idx/len(userPrefixes) + 1
	return fmt.Sprintf("%s%d", userPrefixes[prefixIdx], suffix)
}

func main() {
	// Command line flags
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "claim-attempts", "Kafka topic")
	gameID := flag.String("game", "", "Game ID to claim cells in (required)")
	boardSize := flag.Int("board", 8, "Board size the target game was created with")
	totalUsers := flag.Int("users", 4, "Number of distinct users to simulate")
	claimsPerSecond := flag.Int("rate", 50, "Claim attempts per second")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	contested := flag.Bool("contested", true, "Concentrate attempts on a few cells to force races")
	flag.Parse()

	if *gameID == "" {
		log.Fatal("missing required -game flag")
	}

	brokerList := strings.Split(*brokers, ",")

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("  🚀 Claim Attempt Load Generator")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Brokers:      %s\n", *brokers)
	fmt.Printf("  Topic:        %s\n", *topic)
	fmt.Printf("  Game:         %s\n", *gameID)
	fmt.Printf("  Board:        %dx%d\n", *boardSize, *boardSize)
	fmt.Printf("  Users:        %d\n", *totalUsers)
	fmt.Printf("  Claims/sec:   %d\n", *claimsPerSecond)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	// Configure Sarama producer
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	// Create producer
	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}
	defer producer.Close()

	// Handle producer errors and successes
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
			log.Printf("Producer error: %v", err)
		}
	}()

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})

	// Keying by cell keeps attempts for the same cell on one partition,
	// so the consumer sees them in production order.
	sendAttempt := func(attempt ClaimAttempt) {
		data, err := json.Marshal(attempt)
		if err != nil {
			log.Printf("Failed to marshal message: %v", err)
			return
		}

		msg := &sarama.ProducerMessage{
			Topic: *topic,
			Key:   sarama.StringEncoder(fmt.Sprintf("%s:%d:%d", attempt.GameID, attempt.X, attempt.Y)),
			Value: sarama.ByteEncoder(data),
		}

		select {
		case producer.Input() <- msg:
		case <-done:
			return
		}
	}

	fmt.Printf("Starting claim stream (%d/sec)\n", *claimsPerSecond)
	if *contested {
		fmt.Println("Contested mode: 70% of attempts target a 2x2 hot zone")
	}
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	interval := time.Second / time.Duration(*claimsPerSecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	var attemptCount int64

	shutdown := func(reason string) {
		fmt.Printf("\n\n%s\n", reason)
		close(done)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("\n✓ Completed. Sent: %d, Errors: %d\n", atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	for {
		select {
		case <-sigChan:
			shutdown("Shutting down...")
			return

		case <-ticker.C:
			if *duration > 0 && time.Now().After(endTime) {
				shutdown("Duration reached, shutting down...")
				return
			}

			var x, y int
			if *contested && rand.Intn(100) < 70 {
				// Hot zone in the board center to generate per-cell races
				x = *boardSize/2 + rand.Intn(2)
				y = *boardSize/2 + rand.Intn(2)
			} else {
				x = rand.Intn(*boardSize)
				y = rand.Intn(*boardSize)
			}

			attempt := ClaimAttempt{
				GameID: *gameID,
				UserID: getUserName(rand.Intn(*totalUsers)),
				X:      x,
				Y:      y,
			}
			sendAttempt(attempt)
			atomic.AddInt64(&attemptCount, 1)

		case <-statsTicker.C:
			attempts := atomic.LoadInt64(&attemptCount)
			success := atomic.LoadInt64(&successCount)
			errors := atomic.LoadInt64(&errorCount)
			fmt.Printf("[%s] Attempts: %d | Sent: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				attempts,
				success,
				errors,
			)
		}
	}
}
