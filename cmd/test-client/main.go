package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"POSTURE_DETECTOR/go-backend/internal/handlers"
	"POSTURE_DETECTOR/go-backend/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	ClientID  string          `json:"client_id"`
	Timestamp int64           `json:"timestamp"`
}

// Проверка состояния
func testHealth(backend string) error {
	fmt.Println("\n[TEST] Testing /api/health...")
	resp, err := http.Get(backend + "/api/health")
	if err != nil {
		return fmt.Errorf("health check failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("✓ Health check: %s\n", string(body))
	return nil
}

func wsURL(backend, clientID, token string) (string, error) {
	u, err := url.Parse(backend)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	q := url.Values{}
	q.Set("client_id", clientID)
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func printMessage(env envelope) {
	switch env.Type {
	case models.KindDetectionResult:
		var d models.DetectionResult
		if json.Unmarshal(env.Data, &d) == nil {
			fmt.Printf("  detection  #%d %-22s %.2f good=%v alert=%v\n", d.FrameSeq, d.Label, d.Confidence, d.IsGood, d.NeedAlert)
			return
		}
	case models.KindSessionItemCompleted:
		var c models.SessionItemCompleted
		if json.Unmarshal(env.Data, &c) == nil {
			fmt.Printf("  interval   %-22s %.1fs\n", c.Label, c.DurationSec)
			return
		}
	}
	fmt.Printf("  %-10s %s\n", env.Type, string(env.Data))
}

func main() {
	backend := flag.String("backend", "http://localhost:8080", "backend base URL")
	token := flag.String("token", "", "channel token, owner.secret")
	cameraID := flag.Int("camera", 0, "local camera index")
	cameraURL := flag.String("camera-url", "", "network camera base URL")
	duration := flag.Duration("duration", 30*time.Second, "how long to run detection")
	hashSecret := flag.String("hash-secret", "", "print the AUTH_TOKENS hash for a secret and exit")
	flag.Parse()

	if *hashSecret != "" {
		hash, err := handlers.HashSecret(*hashSecret)
		if err != nil {
			log.Fatalf("hash secret: %v", err)
		}
		fmt.Println(hash)
		return
	}

	fmt.Println("=" + strings.Repeat("=", 60))
	fmt.Println("POSTURE DETECTOR - Session Testing Client")
	fmt.Println("=" + strings.Repeat("=", 60))

	if err := testHealth(*backend); err != nil {
		log.Printf("❌ Health Check failed: %v", err)
		os.Exit(1)
	}

	clientID := uuid.NewString()
	target, err := wsURL(*backend, clientID, *token)
	if err != nil {
		log.Fatalf("invalid backend URL: %v", err)
	}

	fmt.Println("\n[TEST] Connecting to", target)
	conn, resp, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		if resp != nil {
			log.Fatalf("❌ Connect failed: %v (HTTP %d)", err, resp.StatusCode)
		}
		log.Fatalf("❌ Connect failed: %v", err)
	}
	defer conn.Close()

	messages := make(chan envelope, 64)
	go func() {
		defer close(messages)
		for {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			messages <- env
		}
	}()

	first, ok := <-messages
	if !ok || first.Type != models.KindAuthSuccess {
		log.Fatalf("❌ expected auth_success, got %q", first.Type)
	}
	fmt.Printf("✓ Authenticated: %s\n", string(first.Data))

	start := models.Command{Action: models.ActionStart, CameraID: *cameraID, CameraURL: *cameraURL}
	if err := conn.WriteJSON(start); err != nil {
		log.Fatalf("❌ send start: %v", err)
	}
	fmt.Printf("\n[TEST] Detection running for %s (Ctrl+C to stop early)\n", *duration)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	deadline := time.After(*duration)

	counts := make(map[string]int)
	stopping := false
	for {
		select {
		case env, ok := <-messages:
			if !ok {
				summarize(counts)
				return
			}
			counts[env.Type]++
			printMessage(env)
			if env.Type == models.KindStatus && stopping {
				var st models.StatusMessage
				if json.Unmarshal(env.Data, &st) == nil && !st.Running {
					summarize(counts)
					return
				}
			}
		case <-deadline:
			stopping = sendStop(conn)
		case <-interrupt:
			stopping = sendStop(conn)
		}
	}
}

func sendStop(conn *websocket.Conn) bool {
	fmt.Println("\n[TEST] Stopping detection...")
	if err := conn.WriteJSON(models.Command{Action: models.ActionStop}); err != nil {
		log.Printf("⚠ send stop: %v", err)
		return false
	}
	return true
}

func summarize(counts map[string]int) {
	fmt.Println("\n" + strings.Repeat("=", 60))
	for kind, n := range counts {
		fmt.Printf("  %-24s %d\n", kind, n)
	}
	fmt.Println("✅ Session test completed")
	fmt.Println("=" + strings.Repeat("=", 60))
}
