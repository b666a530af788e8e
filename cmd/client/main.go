// Command client submits one ride request over the websocket intake and
// prints every push until the request reaches a terminal message.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

func main() {
	from := flag.String("from", "", `pickup as "lat,lng"`)
	to := flag.String("to", "", `destination as "lat,lng"`)
	url := flag.String("url", "ws://localhost:8080/ws", "dispatch websocket url")
	flag.Parse()

	pickup, err := parseCoord(*from)
	if err != nil {
		fmt.Fprintf(os.Stderr, "--from: %v\n", err)
		os.Exit(2)
	}
	dest, err := parseCoord(*to)
	if err != nil {
		fmt.Fprintf(os.Stderr, "--to: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connecting to %s: %v\n", *url, err)
		os.Exit(1)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	body, _ := json.Marshal(submission(pickup, dest))
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		fmt.Fprintf(os.Stderr, "sending request: %v\n", err)
		os.Exit(1)
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "reading: %v\n", err)
				os.Exit(1)
			}
			return
		}
		fmt.Println(string(payload))
		if terminal(payload) {
			return
		}
	}
}

func submission(pickup, dest models.Coord) map[string]any {
	return map[string]any{
		"location":    pickup,
		"destination": dest,
		"timestamp":   time.Now().UnixMilli(),
	}
}

func parseCoord(s string) (models.Coord, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return models.Coord{}, fmt.Errorf("expected \"lat,lng\", got %q", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return models.Coord{}, fmt.Errorf("latitude: %w", err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return models.Coord{}, fmt.Errorf("longitude: %w", err)
	}
	c := models.Coord{Lat: lat, Lng: lng}
	return c, geo.Validate(c)
}

// terminal reports whether the push ends the client's interest: the
// request timed out, the worker arrived, or the server rejected it.
func terminal(payload []byte) bool {
	var m struct {
		Message string `json:"message"`
		Status  string `json:"status"`
	}
	if json.Unmarshal(payload, &m) != nil {
		return false
	}
	return m.Status == "error" || m.Message == "No rider found" || m.Message == "Arrived"
}
