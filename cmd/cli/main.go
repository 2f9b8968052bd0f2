package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/hamed0406/connwatch/internal/domain"
	"github.com/hamed0406/connwatch/internal/statusapi"
)

func main() {
	api := os.Getenv("API_BASE")
	if api == "" {
		api = "http://localhost:8080"
	}
	key := os.Getenv("ADMIN_API_KEY")
	if key == "" {
		fmt.Println("ADMIN_API_KEY is not set; the API will reject the request.")
	}

	reader := bufio.NewReader(os.Stdin)
	ask := func(prompt string) string {
		fmt.Print(prompt)
		s, _ := reader.ReadString('\n')
		return strings.TrimSpace(s)
	}

	c := statusapi.Input{
		Name:   ask("Name: "),
		Type:   domain.Kind(strings.ToLower(ask("Type (http, ping, tcp, database): "))),
		Target: ask("Target (URL, host or IP): "),
	}
	if !c.Type.Valid() {
		fmt.Println("Unknown type.")
		return
	}
	if c.Type.NeedsPort() {
		p, err := strconv.Atoi(ask("Port: "))
		if err != nil {
			fmt.Println("Invalid port.")
			return
		}
		c.Port = p
	}
	if c.Type == domain.KindDatabase {
		c.Engine = domain.Engine(strings.ToLower(ask("Engine (postgres, mysql, redis, tcp; empty to infer): ")))
	}
	if v := ask("Check interval in seconds (empty for default): "); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fmt.Println("Invalid interval.")
			return
		}
		c.CheckInterval = n
	}

	body, _ := json.Marshal(c)
	req, _ := http.NewRequest(http.MethodPost, api+"/api/connections", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", key)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Println("Error contacting API:", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var created struct {
			ID string `json:"id"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&created)
		fmt.Printf("Added %s. Follow it at GET /api/connections/%s.\n", c.Name, created.ID)
		return
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	fmt.Println("API returned status:", resp.Status, strings.TrimSpace(string(msg)))
}
