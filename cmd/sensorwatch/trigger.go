package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gustycube/sensorwatch/internal/queue"
	"github.com/spf13/cobra"
)

var (
	triggerURL    string
	triggerReason string
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Ask a running sensorwatch to start an analysis",
	Long: `trigger either POSTs to a serve instance's /run endpoint (--url) or pushes a
trigger onto the Redis trigger queue consumed by instances started with remote_triggers.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		if triggerURL != "" {
			return triggerHTTP(ctx, triggerURL)
		}

		addr, err := triggerRedisAddr(cmd)
		if err != nil {
			return err
		}
		q, err := queue.NewRedis(addr, "", 0)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer q.Close()
		t := queue.Trigger{ID: uuid.NewString(), Requester: requester(), Reason: triggerReason}
		if err := q.Push(ctx, t); err != nil {
			return err
		}
		fmt.Println("queued trigger", t.ID)
		return nil
	},
}

func init() {
	triggerCmd.Flags().StringVar(&triggerURL, "url", "", "base URL of a serve instance, e.g. http://localhost:9090")
	triggerCmd.Flags().StringVar(&triggerReason, "reason", "manual", "reason recorded with the trigger")
}

// triggerRedisAddr resolves the Redis address without requiring a backend command.
func triggerRedisAddr(cmd *cobra.Command) (string, error) {
	addr := os.Getenv("REDIS_ADDR")
	if cmd.Flags().Changed("redis-addr") {
		addr = redisAddr
	}
	if addr == "" && configFile != "" {
		cfg, err := loadConfig(cmd, nil)
		if err != nil {
			return "", err
		}
		addr = cfg.RedisAddr
	}
	if addr == "" {
		return "", fmt.Errorf("trigger needs --url or a redis address")
	}
	return addr, nil
}

func triggerHTTP(ctx context.Context, base string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(base, "/")+"/run", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var msg struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &msg)
	switch resp.StatusCode {
	case http.StatusAccepted:
		fmt.Println(msg.Message)
		return nil
	case http.StatusConflict:
		fmt.Println(msg.Message)
		return nil
	default:
		return fmt.Errorf("trigger failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
}

func requester() string {
	host, _ := os.Hostname()
	if u := os.Getenv("USER"); u != "" {
		return u + "@" + host
	}
	return host
}
