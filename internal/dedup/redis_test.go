package dedup

import (
	"testing"
	"time"

	"github.com/gustycube/sensorwatch/internal/logging"
)

func TestNewRedis_Unreachable(t *testing.T) {
	r, err := NewRedis("127.0.0.1:1", time.Minute, logging.Nop())
	if err == nil {
		r.Close()
		t.Fatal("expected an error for an unreachable server")
	}
	if r != nil {
		t.Errorf("expected nil store on error, got %v", r)
	}
}
