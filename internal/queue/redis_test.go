package queue

import (
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestRedisStoreKey(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()

	tests := []struct {
		name   string
		prefix string
		path   string
		want   string
	}{
		{name: "custom prefix", prefix: "pw", path: PerActivity, want: "pw:queue/PerActivity"},
		{name: "default prefix", prefix: "", path: OutboundMessage, want: "poolwatch:queue/OutboundMessage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewRedisStore(rdb, tt.prefix).Key(tt.path); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}
