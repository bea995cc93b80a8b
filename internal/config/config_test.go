package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromEnviron_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "0123456789abcdef")

	cfg, err := FromEnviron()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, 256, cfg.WorkerPoolSize)
	require.Equal(t, 10*time.Second, cfg.TypingTTL)
	require.Equal(t, 24*time.Hour, cfg.EditWindow)
	require.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	require.Empty(t, cfg.DatabaseURL)
	require.NotEmpty(t, cfg.ServerName)
}

func TestFromEnviron_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "0123456789abcdef")
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("TYPING_TTL", "3s")
	t.Setenv("SERVER_NAME", "ws-7")
	t.Setenv("INBOUND_RATE", "2.5")

	cfg, err := FromEnviron()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.ListenAddr)
	require.Equal(t, 3*time.Second, cfg.TypingTTL)
	require.Equal(t, "ws-7", cfg.ServerName)
	require.InDelta(t, 2.5, cfg.InboundRate, 1e-9)
}

func TestFromEnviron_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"missing secret": {"JWT_SECRET": ""},
		"short secret":   {"JWT_SECRET": "short"},
		"zero workers":   {"JWT_SECRET": "0123456789abcdef", "WORKER_POOL_SIZE": "0"},
		"bad duration":   {"JWT_SECRET": "0123456789abcdef", "TYPING_TTL": "soon"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range vars {
				t.Setenv(k, v)
			}
			_, err := FromEnviron()
			require.Error(t, err)
		})
	}
}
