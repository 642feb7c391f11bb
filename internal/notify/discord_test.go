package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordSender_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("posts an attributed message", func(t *testing.T) {
		var payload map[string]string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		sender := NewDiscordSender(srv.URL)
		require.NoError(t, sender.Send(ctx, "Reserve breach", "pool-1 buffer below target"))

		assert.Equal(t, "piron-backend", payload["username"])
		assert.Equal(t, "**Reserve breach**\npool-1 buffer below target", payload["content"])
	})

	t.Run("surfaces webhook rejections", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		}))
		defer srv.Close()

		sender := NewDiscordSender(srv.URL)
		err := sender.Send(ctx, "Reserve breach", "pool-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "429")
	})
}
