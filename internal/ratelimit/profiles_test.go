package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfile(t *testing.T) {
	tests := []struct {
		name           string
		window         time.Duration
		max            int
		skipSuccessful bool
		skipFailed     bool
		req            Request
		wantKey        string
	}{
		{ProfileAuth, 15 * time.Minute, 5, false, false, Request{IP: "1.2.3.4", Identifier: "Alice@Example.com"}, "1.2.3.4:alice@example.com"},
		{ProfileAPI, time.Minute, 100, false, true, Request{IP: "1.2.3.4", UserID: "u1"}, "1.2.3.4"},
		{ProfileStatic, time.Minute, 1000, true, false, Request{IP: "1.2.3.4"}, "1.2.3.4"},
		{ProfileSensitive, time.Hour, 10, false, false, Request{IP: "1.2.3.4", UserID: "u1"}, "1.2.3.4:u1"},
		{ProfileMessages, time.Minute, 30, false, false, Request{IP: "1.2.3.4", UserID: "u1"}, "user:u1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Profile(tt.name)
			require.NoError(t, err)

			assert.Equal(t, tt.name, cfg.Name)
			assert.Equal(t, tt.window, cfg.Window)
			assert.Equal(t, tt.max, cfg.MaxRequests)
			assert.Equal(t, tt.skipSuccessful, cfg.SkipSuccessfulRequests)
			assert.Equal(t, tt.skipFailed, cfg.SkipFailedRequests)
			require.NotNil(t, cfg.KeyFunc)

			key, err := cfg.KeyFunc(tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, key)
		})
	}

	t.Run("unknown profile", func(t *testing.T) {
		_, err := Profile("nope")
		assert.ErrorIs(t, err, ErrUnknownProfile)
	})
}

func TestProfileNames(t *testing.T) {
	assert.Equal(t, []string{"api", "auth", "messages", "sensitive", "static"}, ProfileNames())
}

func TestKeyFuncs(t *testing.T) {
	t.Run("auth key falls back to unknown identifier", func(t *testing.T) {
		key, err := KeyByIPAndIdentifier(Request{IP: "1.2.3.4"})
		require.NoError(t, err)
		assert.Equal(t, "1.2.3.4:unknown", key)
	})

	t.Run("sensitive key falls back to anonymous", func(t *testing.T) {
		key, err := KeyByIPAndUser(Request{IP: "1.2.3.4"})
		require.NoError(t, err)
		assert.Equal(t, "1.2.3.4:anonymous", key)
	})

	t.Run("composite keys need an ip", func(t *testing.T) {
		_, err := KeyByIPAndIdentifier(Request{Identifier: "bob"})
		assert.ErrorIs(t, err, ErrNoClientIP)
		_, err = KeyByIPAndUser(Request{UserID: "u1"})
		assert.ErrorIs(t, err, ErrNoClientIP)
	})

	t.Run("user key needs a user", func(t *testing.T) {
		_, err := KeyByUser(Request{IP: "1.2.3.4", UserID: "  "})
		assert.ErrorIs(t, err, ErrNoUserID)
	})
}

func TestRegistry(t *testing.T) {
	t.Run("builds one limiter per profile", func(t *testing.T) {
		reg, err := NewProfileRegistry([]string{ProfileAPI, ProfileAuth}, func(cfg *Config) {
			cfg.Whitelist = []string{"127.0.0.1"}
		})
		require.NoError(t, err)
		defer reg.Close()

		assert.Equal(t, []string{"api", "auth"}, reg.Names())

		api, ok := reg.Get(ProfileAPI)
		require.True(t, ok)
		assert.Equal(t, 100, api.MaxRequests())
		assert.Equal(t, []string{"127.0.0.1"}, api.Whitelist())

		_, ok = reg.Get(ProfileStatic)
		assert.False(t, ok)
	})

	t.Run("rejects unknown profiles", func(t *testing.T) {
		_, err := NewProfileRegistry([]string{ProfileAPI, "bogus"}, nil)
		assert.ErrorIs(t, err, ErrUnknownProfile)
	})

	t.Run("exports and imports by name", func(t *testing.T) {
		clock := newFakeClock()
		reg, err := NewProfileRegistry([]string{ProfileAPI, ProfileMessages}, nil, WithClock(clock.Now))
		require.NoError(t, err)
		defer reg.Close()

		api, _ := reg.Get(ProfileAPI)
		api.Decide(Request{IP: "10.0.0.1"})
		msgs, _ := reg.Get(ProfileMessages)
		msgs.Decide(Request{UserID: "u1"})

		states := reg.ExportAll()
		require.Len(t, states, 2)
		assert.Equal(t, 1, states[ProfileMessages]["user:u1"].Count)

		api.Reset("10.0.0.1")
		states["ghost"] = State{}
		unknown := reg.ImportAll(states)
		assert.Equal(t, []string{"ghost"}, unknown)

		info, ok := api.Status("10.0.0.1")
		require.True(t, ok)
		assert.Equal(t, 1, info.TotalHits)
	})

	t.Run("register replaces and closes previous limiter", func(t *testing.T) {
		reg := NewRegistry()
		first := New(Config{Name: "x"})
		first.Decide(Request{IP: "10.0.0.1"})
		reg.Register(first)
		reg.Register(New(Config{Name: "x"}))

		assert.Equal(t, 0, first.Len())
		require.NoError(t, reg.Close())
		assert.Empty(t, reg.Names())
	})
}
