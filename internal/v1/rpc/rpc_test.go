package rpc

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wqdsca/police-thief-core/internal/v1/auth"
	"github.com/wqdsca/police-thief-core/internal/v1/config"
	"github.com/wqdsca/police-thief-core/internal/v1/eventbus"
	"github.com/wqdsca/police-thief-core/internal/v1/registry"
	"github.com/wqdsca/police-thief-core/internal/v1/store"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	testKeyOnce.Do(func() {
		var err error
		testKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	require.NotNil(t, testKey)
	return testKey
}

type rpcEnv struct {
	router *gin.Engine
	reg    *registry.Registry
	bus    *eventbus.Bus
	issuer *auth.Issuer
}

func newRPCEnv(t *testing.T) *rpcEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := &config.Config{
		RedisAddr:          mr.Addr(),
		GoEnv:              "test",
		StorePoolSize:      8,
		StoreRetryAttempts: 2,
		StoreRetryBase:     time.Millisecond,
		StoreRetryCap:      10 * time.Millisecond,
		MaxRoomCapacity:    20,
	}

	st, err := store.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New()
	reg := registry.New(st, bus, cfg.MaxRoomCapacity, 30*time.Second)

	issuer := auth.NewIssuer(signingKey(t), "test-kid", "police-thief-core", "police-thief-clients", time.Hour)
	srv := NewServer(cfg, st, reg, issuer.LocalVerifier(), issuer, nil)

	return &rpcEnv{router: srv.Router(), reg: reg, bus: bus, issuer: issuer}
}

func (e *rpcEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

// tokenFor mints a token directly, bypassing registration, for tests that
// only exercise room operations.
func (e *rpcEnv) tokenFor(t *testing.T, userID, name string) string {
	t.Helper()
	token, err := e.issuer.Issue(auth.Identity{UserID: userID, Name: name, Roles: []string{"player"}})
	require.NoError(t, err)
	return token
}

func TestRegisterLoginGetInfo(t *testing.T) {
	env := newRPCEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/users", "", gin.H{"name": "Alice", "password": "hunter2hunter2"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	userID := decode(t, w)["user_id"].(string)
	require.NotEmpty(t, userID)

	// Duplicate name conflicts.
	w = env.do(t, http.MethodPost, "/api/v1/users", "", gin.H{"name": "Alice", "password": "hunter2hunter2"})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Wrong password is unauthorized.
	w = env.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"name": "Alice", "password": "wrongwrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Unknown user is unauthorized, indistinguishable from wrong password.
	w = env.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"name": "Nobody", "password": "hunter2hunter2"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"name": "Alice", "password": "hunter2hunter2"})
	require.Equal(t, http.StatusOK, w.Code)
	token := decode(t, w)["token"].(string)
	require.NotEmpty(t, token)

	w = env.do(t, http.MethodGet, "/api/v1/users/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	me := decode(t, w)
	assert.Equal(t, userID, me["user_id"])
	assert.Equal(t, "Alice", me["name"])
}

func TestAuthRequired(t *testing.T) {
	env := newRPCEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/rooms", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/rooms", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRoomLifecycleOverRPC(t *testing.T) {
	env := newRPCEnv(t)
	alice := env.tokenFor(t, "u1", "Alice")
	bob := env.tokenFor(t, "u2", "Bob")

	w := env.do(t, http.MethodPost, "/api/v1/rooms", alice, gin.H{"name": "A", "capacity": 2})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	roomID := int64(decode(t, w)["room_id"].(float64))
	require.NotZero(t, roomID)

	// Creating while in a room conflicts.
	w = env.do(t, http.MethodPost, "/api/v1/rooms", alice, gin.H{"name": "B"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/rooms", bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page registry.Page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Rooms, 1)
	assert.Equal(t, "A", page.Rooms[0].Name)
	assert.Equal(t, 1, page.Rooms[0].Members)

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/rooms/%d/join", roomID), bob, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Full room rejects a third joiner.
	carol := env.tokenFor(t, "u3", "Carol")
	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/rooms/%d/join", roomID), carol, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "full", decode(t, w)["error"])

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/rooms/%d/leave", roomID), bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["room_closed"])

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/rooms/%d/leave", roomID), alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["room_closed"])
}

func TestLeaveRoom_EventPublishedBeforeResponse(t *testing.T) {
	// The S6 contract: the RPC response returns only after the event has
	// been delivered to room subscribers.
	env := newRPCEnv(t)
	alice := env.tokenFor(t, "u1", "Alice")

	w := env.do(t, http.MethodPost, "/api/v1/rooms", alice, gin.H{"name": "A"})
	require.Equal(t, http.StatusCreated, w.Code)
	roomID := int64(decode(t, w)["room_id"].(float64))

	var events []eventbus.EventType
	env.bus.Subscribe(roomID, "observer", func(ev eventbus.Event) {
		events = append(events, ev.Type)
	})

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/rooms/%d/leave", roomID), alice, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// ServeHTTP has returned; the events must already be recorded.
	require.NotEmpty(t, events)
	assert.Equal(t, eventbus.EventUserLeft, events[0])
}

func TestJoinRoom_PasswordOverRPC(t *testing.T) {
	env := newRPCEnv(t)
	alice := env.tokenFor(t, "u1", "Alice")
	bob := env.tokenFor(t, "u2", "Bob")

	w := env.do(t, http.MethodPost, "/api/v1/rooms", alice,
		gin.H{"name": "Secret", "private": true, "password": "sekret99"})
	require.Equal(t, http.StatusCreated, w.Code)
	roomID := int64(decode(t, w)["room_id"].(float64))

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/rooms/%d/join", roomID), bob, gin.H{"password": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "wrong_password", decode(t, w)["error"])

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/rooms/%d/join", roomID), bob, gin.H{"password": "sekret99"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestJoinRoom_NotFoundOverRPC(t *testing.T) {
	env := newRPCEnv(t)
	alice := env.tokenFor(t, "u1", "Alice")

	w := env.do(t, http.MethodPost, "/api/v1/rooms/404/join", alice, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJWKSEndpoint(t *testing.T) {
	env := newRPCEnv(t)

	w := env.do(t, http.MethodGet, "/.well-known/jwks.json", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &set))
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "test-kid", set.Keys[0]["kid"])
}

func TestHealthEndpoints(t *testing.T) {
	env := newRPCEnv(t)

	w := env.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
