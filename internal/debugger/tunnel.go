// Package debugger implements the Tunnel Manager and the three debugger
// adapters (debugpy, gdbserver, lldb-server) sharing a single launch
// contract (§4.8).
package debugger

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/debugserver/server/internal/store"
)

// Claims is embedded the same way the teacher embeds jwt.RegisteredClaims
// for terminal access, repurposed here to scope a tunnel token to one
// session and debugger kind instead of a workspace.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
}

// Tunnel is an authenticated network endpoint a debugger adapter exposes
// for external debugger clients to attach to (§4.8, GLOSSARY).
type Tunnel struct {
	SessionID string
	Kind      string
	Host      string
	Port      int
	Token     string
	URI       string
	CreatedAt time.Time
}

// Manager allocates free ports and mints short-lived bearer tokens for
// debugger tunnels.
type Manager struct {
	host      string
	signingKey []byte
	store     *store.Store
}

// NewManager returns a Manager bound to host (the address tunnels listen
// on) and signingKey (HMAC key for tunnel bearer tokens).
func NewManager(st *store.Store, host string, signingKey []byte) *Manager {
	return &Manager{host: host, signingKey: signingKey, store: st}
}

// Open allocates a free port, mints a bearer token scoped to the session
// and debugger kind, records last_event=tunnel-created, and returns the
// Tunnel.
func (m *Manager) Open(sessionID, kind string) (*Tunnel, error) {
	port, err := freePort(m.host)
	if err != nil {
		return nil, fmt.Errorf("allocate tunnel port: %w", err)
	}

	token, err := m.mintToken(sessionID, kind)
	if err != nil {
		return nil, fmt.Errorf("mint tunnel token: %w", err)
	}

	t := &Tunnel{
		SessionID: sessionID,
		Kind:      kind,
		Host:      m.host,
		Port:      port,
		Token:     token,
		URI:       fmt.Sprintf("tcp://%s:%d", m.host, port),
		CreatedAt: time.Now(),
	}

	if err := m.store.UpdateDebuggerState(sessionID, "tunnel-created", map[string]string{
		"host": m.host, "port": fmt.Sprintf("%d", port),
	}); err != nil {
		return nil, fmt.Errorf("record tunnel-created state: %w", err)
	}
	return t, nil
}

// Ready records last_event=tunnel-ready once the adapter has bound the
// debugger process to the tunnel's host:port.
func (m *Manager) Ready(sessionID string) error {
	return m.store.UpdateDebuggerState(sessionID, "tunnel-ready", nil)
}

// Close records last_event=tunnel-closed.
func (m *Manager) Close(sessionID string) error {
	return m.store.UpdateDebuggerState(sessionID, "tunnel-closed", nil)
}

// mintToken signs an HMAC JWT embedding session_id/kind/expiry, the same
// Claims-over-RegisteredClaims shape the teacher uses for its own JWTs.
func (m *Manager) mintToken(sessionID, kind string) (string, error) {
	jti, err := randomHex(16)
	if err != nil {
		return "", err
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		SessionID: sessionID,
		Kind:      kind,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

// VerifyToken validates a tunnel bearer token and returns its claims.
func (m *Manager) VerifyToken(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return m.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse tunnel token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid tunnel token")
	}
	return claims, nil
}

func freePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
