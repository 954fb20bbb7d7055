//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"vestnik/internal/client"

	"github.com/stretchr/testify/require"
)

const authSecret = "test-secret-key-must-be-long-enough-for-base64-if-needed"

type TestServer struct {
	APIAddr   string
	AdminAddr string
	BaseURL   string
	DBPath    string
	Cmd       *exec.Cmd
}

type TestUser struct {
	ID    string
	Token string
}

func getFreePort(t *testing.T) int {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	require.NoError(t, err)

	l, err := net.ListenTCP("tcp", addr)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port
}

func startServer(t *testing.T) *TestServer {
	apiAddr := fmt.Sprintf("localhost:%d", getFreePort(t))
	adminAddr := fmt.Sprintf("localhost:%d", getFreePort(t))

	s := &TestServer{
		APIAddr:   apiAddr,
		AdminAddr: adminAddr,
		BaseURL:   fmt.Sprintf("http://%s", apiAddr),
		DBPath:    filepath.Join(t.TempDir(), "vestnik-e2e.db"),
	}

	s.Cmd = exec.Command(serverBinPath)
	s.Cmd.Env = s.env()
	require.NoError(t, s.Cmd.Start())
	t.Cleanup(s.Stop)

	// Wait for server to be ready
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", apiAddr, 100*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return true
		}
		return false
	}, 5*time.Second, 200*time.Millisecond, "Server failed to start")

	return s
}

func (s *TestServer) env() []string {
	return append(os.Environ(),
		"AUTH_SECRET="+authSecret,
		fmt.Sprintf("API_ADDR=%s", s.APIAddr),
		fmt.Sprintf("ADMIN_ADDR=%s", s.AdminAddr),
		fmt.Sprintf("BASE_URL=%s", s.BaseURL),
		fmt.Sprintf("VESTNIK_DB=%s", s.DBPath),
	)
}

func (s *TestServer) Stop() {
	if s.Cmd != nil && s.Cmd.Process != nil {
		_ = s.Cmd.Process.Kill()
		_ = s.Cmd.Wait()
	}
}

// CreateUser runs the -add-user sub-command against the live server.
func (s *TestServer) CreateUser(t *testing.T, username string) TestUser {
	output := s.runCLI(t, "-add-user", username)

	id := regexp.MustCompile(`User ID:\s+(\S+)`).FindStringSubmatch(output)
	require.Len(t, id, 2, "Could not find user id in output: %s", output)
	token := regexp.MustCompile(`Access token:\s+(\S+)`).FindStringSubmatch(output)
	require.Len(t, token, 2, "Could not find token in output: %s", output)

	return TestUser{ID: id[1], Token: token[1]}
}

func (s *TestServer) CreatePost(t *testing.T, userID string) string {
	output := s.runCLI(t, "-add-post", userID)
	id := regexp.MustCompile(`Post ID:\s+(\S+)`).FindStringSubmatch(output)
	require.Len(t, id, 2, "Could not find post id in output: %s", output)
	return id[1]
}

func (s *TestServer) runCLI(t *testing.T, args ...string) string {
	t.Helper()
	cmd := exec.Command(serverBinPath, args...)
	cmd.Env = s.env()
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "CLI failed: %s", string(output))
	return string(output)
}

func (s *TestServer) REST(u TestUser) *client.RESTClient {
	return client.NewRESTClient(s.BaseURL, u.Token, nil)
}

// StartSession runs a client session for u until the test ends.
func (s *TestServer) StartSession(t *testing.T, u TestUser, route string) *client.Session {
	session := client.NewSession(client.Config{
		Token:  u.Token,
		Dialer: client.WebsocketDialer{URL: fmt.Sprintf("ws://%s/api/chat", s.APIAddr)},
		API:    s.REST(u),
		Route:  route,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = session.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-session.Done()
	})
	return session
}

func waitFor(t *testing.T, s *client.Session, msg string, cond func(client.Snapshot) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := s.Snapshot()
		return err == nil && cond(snap)
	}, defaultWait, pollInterval, msg)
}

const (
	defaultWait  = 5 * time.Second
	pollInterval = 50 * time.Millisecond
)
