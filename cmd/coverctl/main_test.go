package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentcover/internal/auth"
)

func execute(t *testing.T, args ...string) (map[string]any, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		return nil, err
	}
	var v map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &v), out.String())
	return v, nil
}

func oracleEnv(t *testing.T, url string) {
	t.Helper()
	t.Setenv("ENV", "development")
	t.Setenv("NETWORK", "base-sepolia")
	t.Setenv("CUSTODY_PRIVATE_KEY", "")
	t.Setenv("ORACLE_PROVIDER", "uma")
	t.Setenv("UMA_ORACLE_URL", url)
	t.Setenv("ORACLE_RETRY_ATTEMPTS", "1")
}

func TestTokenCommand(t *testing.T) {
	addr := "0x1111111111111111111111111111111111111111"
	out, err := execute(t, "token", addr, "--secret", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, addr, out["agent"])

	m, err := auth.NewManager("s3cret", 0)
	require.NoError(t, err)
	claims, err := m.Verify(out["token"].(string))
	require.NoError(t, err)
	assert.Equal(t, addr, claims.Agent())
}

func TestTokenCommand_Errors(t *testing.T) {
	_, err := execute(t, "token", "not-an-address", "--secret", "s")
	assert.ErrorIs(t, err, auth.ErrBadSubject)

	_, err = execute(t, "token", "0x1111111111111111111111111111111111111111", "--secret", "")
	assert.ErrorIs(t, err, auth.ErrNoSecret)
}

func TestRiskCommand_InvalidTokenID(t *testing.T) {
	_, err := execute(t, "risk", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid token id")
}

func TestClaimSubmit(t *testing.T) {
	var got map[string]any
	oracle := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/claims", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]string{"requestId": "0xabc"})
	}))
	defer oracle.Close()
	oracleEnv(t, oracle.URL)

	evidence := filepath.Join(t.TempDir(), "evidence.json")
	require.NoError(t, os.WriteFile(evidence, []byte(`{"log":"timeout"}`), 0o600))

	out, err := execute(t, "claim", "submit",
		"--token", "7",
		"--merchant", "0x2222222222222222222222222222222222222222",
		"--amount", "12.5",
		"--id", "clm_cli",
		"--evidence", evidence,
	)
	require.NoError(t, err)
	assert.Equal(t, "uma", out["provider"])
	assert.Equal(t, "clm_cli", out["claimId"])
	assert.Equal(t, "0xabc", out["requestId"])

	assert.Equal(t, "clm_cli", got["claimId"])
	assert.Equal(t, "7", got["tokenId"])
	assert.Equal(t, map[string]any{"log": "timeout"}, got["evidence"])
}

func TestClaimSubmit_Validation(t *testing.T) {
	oracleEnv(t, "http://127.0.0.1:1")

	_, err := execute(t, "claim", "submit", "--token", "1", "--merchant", "0x2222222222222222222222222222222222222222", "--amount", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid amount")

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{`), 0o600))
	_, err = execute(t, "claim", "submit", "--token", "1", "--merchant", "0x2222222222222222222222222222222222222222",
		"--amount", "1", "--evidence", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")
}

func TestClaimSubmit_NoOracleURL(t *testing.T) {
	oracleEnv(t, "")
	_, err := execute(t, "claim", "status", "0xabc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no oracle URL")
}
