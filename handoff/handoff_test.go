package handoff

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RemmyCH3CK/fastband-mcp-sub000/budget"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/config"
)

func testConfig() config.HandoffConfig {
	return config.Default().Handoff
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(testConfig(), t.TempDir(), nil)
}

func testRequest() CreateRequest {
	return CreateRequest{
		SourceAgent:    "worker-1",
		SourceSession:  "sess-1",
		Reason:         ReasonBudgetWarning,
		Priority:       PriorityNormal,
		TicketID:       "TICKET-1",
		ProblemSummary: "fix the thing",
		TaskList:       []string{"do a", "do b"},
		Budget:         BudgetSnapshot{Allocated: 1000, Used: 600, Tier: "base"},
	}
}

func TestCreateAndRetrievePacket(t *testing.T) {
	m := newTestManager(t)
	p, key, err := m.CreateHandoffPacket(testRequest())
	require.NoError(t, err)
	assert.Nil(t, key)
	require.NotEmpty(t, p.PacketID)
	require.NotEmpty(t, p.AccessToken)

	got, err := m.RetrievePacket(p.PacketID)
	require.NoError(t, err)
	assert.Equal(t, p.TicketID, got.TicketID)
	assert.Equal(t, p.ProblemSummary, got.ProblemSummary)
}

func TestCreateHandoffPacketWithEncryptSealsOnDiskAndRetrieveFails(t *testing.T) {
	m := newTestManager(t)
	req := testRequest()
	req.Encrypt = true

	p, key, err := m.CreateHandoffPacket(req)
	require.NoError(t, err)
	require.Len(t, key, encryptionKeySize)

	raw, err := os.ReadFile(m.pendingPath(p.PacketID))
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.True(t, env.Encrypted)
	assert.Nil(t, env.Packet)
	assert.NotEmpty(t, env.Content)
	assert.NotEmpty(t, env.KeyHint)

	_, err = m.RetrievePacket(p.PacketID)
	assert.ErrorIs(t, err, ErrEncryptedNoKey)

	plaintext, err := m.security.Decrypt(key, env.Content)
	require.NoError(t, err)
	var decrypted Packet
	require.NoError(t, json.Unmarshal(plaintext, &decrypted))
	assert.Equal(t, p.PacketID, decrypted.PacketID)
}

func TestAcceptHandoffWithWrongTokenFails(t *testing.T) {
	m := newTestManager(t)
	p, _, err := m.CreateHandoffPacket(testRequest())
	require.NoError(t, err)

	_, err = m.AcceptHandoff(p.PacketID, "wrong-token", "worker-2")
	assert.Error(t, err)

	_, err = os.Stat(m.pendingPath(p.PacketID))
	assert.NoError(t, err, "packet stays pending after failed acceptance")
}

func TestAcceptHandoffMovesPendingToArchive(t *testing.T) {
	m := newTestManager(t)
	p, _, err := m.CreateHandoffPacket(testRequest())
	require.NoError(t, err)

	accepted, err := m.AcceptHandoff(p.PacketID, p.AccessToken, "worker-2")
	require.NoError(t, err)
	assert.Equal(t, "worker-2", accepted.AcceptedBy)
	require.NotNil(t, accepted.AcceptedAt)

	_, err = os.Stat(m.pendingPath(p.PacketID))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(m.archivePath(p.PacketID))
	assert.NoError(t, err)
}

func TestAcceptHandoffWithEmptyTokenSkipsVerification(t *testing.T) {
	m := newTestManager(t)
	p, _, err := m.CreateHandoffPacket(testRequest())
	require.NoError(t, err)

	accepted, err := m.AcceptHandoff(p.PacketID, "", "worker-2")
	require.NoError(t, err)
	assert.Equal(t, "worker-2", accepted.AcceptedBy)
}

func TestAcceptHandoffRejectsWrongTargetAgent(t *testing.T) {
	m := newTestManager(t)
	req := testRequest()
	req.TargetAgent = "worker-3"
	p, _, err := m.CreateHandoffPacket(req)
	require.NoError(t, err)

	_, err = m.AcceptHandoff(p.PacketID, p.AccessToken, "worker-2")
	assert.Error(t, err)
}

func TestSanitizeIsIdempotent(t *testing.T) {
	cfg := testConfig()
	s := NewSanitizer(cfg)
	req := testRequest()
	p := Packet{
		PacketID:       req.SourceSession,
		ProblemSummary: req.ProblemSummary,
		TaskList:       req.TaskList,
		Budget:         req.Budget,
	}
	once := s.Sanitize(p)
	twice := s.Sanitize(once)
	assert.Equal(t, once, twice)
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	sec := NewSecurity()
	p := Packet{PacketID: "p1", AccessToken: "tok1", ProblemSummary: "hello"}

	sig, err := sec.Sign(p)
	require.NoError(t, err)

	ok, err := sec.Verify(p, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	p.ProblemSummary = "tampered"
	ok, err = sec.Verify(p, sig)
	require.NoError(t, err)
	assert.False(t, ok, "signature must not verify after payload changes")
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sec := NewSecurity()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	ciphertext, hint, err := sec.Encrypt(key, []byte("hot context payload"))
	require.NoError(t, err)
	assert.Len(t, hint, 8)

	plaintext, err := sec.Decrypt(key, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "hot context payload", string(plaintext))
}

func TestCheckHandoffNeeded(t *testing.T) {
	bm := budget.NewManager(1000, 3, 0.60, 0.80, nil, nil)
	b := bm.CreateBudget("agent-a", "sess-1")

	_, _, ok := CheckHandoffNeeded(b)
	assert.False(t, ok)

	require.True(t, b.Consume(650))
	reason, priority, ok := CheckHandoffNeeded(b)
	assert.True(t, ok)
	assert.Equal(t, ReasonBudgetWarning, reason)
	assert.Equal(t, PriorityNormal, priority)

	require.True(t, b.Consume(150))
	reason, priority, ok = CheckHandoffNeeded(b)
	assert.True(t, ok)
	assert.Equal(t, ReasonBudgetCritical, reason)
	assert.Equal(t, PriorityImmediate, priority)
}

func TestGetOnboardingContextRendersKeySections(t *testing.T) {
	p := Packet{
		TicketID:       "TICKET-9",
		SourceAgent:    "worker-1",
		ProblemSummary: "something broke",
		TaskList:       []string{"investigate"},
		Blockers:       []string{"waiting on review"},
		Budget:         BudgetSnapshot{Allocated: 1000, Used: 500, Tier: "base"},
	}
	out := p.GetOnboardingContext()
	assert.Contains(t, out, "TICKET-9")
	assert.Contains(t, out, "something broke")
	assert.Contains(t, out, "investigate")
	assert.Contains(t, out, "waiting on review")
}

func TestGetPendingHandoffsAndStats(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.CreateHandoffPacket(testRequest())
	require.NoError(t, err)
	req2 := testRequest()
	req2.Reason = ReasonTaskComplete
	_, _, err = m.CreateHandoffPacket(req2)
	require.NoError(t, err)

	pending, err := m.GetPendingHandoffs()
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	stats, err := m.GetHandoffStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 0, stats.Archive)
	assert.Equal(t, 1, stats.ByReason[ReasonBudgetWarning])
	assert.Equal(t, 1, stats.ByReason[ReasonTaskComplete])
}

func TestRetrievePacketAcceptsLegacyUnsignedFormat(t *testing.T) {
	m := newTestManager(t)
	legacy := Packet{PacketID: "legacy-1", AccessToken: "tok", ProblemSummary: "old format"}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(m.pendingDir(), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(m.pendingDir(), "legacy-1.json"), data, 0o600))

	got, err := m.RetrievePacket("legacy-1")
	require.NoError(t, err)
	assert.Equal(t, "old format", got.ProblemSummary)
}
