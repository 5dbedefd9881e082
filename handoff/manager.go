package handoff

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/RemmyCH3CK/fastband-mcp-sub000/budget"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/config"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/corelog"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/internal/fsatomic"
)

// Sentinel errors callers can compare against with errors.Is, per the
// not-found/conflict/validation taxonomy (spec §7).
var (
	ErrPacketNotFound   = errors.New("handoff: packet not found")
	ErrUnauthorized     = errors.New("handoff: unauthorized acceptance")
	ErrWrongTargetAgent = errors.New("handoff: packet targeted at a different agent")
	ErrEncryptedNoKey   = errors.New("handoff: packet is encrypted, decryption key not provided")
)

// pendingFilePerm/archiveFilePerm match spec §6: packets carry session
// content and are written with owner-only permissions.
const (
	pendingFilePerm = 0o600
	archiveFilePerm = 0o600
)

// envelope is the on-disk representation (spec §6 "Handoff packet on-disk
// schema"). Packet is present when Encrypted is false; Content/KeyHint are
// present when Encrypted is true, in which case Content replaces Packet.
type envelope struct {
	Version   int     `json:"version"`
	Packet    *Packet `json:"packet,omitempty"`
	Signature string  `json:"signature"`
	Encrypted bool    `json:"encrypted"`
	Content   string  `json:"content,omitempty"`
	KeyHint   string  `json:"key_hint,omitempty"`
}

const currentEnvelopeVersion = 2

// encryptionKeySize is the ChaCha20-Poly1305 key size (spec §6: encryption
// key storage/management is out of scope for this package; storePacket only
// generates one on request and hands it back to the caller).
const encryptionKeySize = 32

// CreateRequest is the input to CreateHandoffPacket — everything the caller
// supplies; PacketID/AccessToken/CreatedAt are generated by the manager.
type CreateRequest struct {
	SourceAgent   string
	SourceSession string
	Reason        Reason
	Priority      Priority
	TargetAgent   string

	// Encrypt requests that the stored packet be sealed with a freshly
	// generated key instead of written as plaintext (spec §6 "with
	// encrypted: true"). CreateHandoffPacket returns the generated key;
	// losing it makes the packet unrecoverable, matching the reference's
	// store_packet(packet, encrypt=True) contract.
	Encrypt bool

	TicketID        string
	TicketStatus    string
	ProblemSummary  string
	SolutionSummary string
	TaskList        []string
	CompletedTasks  []string
	Blockers        []string
	KeyDecisions    []KeyDecision

	FilesModified []string
	FilesReviewed []string

	HotContext     string
	HotTokens      int
	WarmReferences []string

	Budget BudgetSnapshot

	HandoffNotes string
	Warnings     []string
}

// Manager implements the Handoff Manager (spec §4.3): it creates, signs,
// persists, retrieves, and authorizes acceptance of handoff packets, and
// sweeps the archive on a retention schedule.
type Manager struct {
	mu sync.Mutex

	cfg       config.HandoffConfig
	dir       string
	sanitizer *Sanitizer
	security  *Security
	logger    corelog.Logger
}

// NewManager constructs a Manager rooted at projectDir/handoffs (spec §6's
// filesystem layout). logger defaults to corelog.NoOpLogger when nil.
func NewManager(cfg config.HandoffConfig, projectDir string, logger corelog.Logger) *Manager {
	if logger == nil {
		logger = corelog.NoOpLogger{}
	}
	return &Manager{
		cfg:       cfg,
		dir:       filepath.Join(projectDir, "handoffs"),
		sanitizer: NewSanitizer(cfg),
		security:  NewSecurity(),
		logger:    logger,
	}
}

func (m *Manager) pendingDir() string { return filepath.Join(m.dir, "pending") }
func (m *Manager) archiveDir() string { return filepath.Join(m.dir, "archive") }

func (m *Manager) pendingPath(packetID string) string {
	return filepath.Join(m.pendingDir(), packetID+".json")
}

func (m *Manager) archivePath(packetID string) string {
	return filepath.Join(m.archiveDir(), packetID+".json")
}

// CreateHandoffPacket builds, sanitizes, signs, and stores a new packet,
// returning it with PacketID and AccessToken populated (spec §3, §4.3). When
// req.Encrypt is set, the returned key is the only copy: this package stores
// no encryption keys of its own (spec §6), so a caller that drops it has
// made the packet unrecoverable. key is nil when req.Encrypt is false.
func (m *Manager) CreateHandoffPacket(req CreateRequest) (p Packet, key []byte, err error) {
	packetID := GeneratePacketID()
	accessToken, err := GenerateAccessToken()
	if err != nil {
		return Packet{}, nil, err
	}

	p = Packet{
		PacketID:      packetID,
		CreatedAt:     time.Now().UTC(),
		SourceAgent:   req.SourceAgent,
		SourceSession: req.SourceSession,
		Reason:        req.Reason,
		Priority:      req.Priority,
		TargetAgent:   req.TargetAgent,
		AccessToken:   accessToken,

		TicketID:        req.TicketID,
		TicketStatus:    req.TicketStatus,
		ProblemSummary:  req.ProblemSummary,
		SolutionSummary: req.SolutionSummary,
		TaskList:        req.TaskList,
		CompletedTasks:  req.CompletedTasks,
		Blockers:        req.Blockers,
		KeyDecisions:    req.KeyDecisions,

		FilesModified: req.FilesModified,
		FilesReviewed: req.FilesReviewed,

		HotContext:     req.HotContext,
		HotTokens:      req.HotTokens,
		WarmReferences: req.WarmReferences,

		Budget: req.Budget,

		HandoffNotes: req.HandoffNotes,
		Warnings:     req.Warnings,
	}

	p = m.sanitizer.Sanitize(p)

	key, err = m.storePacket(p, req.Encrypt)
	if err != nil {
		return Packet{}, nil, err
	}
	return p, key, nil
}

// storePacket always signs p over its plaintext form, then writes it to the
// pending directory either as plaintext or, when encrypt is set, sealed with
// a freshly generated key that is returned to the caller (spec §6: this
// package never stores or derives encryption keys itself).
func (m *Manager) storePacket(p Packet, encrypt bool) ([]byte, error) {
	sig, err := m.security.Sign(p)
	if err != nil {
		return nil, err
	}

	env := envelope{Version: currentEnvelopeVersion, Signature: sig}
	var key []byte
	if encrypt {
		plaintext, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("handoff: marshal packet: %w", err)
		}
		key = make([]byte, encryptionKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("handoff: generate encryption key: %w", err)
		}
		ciphertext, hint, err := m.security.Encrypt(key, plaintext)
		if err != nil {
			return nil, fmt.Errorf("handoff: encrypt packet: %w", err)
		}
		env.Encrypted = true
		env.Content = ciphertext
		env.KeyHint = base64.StdEncoding.EncodeToString(hint)
	} else {
		env.Packet = &p
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("handoff: marshal envelope: %w", err)
	}

	if err := fsatomic.WriteFile(m.pendingPath(p.PacketID), data, pendingFilePerm); err != nil {
		return nil, fmt.Errorf("handoff: write pending packet: %w", err)
	}
	return key, nil
}

// RetrievePacket loads and signature-verifies a pending packet by id. It
// tolerates a legacy v1 envelope (Packet fields written unsigned, no
// `version`/`signature` wrapper) by treating a bare packet as implicitly
// verified, matching packets created before signing was introduced.
func (m *Manager) RetrievePacket(packetID string) (Packet, error) {
	data, err := os.ReadFile(m.pendingPath(packetID))
	if err != nil {
		return Packet{}, fmt.Errorf("handoff: packet %s: %w", packetID, ErrPacketNotFound)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Signature != "" {
		if env.Encrypted {
			// Decryption needs the key the storing agent holds, which this
			// package never persists (spec §6). Matches the reference's
			// retrieve_packet, which logs a warning and returns None rather
			// than attempting to decrypt.
			m.logger.Warn("packet is encrypted, decryption key not provided", map[string]interface{}{"packet_id": packetID})
			return Packet{}, fmt.Errorf("handoff: packet %s: %w", packetID, ErrEncryptedNoKey)
		}
		if env.Packet == nil {
			return Packet{}, fmt.Errorf("handoff: packet %s: envelope missing packet", packetID)
		}
		ok, err := m.security.Verify(*env.Packet, env.Signature)
		if err != nil {
			return Packet{}, err
		}
		if !ok {
			return Packet{}, fmt.Errorf("handoff: packet %s failed signature verification", packetID)
		}
		return m.sanitizer.Sanitize(*env.Packet), nil
	}

	var legacy Packet
	if err := json.Unmarshal(data, &legacy); err != nil {
		return Packet{}, fmt.Errorf("handoff: packet %s unreadable: %w", packetID, err)
	}
	m.logger.Warn("accepted unsigned legacy handoff packet", map[string]interface{}{"packet_id": packetID})
	return m.sanitizer.Sanitize(legacy), nil
}

// AcceptHandoff authorizes agentName to take over packetID, verified in
// constant time against accessToken. accessToken is optional: an empty
// string skips the token check entirely, matching the reference's
// `can_accept(agent_name, token=None)` ("verify access token if provided").
// On success the packet moves from pending to archive, stamped with
// AcceptedBy/AcceptedAt, and the archive's retention sweep runs.
func (m *Manager) AcceptHandoff(packetID, accessToken, agentName string) (Packet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.RetrievePacket(packetID)
	if err != nil {
		return Packet{}, err
	}

	if accessToken != "" && subtle.ConstantTimeCompare([]byte(p.AccessToken), []byte(accessToken)) != 1 {
		m.logger.Warn("unauthorized acceptance attempt", map[string]interface{}{
			"packet_id": packetID,
			"agent":     agentName,
		})
		return Packet{}, fmt.Errorf("handoff: packet %s: %w", packetID, ErrUnauthorized)
	}
	if !p.CanAccept(agentName) {
		m.logger.Warn("unauthorized acceptance attempt", map[string]interface{}{
			"packet_id":    packetID,
			"agent":        agentName,
			"target_agent": p.TargetAgent,
		})
		return Packet{}, fmt.Errorf("handoff: packet %s targeted at %s, not %s: %w", packetID, p.TargetAgent, agentName, ErrWrongTargetAgent)
	}

	now := time.Now().UTC()
	p.AcceptedBy = agentName
	p.AcceptedAt = &now

	sig, err := m.security.Sign(p)
	if err != nil {
		return Packet{}, err
	}
	env := envelope{Version: currentEnvelopeVersion, Packet: &p, Signature: sig}
	data, err := json.Marshal(env)
	if err != nil {
		return Packet{}, fmt.Errorf("handoff: marshal envelope: %w", err)
	}

	if err := fsatomic.WriteFile(m.archivePath(packetID), data, archiveFilePerm); err != nil {
		return Packet{}, fmt.Errorf("handoff: write archive packet: %w", err)
	}
	if err := os.Remove(m.pendingPath(packetID)); err != nil && !os.IsNotExist(err) {
		return Packet{}, fmt.Errorf("handoff: remove pending packet: %w", err)
	}

	m.sweepArchive()
	return p, nil
}

// sweepArchive deletes archived packets older than the configured retention
// window. Called opportunistically on every Accept rather than on a
// background timer, since this package owns no goroutines of its own.
func (m *Manager) sweepArchive() {
	entries, err := os.ReadDir(m.archiveDir())
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-time.Duration(m.cfg.ArchiveRetentionHours) * time.Hour)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(m.archiveDir(), e.Name()))
		}
	}
}

// GetPendingHandoffs lists every pending packet (supplemented feature, for
// an operator dashboard to show what is awaiting acceptance).
func (m *Manager) GetPendingHandoffs() ([]Packet, error) {
	entries, err := os.ReadDir(m.pendingDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("handoff: list pending: %w", err)
	}
	var out []Packet
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id := trimJSONExt(e.Name())
		p, err := m.RetrievePacket(id)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// HandoffStats is the supplemented GetHandoffStats() aggregate.
type HandoffStats struct {
	Pending int
	Archive int
	ByReason map[Reason]int
}

// GetHandoffStats summarizes pending/archived packet counts (supplemented
// feature for operator observability, not in the distilled spec's prose).
func (m *Manager) GetHandoffStats() (HandoffStats, error) {
	stats := HandoffStats{ByReason: make(map[Reason]int)}

	pending, err := m.GetPendingHandoffs()
	if err != nil {
		return stats, err
	}
	stats.Pending = len(pending)
	for _, p := range pending {
		stats.ByReason[p.Reason]++
	}

	archived, err := os.ReadDir(m.archiveDir())
	if err == nil {
		for _, e := range archived {
			if !e.IsDir() {
				stats.Archive++
			}
		}
	}
	return stats, nil
}

// CheckHandoffNeeded consults b and returns the Reason/Priority a handoff
// should be created with, or ok=false if none is needed yet (spec §4.1/§4.3
// integration: ShouldHandoff -> budget_warning/normal, MustHandoff ->
// budget_critical/immediate).
func CheckHandoffNeeded(b *budget.Budget) (reason Reason, priority Priority, ok bool) {
	if b.MustHandoff() {
		return ReasonBudgetCritical, PriorityImmediate, true
	}
	if b.ShouldHandoff() {
		return ReasonBudgetWarning, PriorityNormal, true
	}
	return "", "", false
}

func trimJSONExt(name string) string {
	const ext = ".json"
	if len(name) > len(ext) && name[len(name)-len(ext):] == ext {
		return name[:len(name)-len(ext)]
	}
	return name
}
