package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rivo/uniseg"

	"github.com/mahoushoujyo-eee/eshell/internal/apperr"
)

const (
	legacyDataFile   = "ops_agent.json"
	indexFile        = "ops_agent_conversation_list.json"
	conversationsDir = "ops_agent_conversations"

	DefaultTitle    = "New Conversation"
	titleMaxChars   = 24
	autoTitleChars  = 10
	previewMaxChars = 120
	tempFilePattern = ".write-*.tmp"
	storeFileMode   = 0o600
	storeDirMode    = 0o700
)

// index is the on-disk layout of indexFile.
type index struct {
	Conversations        []ConversationSummary `json:"conversations"`
	ActiveConversationID string                `json:"activeConversationId,omitempty"`
	PendingActions       []PendingAction       `json:"pendingActions"`
}

// legacyData is the single-file layout written by earlier builds.
type legacyData struct {
	Conversations        []Conversation  `json:"conversations"`
	ActiveConversationID string          `json:"activeConversationId,omitempty"`
	PendingActions       []PendingAction `json:"pendingActions"`
}

// Store keeps conversations and pending actions in memory and mirrors every
// change to disk: one JSON file per conversation plus an index holding the
// summaries, the active conversation id and all pending actions.
type Store struct {
	mu       sync.RWMutex
	root     string
	convs    []*Conversation // creation order
	activeID string
	actions  []*PendingAction

	now func() time.Time
}

// OpenStore loads the store rooted at root, creating it if needed. A
// legacy single-file store is migrated and removed. The loaded state is
// written back in full and conversation files no longer referenced are
// deleted.
func OpenStore(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, conversationsDir), storeDirMode); err != nil {
		return nil, fmt.Errorf("create agent store: %w", err)
	}

	s := &Store{root: root, now: time.Now}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.normalize()

	s.mu.Lock()
	err := s.persistAllLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	legacy := filepath.Join(root, legacyDataFile)
	if err := os.Remove(legacy); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove legacy agent data: %w", err)
	}

	log.Printf("[agent-store] loaded %d conversations and %d actions from %s", len(s.convs), len(s.actions), root)
	return s, nil
}

func (s *Store) load() error {
	indexPath := filepath.Join(s.root, indexFile)
	if fileExists(indexPath) {
		var idx index
		if err := readJSON(indexPath, &idx); err != nil {
			return err
		}
		convs, err := s.readConversationFiles()
		if err != nil {
			return err
		}
		s.convs = orderBySummaries(convs, idx.Conversations)
		s.activeID = idx.ActiveConversationID
		s.actions = toActionPtrs(idx.PendingActions)
		return nil
	}

	convs, err := s.readConversationFiles()
	if err != nil {
		return err
	}
	if len(convs) > 0 {
		s.convs = convs
		return nil
	}

	legacyPath := filepath.Join(s.root, legacyDataFile)
	if !fileExists(legacyPath) {
		return nil
	}
	var legacy legacyData
	if err := readJSON(legacyPath, &legacy); err != nil {
		return err
	}
	for i := range legacy.Conversations {
		c := legacy.Conversations[i]
		s.convs = append(s.convs, &c)
	}
	s.activeID = legacy.ActiveConversationID
	s.actions = toActionPtrs(legacy.PendingActions)
	log.Printf("[agent-store] migrating %d conversations from %s", len(s.convs), legacyDataFile)
	return nil
}

// normalize sorts conversations by creation time and repairs the active
// pointer.
func (s *Store) normalize() {
	sort.SliceStable(s.convs, func(i, j int) bool {
		return s.convs[i].CreatedAt.Before(s.convs[j].CreatedAt)
	})
	s.repairActiveLocked()
}

func (s *Store) repairActiveLocked() {
	if s.findLocked(s.activeID) != nil {
		return
	}
	s.activeID = ""
	if len(s.convs) > 0 {
		s.activeID = s.convs[0].ID
	}
}

// ListConversations returns summaries, most recently updated first.
func (s *Store) ListConversations() []ConversationSummary {
	s.mu.RLock()
	out := make([]ConversationSummary, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, summarize(c))
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

func (s *Store) GetConversation(id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.findLocked(id)
	if c == nil {
		return Conversation{}, conversationNotFound(id)
	}
	return cloneConversation(c), nil
}

// Active returns the active conversation id, or "" when there are none.
func (s *Store) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// CreateConversation adds an empty conversation and makes it active. A
// blank title selects DefaultTitle, which the first user message replaces.
func (s *Store) CreateConversation(title, sessionID string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(title, sessionID)
}

func (s *Store) createLocked(title, sessionID string) (Conversation, error) {
	now := s.now()
	c := &Conversation{
		ID:        uuid.New().String(),
		Title:     explicitTitle(title),
		SessionID: strings.TrimSpace(sessionID),
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.convs = append(s.convs, c)
	s.activeID = c.ID

	if err := s.writeConversationLocked(c); err != nil {
		return Conversation{}, err
	}
	if err := s.writeIndexLocked(); err != nil {
		return Conversation{}, err
	}
	return cloneConversation(c), nil
}

// EnsureConversation returns conversation id, binding sessionID to it if it
// has no session yet, and makes it active. An empty id creates a new
// conversation.
func (s *Store) EnsureConversation(id, sessionID string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		return s.createLocked("", sessionID)
	}
	c := s.findLocked(id)
	if c == nil {
		return Conversation{}, conversationNotFound(id)
	}
	if c.SessionID == "" && strings.TrimSpace(sessionID) != "" {
		c.SessionID = strings.TrimSpace(sessionID)
		c.UpdatedAt = s.now()
		if err := s.writeConversationLocked(c); err != nil {
			return Conversation{}, err
		}
	}
	s.activeID = id
	if err := s.writeIndexLocked(); err != nil {
		return Conversation{}, err
	}
	return cloneConversation(c), nil
}

func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findLocked(id) == nil {
		return conversationNotFound(id)
	}
	s.activeID = id
	return s.writeIndexLocked()
}

// DeleteConversation removes the conversation, its file and its pending
// actions.
func (s *Store) DeleteConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.convs[:0]
	found := false
	for _, c := range s.convs {
		if c.ID == id {
			found = true
			continue
		}
		kept = append(kept, c)
	}
	if !found {
		return conversationNotFound(id)
	}
	s.convs = kept

	actions := s.actions[:0]
	for _, a := range s.actions {
		if a.ConversationID != id {
			actions = append(actions, a)
		}
	}
	s.actions = actions
	s.repairActiveLocked()

	if err := os.Remove(s.conversationPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperr.Runtime(err, "delete conversation file %s", id)
	}
	return s.writeIndexLocked()
}

// AppendMessage adds a message with trimmed content. The first user
// message of a conversation still carrying the default title renames it.
func (s *Store) AppendMessage(conversationID string, role Role, content string, kind ToolKind) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, apperr.Validation("message content cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findLocked(conversationID)
	if c == nil {
		return Message{}, conversationNotFound(conversationID)
	}

	autoTitle := role == RoleUser && isDefaultTitle(c.Title) && !hasUserMessage(c)
	m := Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		CreatedAt: s.now(),
		ToolKind:  kind,
	}
	c.Messages = append(c.Messages, m)
	if autoTitle {
		c.Title = titleFromPrompt(content)
	}
	c.UpdatedAt = s.now()
	s.activeID = conversationID

	if err := s.writeConversationLocked(c); err != nil {
		return Message{}, err
	}
	if err := s.writeIndexLocked(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// CreatePendingAction queues command for approval.
func (s *Store) CreatePendingAction(conversationID, sessionID, command, reason string) (PendingAction, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return PendingAction{}, apperr.Validation("tool command cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findLocked(conversationID) == nil {
		return PendingAction{}, conversationNotFound(conversationID)
	}
	now := s.now()
	a := &PendingAction{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SessionID:      strings.TrimSpace(sessionID),
		Command:        command,
		Reason:         strings.TrimSpace(reason),
		Status:         ActionPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.actions = append(s.actions, a)
	if err := s.writeIndexLocked(); err != nil {
		return PendingAction{}, err
	}
	return cloneAction(a), nil
}

func (s *Store) GetPendingAction(id string) (PendingAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.actions {
		if a.ID == id {
			return cloneAction(a), nil
		}
	}
	return PendingAction{}, apperr.NotFound("agent action %s not found", id)
}

// ListPendingActions filters by session when sessionID is set and by
// status when onlyPending is true. Actions are in creation order.
func (s *Store) ListPendingActions(sessionID string, onlyPending bool) []PendingAction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []PendingAction{}
	for _, a := range s.actions {
		if sessionID != "" && a.SessionID != sessionID {
			continue
		}
		if onlyPending && a.Status != ActionPending {
			continue
		}
		out = append(out, cloneAction(a))
	}
	return out
}

func (s *Store) MarkRejected(id string) (PendingAction, error) {
	return s.resolve(id, ActionRejected, "", nil)
}

func (s *Store) MarkExecuted(id, output string, exitCode int) (PendingAction, error) {
	return s.resolve(id, ActionExecuted, output, &exitCode)
}

func (s *Store) MarkFailed(id, errText string) (PendingAction, error) {
	return s.resolve(id, ActionFailed, errText, nil)
}

func (s *Store) resolve(id string, status ActionStatus, output string, exitCode *int) (PendingAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var a *PendingAction
	for _, it := range s.actions {
		if it.ID == id {
			a = it
			break
		}
	}
	if a == nil {
		return PendingAction{}, apperr.NotFound("agent action %s not found", id)
	}

	now := s.now()
	a.Status = status
	a.UpdatedAt = now
	a.ResolvedAt = &now
	a.ExecutionOutput = output
	a.ExecutionExitCode = exitCode

	if c := s.findLocked(a.ConversationID); c != nil {
		c.UpdatedAt = now
		if err := s.writeConversationLocked(c); err != nil {
			return PendingAction{}, err
		}
	}
	if err := s.writeIndexLocked(); err != nil {
		return PendingAction{}, err
	}
	return cloneAction(a), nil
}

func (s *Store) findLocked(id string) *Conversation {
	if id == "" {
		return nil
	}
	for _, c := range s.convs {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (s *Store) conversationPath(id string) string {
	return filepath.Join(s.root, conversationsDir, id+".json")
}

func (s *Store) writeConversationLocked(c *Conversation) error {
	if err := writeJSON(s.conversationPath(c.ID), c); err != nil {
		return apperr.Runtime(err, "persist conversation %s", c.ID)
	}
	return nil
}

func (s *Store) writeIndexLocked() error {
	idx := index{
		Conversations:        make([]ConversationSummary, 0, len(s.convs)),
		ActiveConversationID: s.activeID,
		PendingActions:       make([]PendingAction, 0, len(s.actions)),
	}
	for _, c := range s.convs {
		idx.Conversations = append(idx.Conversations, summarize(c))
	}
	for _, a := range s.actions {
		idx.PendingActions = append(idx.PendingActions, *a)
	}
	if err := writeJSON(filepath.Join(s.root, indexFile), idx); err != nil {
		return apperr.Runtime(err, "persist conversation index")
	}
	return nil
}

func (s *Store) persistAllLocked() error {
	valid := make(map[string]bool, len(s.convs))
	for _, c := range s.convs {
		valid[c.ID] = true
		if err := s.writeConversationLocked(c); err != nil {
			return err
		}
	}

	dir := filepath.Join(s.root, conversationsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}
	for _, e := range entries {
		id, ok := conversationFileID(e)
		if !ok || valid[id] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove orphaned conversation %s: %w", e.Name(), err)
		}
		log.Printf("[agent-store] removed orphaned conversation file %s", e.Name())
	}
	return s.writeIndexLocked()
}

// readConversationFiles loads every conversation file, oldest first.
func (s *Store) readConversationFiles() ([]*Conversation, error) {
	dir := filepath.Join(s.root, conversationsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var out []*Conversation
	for _, e := range entries {
		if _, ok := conversationFileID(e); !ok {
			continue
		}
		var c Conversation
		if err := readJSON(filepath.Join(dir, e.Name()), &c); err != nil {
			return nil, err
		}
		if strings.TrimSpace(c.ID) == "" {
			continue
		}
		if c.Messages == nil {
			c.Messages = []Message{}
		}
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// orderBySummaries puts conversations named in the index first, in index
// order, followed by the rest oldest first.
func orderBySummaries(convs []*Conversation, summaries []ConversationSummary) []*Conversation {
	byID := make(map[string]*Conversation, len(convs))
	for _, c := range convs {
		byID[c.ID] = c
	}
	ordered := make([]*Conversation, 0, len(convs))
	for _, sm := range summaries {
		if c, ok := byID[sm.ID]; ok {
			ordered = append(ordered, c)
			delete(byID, sm.ID)
		}
	}
	for _, c := range convs {
		if _, ok := byID[c.ID]; ok {
			ordered = append(ordered, c)
		}
	}
	return ordered
}

func conversationFileID(e fs.DirEntry) (string, bool) {
	if e.IsDir() {
		return "", false
	}
	name := e.Name()
	ext := filepath.Ext(name)
	if !strings.EqualFold(ext, ".json") {
		return "", false
	}
	return strings.TrimSuffix(name, ext), true
}

func toActionPtrs(in []PendingAction) []*PendingAction {
	out := make([]*PendingAction, 0, len(in))
	for i := range in {
		a := in[i]
		out = append(out, &a)
	}
	return out
}

func cloneConversation(c *Conversation) Conversation {
	out := *c
	out.Messages = append([]Message{}, c.Messages...)
	return out
}

func cloneAction(a *PendingAction) PendingAction {
	out := *a
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		out.ResolvedAt = &t
	}
	if a.ExecutionExitCode != nil {
		code := *a.ExecutionExitCode
		out.ExecutionExitCode = &code
	}
	return out
}

func conversationNotFound(id string) error {
	return apperr.NotFound("agent conversation %s not found", id)
}

func hasUserMessage(c *Conversation) bool {
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			return true
		}
	}
	return false
}

func isDefaultTitle(title string) bool {
	t := strings.TrimSpace(title)
	return t == "" || t == DefaultTitle
}

func explicitTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return DefaultTitle
	}
	return truncateChars(strings.ReplaceAll(title, "\n", " "), titleMaxChars)
}

func titleFromPrompt(prompt string) string {
	compact := strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(prompt))
	if compact == "" {
		return DefaultTitle
	}
	return truncateChars(compact, autoTitleChars)
}

// truncateChars keeps the first n grapheme clusters of s and appends "..."
// when anything was cut.
func truncateChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	g := uniseg.NewGraphemes(s)
	count, end := 0, 0
	for g.Next() {
		if count == n {
			return s[:end] + "..."
		}
		_, end = g.Positions()
		count++
	}
	return s
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// readJSON decodes p into v. An empty file leaves v untouched.
func readJSON(p string, v any) error {
	data, err := os.ReadFile(p)
	if err != nil {
		return fmt.Errorf("read %s: %w", p, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", p, err)
	}
	return nil
}

// writeJSON replaces p atomically with the indented JSON encoding of v.
func writeJSON(p string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(p), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(storeFileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(p), err)
	}
	cleanup = false
	return nil
}
