// Package memory provides the shared four-tier memory store guild
// agents read and write: core identity facts, working context, episodic
// event records, and durable semantic knowledge. It handles writes,
// ranked retrieval, promotion into the semantic tier, and the periodic
// decay sweep that keeps the store inside its token budgets.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"guild/pkg/protocol"
)

// Defaults for tier policy. The budgets and rates mirror the sizing of
// a bounded agent context: a small always-present core, a larger
// working set, and a mid-sized episodic record.
const (
	DefaultImportance      = 0.5
	DefaultImportanceFloor = 0.1
	DefaultDemoteFactor    = 0.7
	defaultQueryLimit      = 10
	candidateLimit         = 50
	vectorScanLimit        = 1000
	rrfK                   = 60.0
	recencyHalfLifeDays    = 30.0
)

// Config tunes tier budgets and decay policy. Zero values take the
// documented defaults.
type Config struct {
	// TokenBudgets caps each tier's total estimated tokens per project.
	TokenBudgets map[protocol.MemoryTier]int

	// DecayRates is the per-day importance loss for decaying tiers
	// (0.10 means an item loses 10% of its importance per day).
	DecayRates map[protocol.MemoryTier]float64

	// ImportanceFloor is the threshold below which working items are
	// demoted and episodic items are pruned.
	ImportanceFloor float64

	// DemoteFactor scales importance when a working item moves to the
	// episodic tier.
	DemoteFactor float64
}

func (c Config) withDefaults() Config {
	if c.TokenBudgets == nil {
		c.TokenBudgets = map[protocol.MemoryTier]int{
			protocol.TierCore:     500,
			protocol.TierWorking:  2000,
			protocol.TierEpisodic: 1000,
			protocol.TierSemantic: 500,
		}
	}
	if c.DecayRates == nil {
		c.DecayRates = map[protocol.MemoryTier]float64{
			protocol.TierWorking:  0.10,
			protocol.TierEpisodic: 0.05,
		}
	}
	if c.ImportanceFloor == 0 {
		c.ImportanceFloor = DefaultImportanceFloor
	}
	if c.DemoteFactor == 0 {
		c.DemoteFactor = DefaultDemoteFactor
	}
	return c
}

// Store manages the memories table in SQLite. Writes are append-only at
// the item level; only the decay sweep and access timestamps mutate
// existing rows.
type Store struct {
	db       *sql.DB
	embedder *Embedder
	cfg      Config

	nowFunc func() time.Time
}

// NewStore creates a Store backed by the given SQLite database.
func NewStore(db *sql.DB, cfg Config) *Store {
	return &Store{
		db:       db,
		embedder: NewEmbedder(),
		cfg:      cfg.withDefaults(),
		nowFunc:  time.Now,
	}
}

// Item is one memory record.
type Item struct {
	ID             int64
	ProjectID      string
	AgentID        string
	Tier           protocol.MemoryTier
	Content        string
	Importance     float64
	Tokens         int
	Summary        bool
	SupersededBy   int64
	SourceTask     string
	Embedding      []float32
	CreatedAt      time.Time
	LastAccessedAt time.Time
}

// WriteParams holds parameters for writing a new item.
type WriteParams struct {
	ProjectID  string
	AgentID    string
	Tier       protocol.MemoryTier
	Content    string
	Importance float64 // default 0.5
	Summary    bool
	SourceTask string
}

// EstimateTokens approximates the token cost of content as len/4,
// matching the budget arithmetic used across the system.
func EstimateTokens(content string) int {
	n := len(content) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// Write appends a new item and returns its id. Content is embedded at
// write time so semantic queries can rank it.
func (s *Store) Write(ctx context.Context, p WriteParams) (int64, error) {
	if !p.Tier.Valid() {
		return 0, fmt.Errorf("memory write: invalid tier %q", p.Tier)
	}
	if p.ProjectID == "" {
		return 0, errors.New("memory write: project id required")
	}
	imp := p.Importance
	if imp == 0 {
		imp = DefaultImportance
	}

	now := s.timestamp()
	emb := MarshalEmbedding(s.embedder.Embed(p.Content))

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (project_id, agent_id, tier, content, importance, tokens, summary,
		                       source_task, embedding, created_at, last_accessed_at, last_decayed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ProjectID, p.AgentID, string(p.Tier), p.Content, imp, EstimateTokens(p.Content),
		p.Summary, p.SourceTask, emb, now, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("memory write: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("memory write id: %w", err)
	}
	return id, nil
}

// Read returns one item by id and touches its access time. A missing id
// yields ItemNotFoundError; readers racing the decay sweep treat that
// as a cache miss.
func (s *Store) Read(ctx context.Context, id int64) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, COALESCE(agent_id, ''), tier, content, importance, tokens, summary,
		        COALESCE(superseded_by, 0), COALESCE(source_task, ''), embedding, created_at, last_accessed_at
		 FROM memories WHERE id = ?`, id)

	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &protocol.ItemNotFoundError{ID: id}
		}
		return nil, fmt.Errorf("memory read: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		"UPDATE memories SET last_accessed_at = ? WHERE id = ?", s.timestamp(), id); err != nil {
		return nil, fmt.Errorf("memory touch: %w", err)
	}
	return item, nil
}

// QueryOpts configures a retrieval.
type QueryOpts struct {
	ProjectID string
	Tier      protocol.MemoryTier // optional: restrict to one tier
	Semantic  string              // optional: similarity query
	Limit     int                 // default 10

	// IncludeSuperseded also returns semantic items that newer items
	// have superseded. Off by default so recall sees current knowledge.
	IncludeSuperseded bool
}

// Query returns items for a project ordered by relevance. With a
// semantic query, FTS5 BM25 candidates are fused with cosine similarity
// over stored embeddings (reciprocal rank fusion), then weighted by
// importance and an access-recency half-life. Without one, items come
// back by importance then recency.
func (s *Store) Query(ctx context.Context, opts QueryOpts) ([]Item, error) {
	if opts.ProjectID == "" {
		return nil, errors.New("memory query: project id required")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	var items []Item
	var err error
	if opts.Semantic == "" {
		items, err = s.queryPlain(ctx, opts, limit)
	} else {
		items, err = s.queryHybrid(ctx, opts, limit)
	}
	if err != nil {
		return nil, err
	}

	if err := s.touchAll(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) queryPlain(ctx context.Context, opts QueryOpts, limit int) ([]Item, error) {
	where, args := s.scopeClause(opts)
	q := fmt.Sprintf(`
		SELECT id, project_id, COALESCE(agent_id, ''), tier, content, importance, tokens, summary,
		       COALESCE(superseded_by, 0), COALESCE(source_task, ''), embedding, created_at, last_accessed_at
		FROM memories
		WHERE %s
		ORDER BY importance DESC, last_accessed_at DESC, id DESC
		LIMIT ?`, where)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory query: %w", err)
	}
	defer rows.Close()

	return collectItems(rows)
}

// queryHybrid ranks candidates from two lists: FTS5 BM25 text matches
// and cosine similarity over embeddings. Reciprocal rank fusion merges
// them so an item strong in either list surfaces.
func (s *Store) queryHybrid(ctx context.Context, opts QueryOpts, limit int) ([]Item, error) {
	textRanks, err := s.textRanks(ctx, opts)
	if err != nil {
		return nil, err
	}

	scoped, err := s.scopedItems(ctx, opts)
	if err != nil {
		return nil, err
	}
	vectorRanks := s.vectorRanks(opts.Semantic, scoped)

	byID := make(map[int64]Item, len(scoped))
	for _, it := range scoped {
		byID[it.ID] = it
	}

	now := s.nowFunc().UTC()
	score := func(it Item, textRank, vectorRank int) float64 {
		ageDays := now.Sub(it.LastAccessedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		// Relevance weighted by importance and a 30-day access half-life.
		return RRFScore(textRank, vectorRank, rrfK) * it.Importance * math.Pow(0.5, ageDays/recencyHalfLifeDays)
	}

	type fused struct {
		item  Item
		score float64
	}
	var merged []fused
	seen := make(map[int64]bool)
	for id := range textRanks {
		if it, ok := byID[id]; ok {
			merged = append(merged, fused{it, score(it, textRanks[id], vectorRanks[id])})
			seen[id] = true
		}
	}
	for id, rank := range vectorRanks {
		if seen[id] {
			continue
		}
		if it, ok := byID[id]; ok {
			merged = append(merged, fused{it, score(it, 0, rank)})
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].score != merged[j].score {
			return merged[i].score > merged[j].score
		}
		if merged[i].item.Importance != merged[j].item.Importance {
			return merged[i].item.Importance > merged[j].item.Importance
		}
		return merged[i].item.LastAccessedAt.After(merged[j].item.LastAccessedAt)
	})

	if len(merged) > limit {
		merged = merged[:limit]
	}
	items := make([]Item, len(merged))
	for i, f := range merged {
		items[i] = f.item
	}
	return items, nil
}

// textRanks returns 1-based BM25 ranks for FTS matches inside the query scope.
func (s *Store) textRanks(ctx context.Context, opts QueryOpts) (map[int64]int, error) {
	where, args := s.scopeClause(opts)
	q := fmt.Sprintf(`
		SELECT m.id
		FROM memories_fts
		JOIN memories m ON memories_fts.rowid = m.id
		WHERE memories_fts MATCH ? AND %s
		ORDER BY bm25(memories_fts)
		LIMIT ?`, where)
	argv := append([]any{protocol.SanitizeFTS5Query(opts.Semantic)}, args...)
	argv = append(argv, candidateLimit)

	rows, err := s.db.QueryContext(ctx, q, argv...)
	if err != nil {
		return nil, fmt.Errorf("memory text search: %w", err)
	}
	defer rows.Close()

	ranks := make(map[int64]int)
	rank := 0
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("memory text search scan: %w", err)
		}
		rank++
		ranks[id] = rank
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory text search rows: %w", err)
	}
	return ranks, nil
}

// scopedItems loads candidates in scope for vector ranking, capped to
// keep the embedding scan bounded.
func (s *Store) scopedItems(ctx context.Context, opts QueryOpts) ([]Item, error) {
	where, args := s.scopeClause(opts)
	q := fmt.Sprintf(`
		SELECT id, project_id, COALESCE(agent_id, ''), tier, content, importance, tokens, summary,
		       COALESCE(superseded_by, 0), COALESCE(source_task, ''), embedding, created_at, last_accessed_at
		FROM memories
		WHERE %s
		ORDER BY last_accessed_at DESC
		LIMIT ?`, where)
	args = append(args, vectorScanLimit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory vector scan: %w", err)
	}
	defer rows.Close()

	return collectItems(rows)
}

// vectorRanks returns 1-based cosine-similarity ranks for items with
// embeddings, best first.
func (s *Store) vectorRanks(query string, items []Item) map[int64]int {
	qv := s.embedder.Embed(query)
	if len(qv) == 0 {
		return map[int64]int{}
	}

	type scored struct {
		id  int64
		sim float64
	}
	var hits []scored
	for _, it := range items {
		if len(it.Embedding) == 0 {
			continue
		}
		sim := CosineSimilarity(qv, it.Embedding)
		if sim > 0 {
			hits = append(hits, scored{it.ID, sim})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].sim > hits[j].sim })
	if len(hits) > candidateLimit {
		hits = hits[:candidateLimit]
	}

	ranks := make(map[int64]int, len(hits))
	for i, h := range hits {
		ranks[h.id] = i + 1
	}
	return ranks
}

// scopeClause builds the shared WHERE conditions. Columns are left
// unqualified; in the FTS join they only exist on the memories side.
func (s *Store) scopeClause(opts QueryOpts) (string, []any) {
	conditions := []string{"project_id = ?"}
	args := []any{opts.ProjectID}
	if opts.Tier != "" {
		conditions = append(conditions, "tier = ?")
		args = append(args, string(opts.Tier))
	}
	if !opts.IncludeSuperseded {
		conditions = append(conditions, "superseded_by IS NULL")
	}
	return strings.Join(conditions, " AND "), args
}

// Promote copies a working item into the semantic tier and returns the
// new item's id. The working original stays behind and keeps decaying;
// the semantic copy is durable.
func (s *Store) Promote(ctx context.Context, workingItemID int64) (int64, error) {
	item, err := s.Read(ctx, workingItemID)
	if err != nil {
		return 0, fmt.Errorf("memory promote: %w", err)
	}
	if item.Tier != protocol.TierWorking {
		return 0, fmt.Errorf("memory promote: item %d is %s, only working items promote", workingItemID, item.Tier)
	}

	now := s.timestamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (project_id, agent_id, tier, content, importance, tokens, summary,
		                       source_task, embedding, created_at, last_accessed_at, last_decayed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ProjectID, item.AgentID, string(protocol.TierSemantic), item.Content, item.Importance,
		item.Tokens, item.Summary, item.SourceTask, MarshalEmbedding(item.Embedding), now, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("memory promote insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("memory promote id: %w", err)
	}
	return id, nil
}

// Supersede marks an older semantic item as replaced by a newer one.
// The old item stays in the table so knowledge history is preserved;
// default queries skip it.
func (s *Store) Supersede(ctx context.Context, oldID, newID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET superseded_by = ?
		 WHERE id = ? AND tier = ? AND superseded_by IS NULL`,
		newID, oldID, string(protocol.TierSemantic),
	)
	if err != nil {
		return fmt.Errorf("memory supersede: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("memory supersede rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("memory supersede: semantic item %d not found or already superseded", oldID)
	}
	return nil
}

// DecayReport summarizes one decay sweep.
type DecayReport struct {
	Decayed  int // items whose importance was reduced
	Demoted  int // working items moved to episodic
	Pruned   int // episodic items below the floor, deleted
	Overflow int // episodic items hard-deleted for budget
}

// Decay runs the periodic sweep: multiply importance down by tier decay
// rate for the elapsed days, prune episodic items below the floor,
// demote working items below the floor (and working overflow) into
// episodic at the demote factor, then hard-delete the least-important
// episodic items of any project still over its budget. Core and
// semantic tiers are never touched. Decay runs as a single periodic
// task; it is not safe to run two sweeps concurrently.
func (s *Store) Decay(ctx context.Context) (DecayReport, error) {
	var report DecayReport
	now := s.timestamp()

	for _, tier := range []protocol.MemoryTier{protocol.TierWorking, protocol.TierEpisodic} {
		rate := s.cfg.DecayRates[tier]
		if rate <= 0 {
			continue
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE memories
			 SET importance = importance * POWER(?, julianday(?) - julianday(last_decayed_at)),
			     last_decayed_at = ?
			 WHERE tier = ? AND julianday(?) > julianday(last_decayed_at)`,
			1.0-rate, now, now, string(tier), now,
		)
		if err != nil {
			return report, fmt.Errorf("memory decay %s: %w", tier, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return report, fmt.Errorf("memory decay rows: %w", err)
		}
		report.Decayed += int(n)
	}

	pruned, err := s.pruneEpisodic(ctx)
	if err != nil {
		return report, err
	}
	report.Pruned = pruned

	demoted, err := s.demoteWorking(ctx, now)
	if err != nil {
		return report, err
	}
	report.Demoted = demoted

	overflow, err := s.enforceEpisodicBudget(ctx)
	if err != nil {
		return report, err
	}
	report.Overflow = overflow

	return report, nil
}

// pruneEpisodic hard-deletes episodic items below the importance floor.
func (s *Store) pruneEpisodic(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM memories WHERE tier = ? AND importance < ?",
		string(protocol.TierEpisodic), s.cfg.ImportanceFloor,
	)
	if err != nil {
		return 0, fmt.Errorf("memory prune episodic: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("memory prune rows: %w", err)
	}
	return int(n), nil
}

// demoteWorking moves working items below the floor, plus the least
// important items of any project over the working budget, into the
// episodic tier at reduced importance. Content is preserved.
func (s *Store) demoteWorking(ctx context.Context, now string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET tier = ?, importance = importance * ?, last_decayed_at = ?
		 WHERE tier = ? AND importance < ?`,
		string(protocol.TierEpisodic), s.cfg.DemoteFactor, now,
		string(protocol.TierWorking), s.cfg.ImportanceFloor,
	)
	if err != nil {
		return 0, fmt.Errorf("memory demote floor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("memory demote rows: %w", err)
	}
	demoted := int(n)

	over, err := s.overBudgetIDs(ctx, protocol.TierWorking)
	if err != nil {
		return demoted, err
	}
	for _, id := range over {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE memories SET tier = ?, importance = importance * ?, last_decayed_at = ? WHERE id = ?`,
			string(protocol.TierEpisodic), s.cfg.DemoteFactor, now, id,
		); err != nil {
			return demoted, fmt.Errorf("memory demote overflow: %w", err)
		}
		demoted++
	}
	return demoted, nil
}

// enforceEpisodicBudget hard-deletes the least-important episodic items
// of projects over budget. The caller logs the resulting
// CapacityExceededError; losing low-value episodic records is not fatal.
func (s *Store) enforceEpisodicBudget(ctx context.Context) (int, error) {
	over, err := s.overBudgetIDs(ctx, protocol.TierEpisodic)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, id := range over {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id); err != nil {
			return deleted, fmt.Errorf("memory budget delete: %w", err)
		}
		deleted++
	}
	return deleted, nil
}

// overBudgetIDs returns, per project over the tier budget, the ids of
// the least-important items whose removal brings the tier back under.
func (s *Store) overBudgetIDs(ctx context.Context, tier protocol.MemoryTier) ([]int64, error) {
	budget := s.cfg.TokenBudgets[tier]
	if budget <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT project_id, SUM(tokens) FROM memories WHERE tier = ? GROUP BY project_id HAVING SUM(tokens) > ?",
		string(tier), budget,
	)
	if err != nil {
		return nil, fmt.Errorf("memory budget scan: %w", err)
	}
	defer rows.Close()

	type projTotal struct {
		project string
		total   int
	}
	var overProjects []projTotal
	for rows.Next() {
		var pt projTotal
		if err := rows.Scan(&pt.project, &pt.total); err != nil {
			return nil, fmt.Errorf("memory budget scan row: %w", err)
		}
		overProjects = append(overProjects, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory budget rows: %w", err)
	}

	var ids []int64
	for _, pt := range overProjects {
		itemRows, err := s.db.QueryContext(ctx,
			`SELECT id, tokens FROM memories WHERE tier = ? AND project_id = ?
			 ORDER BY importance ASC, last_accessed_at ASC, id ASC`,
			string(tier), pt.project,
		)
		if err != nil {
			return nil, fmt.Errorf("memory budget items: %w", err)
		}
		excess := pt.total - budget
		for itemRows.Next() && excess > 0 {
			var id int64
			var tokens int
			if err := itemRows.Scan(&id, &tokens); err != nil {
				_ = itemRows.Close()
				return nil, fmt.Errorf("memory budget item scan: %w", err)
			}
			ids = append(ids, id)
			excess -= tokens
		}
		if err := itemRows.Err(); err != nil {
			_ = itemRows.Close()
			return nil, fmt.Errorf("memory budget item rows: %w", err)
		}
		_ = itemRows.Close()
	}
	return ids, nil
}

// touchAll stamps access time on every returned item.
func (s *Store) touchAll(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	now := s.timestamp()
	placeholders := make([]string, len(items))
	args := make([]any, 0, len(items)+1)
	args = append(args, now)
	for i, it := range items {
		placeholders[i] = "?"
		args = append(args, it.ID)
	}
	q := fmt.Sprintf("UPDATE memories SET last_accessed_at = ? WHERE id IN (%s)", strings.Join(placeholders, ","))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("memory touch: %w", err)
	}
	return nil
}

func (s *Store) timestamp() string {
	return s.nowFunc().UTC().Format(time.RFC3339)
}

// scanner abstracts *sql.Row and *sql.Rows for scanItem.
type scanner interface {
	Scan(dest ...any) error
}

func scanItem(sc scanner) (*Item, error) {
	var it Item
	var tier string
	var emb []byte
	var createdAt, accessedAt string
	if err := sc.Scan(
		&it.ID, &it.ProjectID, &it.AgentID, &tier, &it.Content, &it.Importance, &it.Tokens,
		&it.Summary, &it.SupersededBy, &it.SourceTask, &emb, &createdAt, &accessedAt,
	); err != nil {
		return nil, err
	}
	it.Tier = protocol.MemoryTier(tier)
	it.Embedding = UnmarshalEmbedding(emb)
	it.CreatedAt = parseTime(createdAt)
	it.LastAccessedAt = parseTime(accessedAt)
	return &it, nil
}

func collectItems(rows *sql.Rows) ([]Item, error) {
	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("memory scan: %w", err)
		}
		items = append(items, *it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory rows: %w", err)
	}
	return items, nil
}

// parseTime handles both RFC3339 (what the store writes) and SQLite's
// datetime('now') format (rows seeded via SQL).
func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}
