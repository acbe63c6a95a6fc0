package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"guild/pkg/protocol"
)

// seedEntry represents one line of a seed JSONL file.
type seedEntry struct {
	Key        string  `json:"key"`
	Tier       string  `json:"tier"`
	Content    string  `json:"content"`
	Agent      string  `json:"agent"`
	Importance float64 `json:"importance"`
}

// seedImportance is the default for curated seed knowledge, higher than
// organic writes since a human chose to ship it.
const seedImportance = 0.9

// ImportSeed reads JSONL entries from r and writes them into the store
// for one project. Entries missing a key or content, or naming an
// unknown tier, are skipped; so are keys already imported (dedup by
// source_task). Returns the count of newly written entries.
func ImportSeed(ctx context.Context, store *Store, projectID string, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	newCount := 0

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var entry seedEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry.Content == "" || entry.Key == "" {
			continue
		}

		tier := protocol.MemoryTier(entry.Tier)
		if entry.Tier == "" {
			tier = protocol.TierSemantic
		}
		if !tier.Valid() {
			continue
		}

		dup, err := seedExists(ctx, store, projectID, entry.Key)
		if err != nil {
			return newCount, err
		}
		if dup {
			continue
		}

		imp := entry.Importance
		if imp <= 0 || imp > 1 {
			imp = seedImportance
		}

		if _, err := store.Write(ctx, WriteParams{
			ProjectID:  projectID,
			AgentID:    entry.Agent,
			Tier:       tier,
			Content:    entry.Content,
			Importance: imp,
			SourceTask: "seed:" + entry.Key,
		}); err != nil {
			return newCount, fmt.Errorf("seed write %q: %w", entry.Key, err)
		}
		newCount++
	}

	if err := scanner.Err(); err != nil {
		return newCount, fmt.Errorf("scan seed jsonl: %w", err)
	}
	return newCount, nil
}

// seedExists reports whether a seed key was already imported for the project.
func seedExists(ctx context.Context, store *Store, projectID, key string) (bool, error) {
	rows, err := store.db.QueryContext(ctx,
		"SELECT id FROM memories WHERE project_id = ? AND source_task = ? LIMIT 1",
		projectID, "seed:"+key,
	)
	if err != nil {
		return false, fmt.Errorf("seed dedup check: %w", err)
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}
