package router

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"guild/pkg/protocol"
)

// Conflict arbitration: two results for one task disagree, typically
// when a review and a rework land in parallel. The rules run in order
// and the first decisive one wins; tied on every rule, the conflict
// escalates rather than being broken arbitrarily.
//
//  1. Dependency recency: the result building on the more recently
//     accepted dependency wins. Stale inputs lose to fresh ones.
//  2. Quality score: the higher validation score wins.
//  3. Domain authority: priority disputes fall to the manager's result,
//     technical disputes to the architect's.

// arbitrate handles a result arriving for an already-accepted task.
func (r *Router) arbitrate(ctx context.Context, task *Task, incoming candidate) error {
	incoming.Verdict = Validate(task, incoming.Result)
	held, ok := r.heldCandidate(task.ID)
	if !ok {
		// Accepted before this router started; keep the settled outcome
		// and record that a late challenger was dropped.
		r.logf("late result for settled task %s from %s dropped", task.ID, incoming.Sender)
		return nil
	}

	winner, err := r.resolve(ctx, task, held, incoming)
	var unresolved *protocol.ConflictUnresolvedError
	if errors.As(err, &unresolved) {
		// Already accepted, so the task cannot move to escalated; the
		// notice alone surfaces the dispute.
		return r.noticeUnresolved(ctx, task, unresolved)
	}
	if err != nil {
		return err
	}

	if winner.Sender == held.Sender && winner.ReceivedAt.Equal(held.ReceivedAt) {
		return nil // settled outcome stands
	}

	// The challenger wins: replace the held result and credit its
	// author. The task stays accepted; history records the swap.
	r.mu.Lock()
	r.accepted[task.ID] = winner
	r.mu.Unlock()

	now := r.timestamp()
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO task_events (task_id, from_status, to_status, actor, note, created_at)
		 VALUES (?, 'accepted', 'accepted', ?, ?, ?)`,
		task.ID, winner.Sender, "conflict arbitration replaced accepted result", now,
	); err != nil {
		return fmt.Errorf("record arbitration: %w", err)
	}
	return nil
}

// resolve applies the arbitration rules in order.
func (r *Router) resolve(ctx context.Context, task *Task, a, b candidate) (candidate, error) {
	// Rule 1: dependency recency.
	aDep, err := r.latestAcceptedDependency(ctx, a.Result.DependsOn)
	if err != nil {
		return candidate{}, err
	}
	bDep, err := r.latestAcceptedDependency(ctx, b.Result.DependsOn)
	if err != nil {
		return candidate{}, err
	}
	if !aDep.Equal(bDep) {
		if aDep.After(bDep) {
			return a, nil
		}
		return b, nil
	}

	// Rule 2: quality score.
	if a.Verdict.Score != b.Verdict.Score {
		if a.Verdict.Score > b.Verdict.Score {
			return a, nil
		}
		return b, nil
	}

	// Rule 3: domain authority for the conflict's topic.
	topic := classifyTopic(a, b)
	authority := topicAuthority(topic)
	if authority != "" && a.SenderRole != b.SenderRole {
		if a.SenderRole == authority {
			return a, nil
		}
		if b.SenderRole == authority {
			return b, nil
		}
	}

	return candidate{}, &protocol.ConflictUnresolvedError{
		TaskID: task.ID,
		Topic:  topic,
		Detail: fmt.Sprintf("results from %s and %s tied on every rule", a.Sender, b.Sender),
	}
}

// latestAcceptedDependency returns the most recent acceptance time among
// the given dependency task ids. Zero when none are accepted.
func (r *Router) latestAcceptedDependency(ctx context.Context, deps []string) (time.Time, error) {
	var latest time.Time
	for _, dep := range deps {
		var updatedAt string
		err := r.db.QueryRowContext(ctx,
			"SELECT updated_at FROM tasks WHERE id = ? AND status = 'accepted'", dep,
		).Scan(&updatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return time.Time{}, fmt.Errorf("dependency %s: %w", dep, err)
		}
		if t := parseTime(updatedAt); t.After(latest) {
			latest = t
		}
	}
	return latest, nil
}

// classifyTopic infers the dispute's topic from the contenders' roles.
// Manager involvement reads as a priority dispute, architect involvement
// as technical; anything else is unclassified.
func classifyTopic(a, b candidate) protocol.ConflictTopic {
	for _, role := range []string{a.SenderRole, b.SenderRole} {
		switch role {
		case protocol.RoleManager:
			return protocol.ConflictPriority
		case protocol.RoleArchitect:
			return protocol.ConflictTechnical
		}
	}
	return protocol.ConflictOther
}

func topicAuthority(topic protocol.ConflictTopic) string {
	switch topic {
	case protocol.ConflictPriority:
		return protocol.RoleManager
	case protocol.ConflictTechnical:
		return protocol.RoleArchitect
	default:
		return ""
	}
}

// HandleConflict processes an explicitly reported conflict. Agents
// report these when they detect disagreement themselves, e.g. a QA
// instance reviewing a result it cannot reconcile with the spec. The
// router re-opens review if possible, else escalates.
func (r *Router) HandleConflict(ctx context.Context, c protocol.ConflictPayload) error {
	task, err := r.GetTask(ctx, c.TaskID)
	if err != nil {
		return err
	}
	detail := fmt.Sprintf("reported %s conflict: %s", c.Topic, c.Detail)

	switch task.Status {
	case protocol.TaskInReview:
		return r.escalate(ctx, task, protocol.EscConflictUnresolved, detail)
	case protocol.TaskAccepted:
		return r.noticeUnresolved(ctx, task, &protocol.ConflictUnresolvedError{
			TaskID: task.ID, Topic: c.Topic, Detail: c.Detail,
		})
	default:
		r.logf("conflict reported for %s in %s ignored", task.ID, task.Status)
		return nil
	}
}

// noticeUnresolved surfaces a dispute over a settled task to the
// manager role without reopening the task.
func (r *Router) noticeUnresolved(ctx context.Context, task *Task, cErr *protocol.ConflictUnresolvedError) error {
	msg := protocol.NewMessage(r.cfg.InstanceID, protocol.KindNotice, protocol.ModeRoleGroup,
		[]string{protocol.RoleManager}, r.nowFunc())
	msg.ProjectID = task.ProjectID
	msg.Notice = &protocol.NoticePayload{
		Subject: string(protocol.EscConflictUnresolved),
		Body:    protocol.FormatEscalation(protocol.EscConflictUnresolved, task.ID, task.Title, cErr.Error()),
	}
	if _, err := r.bus.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish conflict notice: %w", err)
	}
	return nil
}
