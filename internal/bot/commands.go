package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"wabot/internal/ai"
	"wabot/internal/registry"
	"wabot/internal/resolver"
)

const (
	apologyReply    = "Sorry, I can't answer right now. Please try again in a moment."
	unknownCmdReply = "Unknown command. Available: /groups, /findgroup <name>, /cacheinfo, /history [name], /summary <name>, /historyinfo <name>, /cachedhistories"

	summaryInstruction = "Summarize the following chat transcript in a few short sentences. Mention the main topics and any decisions or open questions."
)

// dispatchCommand handles a slash command and returns the reply text.
func (b *Bot) dispatchCommand(ctx context.Context, chatJID, text string) string {
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	arg := strings.TrimSpace(strings.TrimPrefix(text, fields[0]))

	switch cmd {
	case "/groups":
		return b.cmdGroups(ctx)
	case "/findgroup":
		return b.cmdFindGroup(ctx, arg)
	case "/cacheinfo":
		return b.cmdCacheInfo()
	case "/history":
		return b.cmdHistory(ctx, chatJID, arg)
	case "/summary":
		return b.cmdSummary(ctx, arg)
	case "/historyinfo":
		return b.cmdHistoryInfo(ctx, arg)
	case "/cachedhistories":
		return b.cmdCachedHistories()
	default:
		return unknownCmdReply
	}
}

func (b *Bot) cmdGroups(ctx context.Context) string {
	groups := b.reg.Groups(ctx, false)
	if len(groups) == 0 {
		return "No groups known yet."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Groups (%d):\n", len(groups))
	for _, g := range groups {
		fmt.Fprintf(&sb, "- %s (%d members)\n", g.DisplayName, g.MemberCount)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) cmdFindGroup(ctx context.Context, query string) string {
	if query == "" {
		return "Usage: /findgroup <name>"
	}
	matches := b.findGroups(ctx, query)
	if len(matches) == 0 {
		return fmt.Sprintf("No group matching %q.", query)
	}
	var sb strings.Builder
	for _, g := range matches {
		fmt.Fprintf(&sb, "%s (%d members)\n", g.DisplayName, g.MemberCount)
		if g.Description != "" {
			fmt.Fprintf(&sb, "  %s\n", g.Description)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) findGroups(ctx context.Context, query string) []registry.Group {
	q := strings.ToLower(query)
	var matches []registry.Group
	for _, g := range b.reg.Groups(ctx, false) {
		if strings.Contains(strings.ToLower(g.DisplayName), q) {
			matches = append(matches, g)
		}
	}
	return matches
}

func (b *Bot) cmdCacheInfo() string {
	state, count, age, haveSnapshot := b.reg.Status()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Groups: %d (%s", count, state)
	if haveSnapshot {
		fmt.Fprintf(&sb, ", refreshed %s ago", humanAge(age))
	}
	sb.WriteString(")\n")
	fmt.Fprintf(&sb, "Contacts: %d\n", b.dir.Len())
	fmt.Fprintf(&sb, "Cached histories: %d", len(b.hist.List()))
	return sb.String()
}

func (b *Bot) cmdHistory(ctx context.Context, chatJID, arg string) string {
	target := chatJID
	if arg != "" {
		id, errReply := b.resolveTarget(ctx, arg)
		if errReply != "" {
			return errReply
		}
		target = id
	}
	rec, err := b.hist.Get(ctx, target)
	if err != nil {
		b.logger.Error("history read failed", zap.String("conversation", target), zap.Error(err))
		return apologyReply
	}
	if rec.MessageCount == 0 {
		return fmt.Sprintf("No messages on record for %s.", rec.DisplayName)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s — %s:\n", rec.DisplayName, rec.CoveragePeriod)
	msgs := rec.Messages
	if len(msgs) > 10 {
		msgs = msgs[len(msgs)-10:]
	}
	for _, m := range msgs {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", time.UnixMilli(m.Timestamp).Format("15:04"), m.Sender, m.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) cmdSummary(ctx context.Context, arg string) string {
	if arg == "" {
		return "Usage: /summary <name>"
	}
	target, errReply := b.resolveTarget(ctx, arg)
	if errReply != "" {
		return errReply
	}
	rec, err := b.hist.Get(ctx, target)
	if err != nil {
		b.logger.Error("history read failed", zap.String("conversation", target), zap.Error(err))
		return apologyReply
	}
	if rec.MessageCount == 0 {
		return fmt.Sprintf("No messages on record for %s.", rec.DisplayName)
	}

	var transcript strings.Builder
	for _, m := range rec.Messages {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Sender, m.Content)
	}
	summary, err := b.ai.Complete(ctx, summaryInstruction, []ai.Turn{
		{Role: "user", Content: transcript.String()},
	})
	if err != nil {
		b.logger.Error("summary generation failed", zap.String("conversation", target), zap.Error(err))
		return apologyReply
	}
	return fmt.Sprintf("Summary of %s (%s):\n%s", rec.DisplayName, rec.CoveragePeriod, summary)
}

func (b *Bot) cmdHistoryInfo(ctx context.Context, arg string) string {
	if arg == "" {
		return "Usage: /historyinfo <name>"
	}
	target, errReply := b.resolveTarget(ctx, arg)
	if errReply != "" {
		return errReply
	}
	age, count, ok := b.hist.Info(target)
	if !ok {
		archived, err := b.db.MessageCount(target)
		if err != nil || archived == 0 {
			return fmt.Sprintf("No cached history for %q.", arg)
		}
		return fmt.Sprintf("No cached history for %q yet; %d messages archived.", arg, archived)
	}
	return fmt.Sprintf("History cached %s ago: %d messages (TTL %s).", humanAge(age), count, b.hist.TTL())
}

func (b *Bot) cmdCachedHistories() string {
	entries := b.hist.List()
	if len(entries) == 0 {
		return "No cached histories."
	}
	names := make([]string, 0, len(entries))
	byName := make(map[string]int64, len(entries))
	for id, e := range entries {
		name := e.DisplayName
		if name == "" {
			name = id
		}
		names = append(names, name)
		byName[name] = e.CapturedAt
	}
	sort.Strings(names)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Cached histories (%d):\n", len(names))
	for _, name := range names {
		age := time.Since(time.UnixMilli(byName[name]))
		fmt.Fprintf(&sb, "- %s (%s ago)\n", name, humanAge(age))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// resolveTarget maps a user-entered name to an identifier. Group names
// are tried first against the registry projection, then contacts via
// the resolver. A non-empty second return is the reply to send instead.
func (b *Bot) resolveTarget(ctx context.Context, query string) (string, string) {
	if groups := b.findGroups(ctx, query); len(groups) > 0 {
		return groups[0].Identifier, ""
	}
	id, err := b.res.Resolve(ctx, query)
	if err == nil {
		return id, ""
	}
	if errors.Is(err, resolver.ErrNotFound) {
		return "", notFoundReply(query, b.res.Suggest(query))
	}
	b.logger.Error("resolution failed", zap.String("query", query), zap.Error(err))
	return "", apologyReply
}

func notFoundReply(query string, suggestions []string) string {
	if len(suggestions) == 0 {
		return fmt.Sprintf("No contact matching %q.", query)
	}
	return fmt.Sprintf("No contact matching %q. Did you mean: %s?", query, strings.Join(suggestions, ", "))
}

func humanAge(age time.Duration) string {
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	default:
		return fmt.Sprintf("%dh%02dm", int(age.Hours()), int(age.Minutes())%60)
	}
}
