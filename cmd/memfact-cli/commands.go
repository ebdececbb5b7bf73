package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/lexlapax/memfact/pkg/entity"
	"github.com/lexlapax/memfact/pkg/memfact"
)

const (
	cmdHelp      = "!help"
	cmdQuit      = "!quit"
	cmdOwner     = "!owner"
	cmdActor     = "!actor"
	cmdAdd       = "!add"
	cmdAddRaw    = "!addraw"
	cmdSearch    = "!search"
	cmdList      = "!list"
	cmdGet       = "!get"
	cmdUpdate    = "!update"
	cmdDelete    = "!delete"
	cmdDeleteAll = "!deleteall"
	cmdReset     = "!reset"
	cmdHistory   = "!history"
	cmdConfig    = "!config"
)

var commands = []string{
	cmdHelp, cmdQuit, cmdOwner, cmdActor, cmdAdd, cmdAddRaw, cmdSearch, cmdList,
	cmdGet, cmdUpdate, cmdDelete, cmdDeleteAll, cmdReset, cmdHistory, cmdConfig,
}

const helpText = `
memfact - Command Reference:
-----------------------------------------
!help                 - Show this help message
!owner <id>           - Set the current owner
!actor <id>           - Set the actor recorded in history
!add <text>           - Extract facts from text and reconcile them
!addraw <text>        - Store text as one fact without extraction
!search <query>       - Rank the owner's facts by similarity
!list [limit]         - List the owner's facts, newest first
!get <id>             - Show one fact
!update <id> <text>   - Replace the content of a fact
!delete <id>          - Delete a fact
!deleteall            - Delete every fact of the owner
!reset                - Delete every fact of every owner and the history
!history <id>         - Show the recorded mutations of a fact
!config               - Show current configuration
!quit                 - Exit the application

Notes:
- Regular text input is treated as a search
- Tab completion is available for commands
- Use up/down arrows for command history`

// session is the mutable state of one shell.
type session struct {
	mem   *memfact.Memory
	owner entity.OwnerID
	actor string
	out   io.Writer
}

func newSession(mem *memfact.Memory, owner string, out io.Writer) *session {
	return &session{mem: mem, owner: entity.OwnerID(owner), out: out}
}

func (s *session) prompt() string {
	if s.actor != "" {
		return fmt.Sprintf("memfact::%s@%s> ", s.actor, s.owner)
	}
	return fmt.Sprintf("memfact::%s> ", s.owner)
}

func (s *session) banner() {
	cfg := s.mem.Config()
	fmt.Fprintf(s.out, "Extractor: %s | Embedder: %s | Vector store: %s\n",
		cfg.Extractor.Provider, cfg.Embedder.Provider, cfg.VectorStore.Provider)
	fmt.Fprintf(s.out, "Current Owner: %s\n", s.owner)
}

func (s *session) context(ctx context.Context) context.Context {
	return entity.ContextWithScope(ctx, entity.NewScope(s.owner, s.actor))
}

// argument returns the given argument, prompting for it interactively when missing.
func (s *session) argument(parts []string, line *liner.State, label string) (string, bool) {
	if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
		return strings.TrimSpace(parts[1]), true
	}
	if line == nil {
		fmt.Fprintf(s.out, "%s required\n", label)
		return "", false
	}
	v, err := line.Prompt(fmt.Sprintf("Enter %s: ", strings.ToLower(label)))
	if err != nil || strings.TrimSpace(v) == "" {
		fmt.Fprintln(s.out, "Cancelled")
		return "", false
	}
	return strings.TrimSpace(v), true
}

// process handles a single command and returns false if the shell should exit.
func (s *session) process(ctx context.Context, input string, line *liner.State) bool {
	ctx = s.context(ctx)

	if !strings.HasPrefix(input, "!") {
		s.search(ctx, input)
		return true
	}

	parts := strings.SplitN(input, " ", 2)
	switch parts[0] {
	case cmdHelp:
		fmt.Fprintln(s.out, helpText)

	case cmdQuit:
		fmt.Fprintln(s.out, "Goodbye!")
		return false

	case cmdOwner:
		if v, ok := s.argument(parts, line, "Owner ID"); ok {
			s.owner = entity.OwnerID(v)
			fmt.Fprintf(s.out, "Owner set to: %s\n", s.owner)
		}

	case cmdActor:
		if v, ok := s.argument(parts, line, "Actor ID"); ok {
			s.actor = v
			fmt.Fprintf(s.out, "Actor set to: %s\n", s.actor)
		}

	case cmdAdd:
		text, ok := s.argument(parts, line, "Text")
		if !ok {
			return true
		}
		result, err := s.mem.Add(ctx, text, s.owner, nil)
		if err != nil {
			fmt.Fprintf(s.out, "Error adding memory: %v\n", err)
		}
		s.printOutcomes(result)

	case cmdAddRaw:
		text, ok := s.argument(parts, line, "Text")
		if !ok {
			return true
		}
		result, err := s.mem.AddWithOptions(ctx, text, s.owner, memfact.AddOptions{Raw: true})
		if err != nil {
			fmt.Fprintf(s.out, "Error adding memory: %v\n", err)
		}
		s.printOutcomes(result)

	case cmdSearch:
		if text, ok := s.argument(parts, line, "Query"); ok {
			s.search(ctx, text)
		}

	case cmdList:
		limit := 0
		if len(parts) > 1 {
			n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
			if err != nil {
				fmt.Fprintf(s.out, "Invalid limit: %s\n", parts[1])
				return true
			}
			limit = n
		}
		items, err := s.mem.GetAll(ctx, s.owner, limit)
		if err != nil {
			fmt.Fprintf(s.out, "Error listing memories: %v\n", err)
			return true
		}
		if len(items) == 0 {
			fmt.Fprintln(s.out, "No memories.")
		}
		for _, item := range items {
			fmt.Fprintf(s.out, "%s  v%d  %s\n", item.ID, item.Version, item.Content)
		}

	case cmdGet:
		id, ok := s.argument(parts, line, "Memory ID")
		if !ok {
			return true
		}
		item, err := s.mem.Get(ctx, id)
		switch {
		case err != nil:
			fmt.Fprintf(s.out, "Error reading memory: %v\n", err)
		case item == nil:
			fmt.Fprintf(s.out, "Memory %s not found\n", id)
		default:
			s.printJSON(item)
		}

	case cmdUpdate:
		arg, ok := s.argument(parts, line, "Memory ID and text")
		if !ok {
			return true
		}
		fields := strings.SplitN(arg, " ", 2)
		if len(fields) < 2 || strings.TrimSpace(fields[1]) == "" {
			fmt.Fprintln(s.out, "Usage: !update <id> <text>")
			return true
		}
		item, err := s.mem.Update(ctx, fields[0], strings.TrimSpace(fields[1]))
		if err != nil {
			fmt.Fprintf(s.out, "Error updating memory: %v\n", err)
			return true
		}
		fmt.Fprintf(s.out, "Updated %s to version %d\n", item.ID, item.Version)

	case cmdDelete:
		id, ok := s.argument(parts, line, "Memory ID")
		if !ok {
			return true
		}
		found, err := s.mem.Delete(ctx, id)
		switch {
		case err != nil:
			fmt.Fprintf(s.out, "Error deleting memory: %v\n", err)
		case found:
			fmt.Fprintf(s.out, "Deleted %s\n", id)
		default:
			fmt.Fprintf(s.out, "Memory %s not found\n", id)
		}

	case cmdDeleteAll:
		n, err := s.mem.DeleteAll(ctx, s.owner)
		if err != nil {
			fmt.Fprintf(s.out, "Error deleting memories: %v\n", err)
		}
		fmt.Fprintf(s.out, "Deleted %d memories of %s\n", n, s.owner)

	case cmdReset:
		n, err := s.mem.Reset(ctx)
		if err != nil {
			fmt.Fprintf(s.out, "Error resetting: %v\n", err)
		}
		fmt.Fprintf(s.out, "Reset removed %d memories\n", n)

	case cmdHistory:
		id, ok := s.argument(parts, line, "Memory ID")
		if !ok {
			return true
		}
		records, err := s.mem.History(ctx, id)
		if err != nil {
			fmt.Fprintf(s.out, "Error reading history: %v\n", err)
			return true
		}
		if len(records) == 0 {
			fmt.Fprintln(s.out, "No history recorded.")
		}
		for _, rec := range records {
			fmt.Fprintf(s.out, "%-6s  %s -> %s\n", rec.Event, deref(rec.OldMemory), deref(rec.NewMemory))
		}

	case cmdConfig:
		cfg := s.mem.Config()
		fmt.Fprintln(s.out, "\nCurrent Configuration:")
		fmt.Fprintln(s.out, "======================")
		fmt.Fprintf(s.out, "Extractor: %s\n", cfg.Extractor.Provider)
		if cfg.Extractor.Provider == "llm" {
			fmt.Fprintf(s.out, "LLM: %s (%s)\n", cfg.LLM.Provider, cfg.LLM.Model)
		}
		fmt.Fprintf(s.out, "Embedder: %s (%d dimensions)\n", cfg.Embedder.Provider, cfg.Embedder.Dimensions)
		fmt.Fprintf(s.out, "Vector Store: %s\n", cfg.VectorStore.Provider)
		fmt.Fprintf(s.out, "Ledger: %s\n", cfg.Ledger.Provider)
		fmt.Fprintf(s.out, "History: %s\n", cfg.History.Provider)
		fmt.Fprintf(s.out, "Scoring: %s\n", cfg.Scoring.Mapping)
		fmt.Fprintf(s.out, "Search Limit: %d\n", cfg.Search.Limit)
		fmt.Fprintf(s.out, "\nLog Level: %s\n", cfg.Logging.Level)
		fmt.Fprintf(s.out, "Owner: %s\n", s.owner)

	default:
		fmt.Fprintf(s.out, "Unknown command: %s\nType !help for available commands.\n", parts[0])
	}
	return true
}

func (s *session) search(ctx context.Context, text string) {
	results, err := s.mem.Search(ctx, text, s.owner, memfact.SearchOptions{Limit: 10})
	if err != nil {
		fmt.Fprintf(s.out, "Error searching: %v\n", err)
		return
	}
	if len(results) == 0 {
		fmt.Fprintln(s.out, "No matching memories.")
	}
	for _, r := range results {
		fmt.Fprintf(s.out, "%.3f  %s  %s\n", r.Score, r.Memory.ID, r.Memory.Content)
	}
}

func (s *session) printOutcomes(result memfact.AddResult) {
	if len(result.Results) == 0 {
		fmt.Fprintln(s.out, "No facts extracted.")
	}
	for _, o := range result.Results {
		content := ""
		if o.Snapshot != nil {
			content = o.Snapshot.Content
		}
		fmt.Fprintf(s.out, "%-6s  %s  %s", o.Action, o.ItemID, content)
		if o.Note != "" {
			fmt.Fprintf(s.out, "  (%s)", o.Note)
		}
		fmt.Fprintln(s.out)
	}
}

func (s *session) printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(s.out, "Error encoding: %v\n", err)
		return
	}
	fmt.Fprintln(s.out, string(data))
}

func deref(p *string) string {
	if p == nil {
		return "-"
	}
	return *p
}
