package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/aiperf-run/aiperf/internal/types"
)

// LoadConversationsJSONL reads conversations from path for custom_file,
// mooncake_trace, and fixed_schedule mode. path may be a single JSONL file
// or a directory, in which case every *.jsonl file inside it is read in
// sorted order. Each line is either a full multi-turn types.Conversation
// (recognized by a top-level "turns" key) or a single-turn DataRow using
// the keys documented in spec.md §6 (text/text_input/image/hash_ids/
// input_length/output_length/timestamp/delay/session_id). A line with no
// session_id gets one generated so GET_CONVERSATION lookups still resolve.
func LoadConversationsJSONL(path string) ([]types.Conversation, error) {
	paths, err := resolveJSONLPaths(path)
	if err != nil {
		return nil, err
	}

	var convs []types.Conversation
	for _, p := range paths {
		fileConvs, err := loadOneFile(p)
		if err != nil {
			return nil, err
		}
		convs = append(convs, fileConvs...)
	}
	return convs, nil
}

func resolveJSONLPaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat conversation path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	matches, err := filepath.Glob(filepath.Join(path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("glob conversation directory: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

func loadOneFile(path string) ([]types.Conversation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open conversation file: %w", err)
	}
	defer f.Close()

	var convs []types.Conversation
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		conv, err := parseConversationLine(line)
		if err != nil {
			return nil, fmt.Errorf("parse conversation line: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read conversation file: %w", err)
	}
	return convs, nil
}

// parseConversationLine distinguishes a full multi-turn Conversation line
// from a single-turn DataRow line by probing for a top-level "turns" key.
func parseConversationLine(line []byte) (types.Conversation, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(line, &probe); err != nil {
		return types.Conversation{}, err
	}

	if _, ok := probe["turns"]; ok {
		var conv types.Conversation
		if err := json.Unmarshal(line, &conv); err != nil {
			return types.Conversation{}, err
		}
		if conv.SessionID == "" {
			conv.SessionID = uuid.NewString()
		}
		return conv, nil
	}

	row, err := ParseDataRow(line)
	if err != nil {
		return types.Conversation{}, err
	}
	turn, err := row.ToTurn(0)
	if err != nil {
		return types.Conversation{}, err
	}

	sessionID := row.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return types.Conversation{SessionID: sessionID, Turns: []types.Turn{turn}}, nil
}
