package dataset

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/aiperf-run/aiperf/internal/types"
)

// DataRow is one parsed line of a custom-dataset JSONL file, recognizing the
// keys documented in spec.md §6: text/text_input (mutually exclusive),
// image, hash_ids, input_length, output_length, timestamp, delay, and
// session_id.
type DataRow struct {
	Text      string `json:"text"`
	TextInput string `json:"text_input"`
	Image     string `json:"image"`

	HashIDs      []int `json:"hash_ids"`
	InputLength  int   `json:"input_length"`
	OutputLength int   `json:"output_length"`

	Timestamp *int64 `json:"timestamp"`
	Delay     *int64 `json:"delay"`
	SessionID string `json:"session_id"`
}

// ParseDataRow decodes one JSONL line into a DataRow, rejecting lines that
// set both text and text_input (spec.md §6: mutually exclusive).
func ParseDataRow(line []byte) (DataRow, error) {
	var row DataRow
	if err := json.Unmarshal(line, &row); err != nil {
		return DataRow{}, fmt.Errorf("parse data row: %w", err)
	}
	if row.Text != "" && row.TextInput != "" {
		return DataRow{}, fmt.Errorf("data row sets both text and text_input")
	}
	return row, nil
}

// ToTurn converts a DataRow into the single Turn it describes, embedding a
// local image path as a base64 data URI and leaving remote URLs untouched
// (spec.md §6).
func (row DataRow) ToTurn(turnIndex int) (types.Turn, error) {
	turn := types.Turn{
		TurnIndex: turnIndex,
		MaxTokens: row.OutputLength,
	}

	text := row.Text
	if text == "" {
		text = row.TextInput
	}
	if text != "" {
		turn.Texts = []types.NamedText{{Name: "text", Text: text}}
	}

	if row.Image != "" {
		resolved, err := resolveImage(row.Image)
		if err != nil {
			return types.Turn{}, fmt.Errorf("resolve image: %w", err)
		}
		turn.Images = []string{resolved}
	}

	if row.Timestamp != nil {
		turn.Timestamp = row.Timestamp
	}
	if row.Delay != nil {
		turn.DelayMs = *row.Delay
	}

	optional := make(map[string]interface{})
	if len(row.HashIDs) > 0 {
		optional["hash_ids"] = row.HashIDs
	}
	if row.InputLength > 0 {
		optional["input_length"] = row.InputLength
	}
	if len(optional) > 0 {
		turn.OptionalData = optional
	}

	return turn, nil
}

// resolveImage returns an http(s) or already-embedded data URI untouched,
// and reads+base64-embeds a local path as a data:image/<fmt>;base64,...
// URI, per spec.md §6.
func resolveImage(ref string) (string, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "data:") {
		return ref, nil
	}

	raw, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("read local image %q: %w", ref, err)
	}

	ext := filepath.Ext(ref)
	mimeType := mime.TypeByExtension(ext)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	return fmt.Sprintf("data:%s;base64,%s", mimeType, encoded), nil
}
