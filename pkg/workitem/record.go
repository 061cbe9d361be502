package workitem

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const delimiter = "---"

// Encode renders an item as a text record: a YAML header between marker
// lines followed by the free-text body.
func Encode(it *Item) ([]byte, error) {
	header := it.Header.Clone()
	if it.Kind != "" {
		header[KeyKind] = it.Kind
	}
	if it.ActionType != "" {
		header[KeyActionType] = it.ActionType
	}
	if _, ok := header[KeyCreatedAt]; !ok && !it.CreatedAt.IsZero() {
		header[KeyCreatedAt] = FormatTime(it.CreatedAt)
	}

	var buf bytes.Buffer
	buf.WriteString(delimiter + "\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any(header)); err != nil {
		return nil, fmt.Errorf("failed to encode header for %s: %w", it.ID, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode header for %s: %w", it.ID, err)
	}
	buf.WriteString(delimiter + "\n")
	buf.WriteString(it.Body)
	return buf.Bytes(), nil
}

// Decode parses a text record. The id and container come from the record's
// location, not its content.
func Decode(id string, container Container, data []byte) (*Item, error) {
	raw, body, err := splitHeader(string(data))
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}

	parsed := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := yaml.Unmarshal([]byte(raw), &parsed); err != nil {
			return nil, fmt.Errorf("record %s: failed to parse header: %w", id, err)
		}
	}
	header, err := Normalize(Header(parsed))
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}

	it := &Item{
		ID:         id,
		Kind:       header.String(KeyKind),
		ActionType: header.String(KeyActionType),
		Container:  container,
		Header:     header,
		Body:       body,
	}
	if t, ok := header.Time(KeyCreatedAt); ok {
		it.CreatedAt = t
	} else if t, ok := CreatedFromID(id); ok {
		it.CreatedAt = t
	}
	it.UpdatedAt = it.CreatedAt
	return it, nil
}

// splitHeader separates the header block from the body.
func splitHeader(record string) (header string, body string, err error) {
	lines := strings.Split(record, "\n")
	if len(lines) < 2 || strings.TrimSpace(lines[0]) != delimiter {
		return "", "", fmt.Errorf("missing header opening marker (%s)", delimiter)
	}
	closing := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == delimiter {
			closing = i
			break
		}
	}
	if closing == -1 {
		return "", "", fmt.Errorf("missing header closing marker (%s)", delimiter)
	}
	return strings.Join(lines[1:closing], "\n"), strings.Join(lines[closing+1:], "\n"), nil
}

// NewItem assembles an item for creation, filling recognized header keys.
func NewItem(container Container, kind string, header Header, body string, now time.Time) (*Item, error) {
	normalized, err := Normalize(header)
	if err != nil {
		return nil, err
	}
	id, err := NewID(kind, now)
	if err != nil {
		return nil, err
	}
	normalized[KeyKind] = kind
	if _, ok := normalized[KeyCreatedAt]; !ok {
		normalized[KeyCreatedAt] = FormatTime(now)
	}
	normalized[KeyStatus] = container.Status()
	return &Item{
		ID:         id,
		Kind:       kind,
		ActionType: normalized.String(KeyActionType),
		Container:  container,
		Header:     normalized,
		Body:       body,
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
	}, nil
}
