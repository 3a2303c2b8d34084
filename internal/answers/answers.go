// Package answers holds canned replies to fixed questions. Workspace answer
// files live at answers/<name>/ANSWER.md: YAML frontmatter with a name and
// trigger phrases, followed by the reply text.
package answers

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const FileName = "ANSWER.md"

var errInvalidYAML = errors.New("invalid answer YAML frontmatter")

type Answer struct {
	Name    string
	Phrases []string
	Text    string
	Source  string
}

type frontmatter struct {
	Name    string   `yaml:"name"`
	Phrases []string `yaml:"phrases"`
}

// Builtin returns the answers every assistant knows.
func Builtin(assistant string) []Answer {
	if assistant == "" {
		assistant = "Orion"
	}
	return []Answer{
		{Name: "maker", Phrases: []string{"who made you", "who created you"},
			Text: "I was forged through your dedication and enhanced through our collaborative missions."},
		{Name: "name", Phrases: []string{"what is your name", "what's your name"},
			Text: fmt.Sprintf("I am %s, your commanding voice assistant.", assistant)},
		{Name: "robot", Phrases: []string{"are you a robot"},
			Text: "I am an advanced AI voice assistant, your strategic digital ally."},
	}
}

// Load reads every answer file under dir. A missing dir yields nothing. Files
// with broken frontmatter are skipped with a warning; a missing name or a
// duplicate name is an error.
func Load(dir string, logger *zap.Logger) ([]Answer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat answers dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("answers path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read answers dir %q: %w", dir, err)
	}

	var out []Answer
	seen := make(map[string]string)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), FileName)
		a, skip, err := parseFile(path)
		if err != nil {
			if errors.Is(err, errInvalidYAML) {
				logger.Warn("skip invalid answer file", zap.String("path", path), zap.Error(err))
				continue
			}
			return nil, err
		}
		if skip {
			continue
		}
		if prev, dup := seen[a.Name]; dup {
			return nil, fmt.Errorf("duplicate answer name %q in %s (already in %s)", a.Name, path, prev)
		}
		seen[a.Name] = path
		out = append(out, a)
	}
	return out, nil
}

func parseFile(path string) (Answer, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Answer{}, true, nil
		}
		return Answer{}, false, fmt.Errorf("read answer %q: %w", path, err)
	}

	meta, body, err := splitFrontmatter(content)
	if err != nil {
		return Answer{}, false, fmt.Errorf("parse answer %q: %w", path, err)
	}
	name := strings.TrimSpace(meta.Name)
	if name == "" {
		return Answer{}, false, fmt.Errorf("parse answer %q: missing name", path)
	}
	phrases := cleanPhrases(meta.Phrases)
	text := strings.TrimSpace(body)
	if len(phrases) == 0 || text == "" {
		return Answer{}, true, nil
	}
	return Answer{Name: name, Phrases: phrases, Text: text, Source: path}, false, nil
}

func splitFrontmatter(content []byte) (frontmatter, string, error) {
	text := strings.TrimPrefix(string(content), "\uFEFF")
	lines := strings.Split(text, "\n")
	if strings.TrimSpace(lines[0]) != "---" {
		return frontmatter{}, "", fmt.Errorf("%w: missing opening separator", errInvalidYAML)
	}
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return frontmatter{}, "", fmt.Errorf("%w: missing closing separator", errInvalidYAML)
	}

	var meta frontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &meta); err != nil {
		return frontmatter{}, "", fmt.Errorf("%w: %v", errInvalidYAML, err)
	}
	return meta, strings.Join(lines[end+1:], "\n"), nil
}

func cleanPhrases(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, p := range in {
		p = strings.Join(strings.Fields(strings.ToLower(p)), " ")
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Book matches queries against answers. Earlier answers take precedence.
type Book struct {
	answers []Answer
	entries []bookEntry
}

type bookEntry struct {
	phrase string
	answer int
}

func NewBook(sets ...[]Answer) *Book {
	var all []Answer
	for _, s := range sets {
		all = append(all, s...)
	}
	b := &Book{}
	for i, a := range all {
		for _, p := range cleanPhrases(a.Phrases) {
			b.entries = append(b.entries, bookEntry{phrase: p, answer: i})
		}
	}
	b.answers = all
	return b
}

// Lookup returns the first answer with a phrase contained in query.
func (b *Book) Lookup(query string) (Answer, bool) {
	if b == nil {
		return Answer{}, false
	}
	q := strings.Join(strings.Fields(strings.ToLower(query)), " ")
	for _, e := range b.entries {
		if strings.Contains(q, e.phrase) {
			return b.answers[e.answer], true
		}
	}
	return Answer{}, false
}

func (b *Book) Len() int {
	if b == nil {
		return 0
	}
	return len(b.answers)
}
