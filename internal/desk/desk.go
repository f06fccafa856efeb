package desk

import (
	"fmt"
	"regexp"
	"strings"
)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Desk is a named bundle of instructions and file boundaries applied to a
// session when it is created.
type Desk struct {
	Name          string
	Aliases       []string
	Description   string
	SystemPrompt  string
	Boundaries    Boundaries
	Knowledge     []string
	KnowledgeText string
}

// Boundaries groups path globs by the access a session is granted to them.
type Boundaries struct {
	Writable []string `yaml:"writable" json:"writable" toml:"writable"`
	Readable []string `yaml:"readable" json:"readable" toml:"readable"`
	Blocked  []string `yaml:"blocked" json:"blocked" toml:"blocked"`
}

type fileCatalog struct {
	Version int        `yaml:"version" json:"version" toml:"version"`
	Desks   []fileDesk `yaml:"desks" json:"desks" toml:"desks"`
}

type fileDesk struct {
	Name         string     `yaml:"name" json:"name" toml:"name"`
	Aliases      []string   `yaml:"aliases" json:"aliases" toml:"aliases"`
	Description  string     `yaml:"description" json:"description" toml:"description"`
	SystemPrompt string     `yaml:"system_prompt" json:"system_prompt" toml:"system_prompt"`
	Boundaries   Boundaries `yaml:"boundaries" json:"boundaries" toml:"boundaries"`
	Knowledge    []string   `yaml:"knowledge" json:"knowledge" toml:"knowledge"`
}

func normalizeName(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func (d fileDesk) validate() error {
	name := normalizeName(d.Name)
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid desk name %q", d.Name)
	}
	for _, alias := range d.Aliases {
		if !namePattern.MatchString(normalizeName(alias)) {
			return fmt.Errorf("desk %s: invalid alias %q", name, alias)
		}
	}
	return nil
}

// SystemPromptSuffix renders the text appended to the agent's system prompt
// for sessions bound to d.
func (d Desk) SystemPromptSuffix() string {
	sections := make([]string, 0, 5)
	if prompt := strings.TrimSpace(d.SystemPrompt); prompt != "" {
		sections = append(sections, prompt)
	}
	sections = appendPathList(sections, "You may modify files under these paths:", d.Boundaries.Writable)
	sections = appendPathList(sections, "You may read, but not modify, files under these paths:", d.Boundaries.Readable)
	sections = appendPathList(sections, "Never read or modify files under these paths:", d.Boundaries.Blocked)
	if knowledge := strings.TrimSpace(d.KnowledgeText); knowledge != "" {
		sections = append(sections, "Reference material for the "+d.Name+" desk:\n\n"+knowledge)
	}
	return strings.Join(sections, "\n\n")
}

func appendPathList(sections []string, heading string, paths []string) []string {
	if len(paths) == 0 {
		return sections
	}
	var b strings.Builder
	b.WriteString(heading)
	for _, path := range paths {
		b.WriteString("\n- ")
		b.WriteString(path)
	}
	return append(sections, b.String())
}
