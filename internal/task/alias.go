package task

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Aliaser rewrites the first whitespace-delimited word of an incoming
// command according to a YAML mapping loaded once at startup, preserving
// the pre-alias command for display (OriginalCommand).
type Aliaser struct {
	aliases map[string]string
}

// NewAliaser loads the alias file at path, if it exists. A missing file is
// not an error — aliasing is simply a no-op, matching pueue_lib's
// get_aliases behavior.
func NewAliaser(path string) (*Aliaser, error) {
	a := &Aliaser{aliases: map[string]string{}}
	if path == "" {
		return a, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return a, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, &a.aliases); err != nil {
		return nil, err
	}
	return a, nil
}

// Apply replaces the first word of command with its alias, if one exists.
// The original command is always returned alongside for display.
func (a *Aliaser) Apply(command string) (aliased, original string) {
	original = command
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return command, original
	}

	replacement, ok := a.aliases[fields[0]]
	if !ok {
		return command, original
	}

	return strings.Replace(command, fields[0], replacement, 1), original
}
