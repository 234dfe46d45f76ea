package flagparse

import (
	"fmt"

	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// CommandFlag defines the command to execute.
type Command int

const (
	None = iota
	Run
	Version
	Init
	Add
	Check
)

var commandToString = map[Command]string{
	None:    "none",
	Run:     "run",
	Version: "version",
	Init:    "init",
	Add:     "add",
	Check:   "check",
}

var stringToCommand map[string]Command

func init() {
	stringToCommand = util.InvertMap(commandToString)
}

func (c Command) String() string {
	if str, ok := commandToString[c]; ok {
		return str
	}
	return fmt.Sprintf("unknown_command(%d)", c)
}

func ParseCommand(s string) (Command, error) {
	if command, ok := stringToCommand[s]; ok && command != None {
		return command, nil
	}
	return None, fmt.Errorf("invalid command: %q. Must be 'run', 'init', 'add', 'check', or 'version'", s)
}
