package qdb

import (
	"fmt"

	"github.com/pg-sharding/taskmgr/pkg/spqrlog"
)

// Command is a reversible mutation of MemQDB state. A batch of commands is
// applied together with a backup write and rolled back if either fails.
type Command interface {
	Do() error
	Undo() error
}

func NewDeleteCommand[K comparable, T any](m map[K]T, key K) *DeleteCommand[K, T] {
	return &DeleteCommand[K, T]{m: m, key: key}
}

type DeleteCommand[K comparable, T any] struct {
	m       map[K]T
	key     K
	value   T
	present bool
}

func (c *DeleteCommand[K, T]) Do() error {
	c.value, c.present = c.m[c.key]
	delete(c.m, c.key)
	return nil
}

func (c *DeleteCommand[K, T]) Undo() error {
	if c.present {
		c.m[c.key] = c.value
	}
	return nil
}

func NewUpdateCommand[K comparable, T any](m map[K]T, key K, value T) *UpdateCommand[K, T] {
	return &UpdateCommand[K, T]{m: m, key: key, value: value}
}

type UpdateCommand[K comparable, T any] struct {
	m         map[K]T
	key       K
	value     T
	prevValue T
	present   bool
}

func (c *UpdateCommand[K, T]) Do() error {
	c.prevValue, c.present = c.m[c.key]
	c.m[c.key] = c.value
	return nil
}

func (c *UpdateCommand[K, T]) Undo() error {
	if !c.present {
		delete(c.m, c.key)
	} else {
		c.m[c.key] = c.prevValue
	}
	return nil
}

func NewCustomCommand(do func() error, undo func() error) *CustomCommand {
	return &CustomCommand{do: do, undo: undo}
}

type CustomCommand struct {
	do   func() error
	undo func() error
}

func (c *CustomCommand) Do() error {
	return c.do()
}

func (c *CustomCommand) Undo() error {
	return c.undo()
}

// ExecuteCommands applies commands in order and then calls saver. On any
// failure the already applied commands are undone in reverse order.
func ExecuteCommands(saver func() error, commands ...Command) error {
	completed := 0
	var err error
	for _, c := range commands {
		if err = c.Do(); err != nil {
			break
		}
		completed++
	}
	if err == nil {
		err = saver()
	}
	if err == nil {
		return nil
	}

	spqrlog.Zero.Info().Int("commands", completed).Msg("memqdb: undo commands")
	for i := completed - 1; i >= 0; i-- {
		if undoErr := commands[i].Undo(); undoErr != nil {
			return fmt.Errorf("failed to undo command %s while: %s", undoErr.Error(), err.Error())
		}
	}
	return err
}
