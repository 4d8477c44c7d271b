package echo

import "context"

// Module возвращает команду без изменений.
type Module struct{}

func (Module) Execute(ctx context.Context, command string) (string, error) {
	return command, nil
}
