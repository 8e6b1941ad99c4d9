package watch

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the watch view's keyboard bindings.
type KeyMap struct {
	Up      key.Binding
	Down    key.Binding
	Cancel  key.Binding
	Refresh key.Binding
	LogUp   key.Binding
	LogDown key.Binding
	Quit    key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "prev session"),
		),
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "next session"),
		),
		Cancel: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "cancel session"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh"),
		),
		LogUp: key.NewBinding(
			key.WithKeys("pgup", "K"),
			key.WithHelp("pgup", "scroll log up"),
		),
		LogDown: key.NewBinding(
			key.WithKeys("pgdown", "J"),
			key.WithHelp("pgdown", "scroll log down"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}
